// Package cli provides the command-line interface for vmstate.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmstate/internal/config"
)

var (
	verbose bool
	logger  = newLogger(os.Stderr, false)
)

var rootCmd = &cobra.Command{
	Use:   "vmstate",
	Short: "vmstate - build boot snapshots of a Linux guest",
	Long: `vmstate boots a Linux guest from a lazily loaded root filesystem,
waits for its shell prompt, flushes its caches and saves the machine
state to a file that later runs can resume from instead of booting.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(os.Stderr, verbose)
		slog.SetDefault(logger)

		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		if err := config.Load(); err != nil {
			return err
		}
		if used := config.ConfigFileUsed(); used != "" {
			logger.Debug("loaded config file", "path", used)
		}
		return nil
	},
}

// newLogger returns a text logger; verbose enables debug output.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(packCmd)
}
