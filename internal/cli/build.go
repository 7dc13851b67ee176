package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmstate/internal/config"
	"github.com/javanstorm/vmstate/internal/console"
	"github.com/javanstorm/vmstate/internal/fscache"
	"github.com/javanstorm/vmstate/internal/manifest"
	"github.com/javanstorm/vmstate/internal/snapshot"
	"github.com/javanstorm/vmstate/internal/timing"
	"github.com/javanstorm/vmstate/internal/version"
	"github.com/javanstorm/vmstate/pkg/hypervisor"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Boot the guest and save its state",
	Long: `Boot the guest from the packed root filesystem, wait for the shell
prompt, drop the guest page cache, let the guest settle and write the
machine state to the output file.

The machine is always torn down before the command exits. Interrupting
the command (Ctrl-C) stops the build without writing anything.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var showTiming bool

func init() {
	defaults := config.DefaultConfig()
	flags := buildCmd.Flags()
	flags.String("driver", defaults.Driver, "machine driver (qemu, vz)")
	flags.String("asset-dir", defaults.AssetDir, "base directory for relative asset paths")
	flags.String("content-dir", defaults.ContentDir, "directory of compressed file segments")
	flags.String("manifest", defaults.Manifest, "root filesystem manifest")
	flags.StringP("output", "o", defaults.Output, "snapshot output file")
	flags.Int("cpus", defaults.CPUs, "number of virtual CPUs")
	flags.Int("memory", defaults.MemoryMB, "guest memory in MiB")
	flags.Duration("settle-delay", defaults.SettleDelay, "wait between cache flush and capture")
	flags.Bool("network", defaults.EnableNetwork, "attach a NAT network")
	flags.String("kernel", "", "kernel image (default: found in the root filesystem)")
	flags.String("initrd", "", "initial ramdisk (with --kernel)")
	flags.String("work-dir", "", "directory for the mountpoint and driver files (default: temporary)")
	flags.Bool("echo", defaults.EchoConsole, "copy guest console output to stdout")
	flags.BoolVar(&showTiming, "timing", false, "print a per-phase timing report")

	for key, flag := range map[string]string{
		"driver":         "driver",
		"asset_dir":      "asset-dir",
		"content_dir":    "content-dir",
		"manifest":       "manifest",
		"output":         "output",
		"cpus":           "cpus",
		"memory_mb":      "memory",
		"settle_delay":   "settle-delay",
		"enable_network": "network",
		"kernel":         "kernel",
		"initrd":         "initrd",
		"work_dir":       "work-dir",
		"echo_console":   "echo",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	timer := timing.New()
	cfg := config.Global

	caps, err := hypervisor.DriverCapabilities(cfg.Driver)
	if err != nil {
		return err
	}
	if problems := config.ValidateConfig(cfg, caps); len(problems) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(problems))
		if config.HasFatal(problems) {
			return fmt.Errorf("invalid configuration")
		}
	}

	tree, err := manifest.Load(cfg.ManifestFile())
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	cache, err := fscache.Open(cfg.ContentPath(), fscache.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("loaded root filesystem",
		"manifest", cfg.ManifestFile(),
		"content", cfg.ContentPath(),
		"bytes", tree.Size)
	timer.Mark("assets")

	var echo io.Writer
	if cfg.EchoConsole {
		echo = cmd.OutOrStdout()
	}
	monitor, err := console.New(cfg.Marker, echo)
	if err != nil {
		return err
	}

	machine, err := hypervisor.NewMachine(cfg.Driver, &hypervisor.MachineConfig{
		CPUs:            cfg.CPUs,
		MemoryMB:        cfg.MemoryMB,
		Cmdline:         cfg.Cmdline,
		Kernel:          cfg.Kernel,
		Initrd:          cfg.Initrd,
		Manifest:        tree,
		WorkDir:         cfg.WorkDir,
		EnableNetwork:   cfg.EnableNetwork,
		RouterIP:        cfg.RouterIP,
		GuestIP:         cfg.GuestIP,
		MACAddress:      cfg.MACAddress,
		QEMUBinary:      cfg.QEMUBinary,
		VirtiofsdBinary: cfg.VirtiofsdBinary,
		Accel:           cfg.Accel,
		AllowOther:      cfg.AllowOther,
		Logger:          logger.With("driver", cfg.Driver),
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	info := machine.Info()
	logger.Info("created machine", "driver", info.Name, "arch", info.Arch, "build", version.String())

	orchestrator, err := snapshot.New(snapshot.Options{
		Machine:      machine,
		Loader:       cache,
		Monitor:      monitor,
		FlushCommand: cfg.FlushCommand,
		SettleDelay:  cfg.SettleDelay,
		OutputPath:   cfg.OutputFile(),
		Logger:       logger,
		Timer:        timer,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orchestrator.Run(ctx)

	stats := cache.Stats()
	logger.Debug("file cache", "hits", stats.Hits, "loads", stats.Loads, "bytes", stats.Bytes)
	if showTiming {
		timer.Report(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nSaved %s (%d bytes, blake3 %s)\n", result.Path, result.Size, result.Digest)
	return nil
}
