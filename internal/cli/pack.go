package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmstate/internal/config"
	"github.com/javanstorm/vmstate/internal/pack"
)

var packCmd = &cobra.Command{
	Use:   "pack <rootfs.tar>",
	Short: "Split a root filesystem tarball into compressed segments",
	Long: `Read a root filesystem tarball (plain, gzip or zstd compressed; "-"
for stdin) and store every file in the content directory under its
content hash, then write the manifest that build boots from.

Segments that already exist are left alone, so packing an updated
tarball only adds the files that changed.`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

var (
	packOutputDir string
	packManifest  string
	packJobs      int
)

func init() {
	packCmd.Flags().StringVar(&packOutputDir, "content-dir", "", "segment directory (default: from config)")
	packCmd.Flags().StringVar(&packManifest, "manifest", "", "manifest output (default: from config)")
	packCmd.Flags().IntVarP(&packJobs, "jobs", "j", 0, "files compressed in parallel (default: GOMAXPROCS)")
}

func runPack(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	outputDir := packOutputDir
	if outputDir == "" {
		outputDir = cfg.ContentPath()
	}
	manifestPath := packManifest
	if manifestPath == "" {
		manifestPath = cfg.ManifestFile()
	}

	var src io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer f.Close()
		src = f
	}

	result, err := pack.Pack(cmd.Context(), src, pack.Options{
		OutputDir:    outputDir,
		ManifestPath: manifestPath,
		Concurrency:  packJobs,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Packed %d files: %d segments written, %d already present\n",
		result.Files, result.Written, result.Skipped)
	fmt.Fprintf(cmd.OutOrStdout(), "Manifest: %s\n", manifestPath)
	return nil
}
