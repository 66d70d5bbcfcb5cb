package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/moonlight-kernel/patchsync/internal/config"
	"github.com/moonlight-kernel/patchsync/internal/fetch"
	"github.com/moonlight-kernel/patchsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	outputDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Assemble kernel patches and config from upstream sources",
	Long: `patchsync downloads the kernel config and the patch sets a kernel build
applies, merges them into one file per output and writes them next to the
build recipe.

Patches are taken from plain URLs, from lists of files under a base URL, from
the source array of an Arch PKGBUILD, from the applied patches of an RPM spec
file and from a local patch directory.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch all sources and write the configured outputs",
	Long: `Sync resolves every enabled output, concatenates its fragments in order and
writes the result into the output directory.

In staged mode (the default) nothing in the output directory changes unless
every output was assembled. Direct mode removes the previous outputs first and
writes each output as soon as its sources are fetched.`,
	RunE: runSync,
}

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List the configured outputs and their sources",
	RunE:  runOutputs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the built-in patch set)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVar(&outputDir, "output-dir", "", "write outputs to this directory instead of paths.output_dir")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if outputDir != "" {
		cfg.Paths.OutputDir = outputDir
	}

	fetcher := fetch.NewHTTPFetcher(cfg.Fetch.Timeout, cfg.Fetch.UserAgent, logger)
	engine := sync.NewEngine(cfg, fetcher, logger, dryRun)

	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runOutputs(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	printOutputs(cmd.OutOrStdout(), cfg)
	return nil
}

// printOutputs writes one block per output listing its sources in merge order
func printOutputs(w io.Writer, cfg *config.Config) {
	for _, out := range cfg.Outputs {
		status := ""
		if out.Skip {
			status = " (skipped)"
		}
		fmt.Fprintf(w, "%s%s\n", out.Name, status)

		for _, src := range out.Sources {
			switch src.Kind() {
			case config.KindURL:
				fmt.Fprintf(w, "  url       %s\n", src.URL)
			case config.KindRemote:
				for _, name := range src.Files {
					fmt.Fprintf(w, "  url       %s\n", fetch.JoinURL(src.BaseURL, name))
				}
			case config.KindPKGBUILD:
				fmt.Fprintf(w, "  pkgbuild  %s\n", src.PKGBUILD)
			case config.KindRPMSpec:
				fmt.Fprintf(w, "  rpmspec   %s\n", src.RPMSpec)
			case config.KindLocal:
				fmt.Fprintf(w, "  local     %s\n", cfg.LocalPatchPath(src.Local))
			case config.KindLocalDir:
				fmt.Fprintf(w, "  local_dir %s\n", cfg.LocalPatchPath(src.LocalDir))
			}
		}
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile == "" {
		logger.Info("using built-in configuration")
		cfg, err = config.Default()
	} else {
		logger.Info("loading configuration", "path", cfgFile)
		cfg, err = config.Load(cfgFile)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"kernel_version", cfg.KernelVersion,
		"output_dir", cfg.Paths.OutputDir,
		"mode", cfg.Sync.Mode,
		"outputs", len(cfg.EnabledOutputs()))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
