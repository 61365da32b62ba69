// Package cmd provides the CLI commands for imgsift.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/imgsift/internal/app"
	"github.com/Aman-CERP/imgsift/internal/config"
	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/logging"
	"github.com/Aman-CERP/imgsift/internal/profiling"
	"github.com/Aman-CERP/imgsift/pkg/version"
)

// globals holds the persistent flags and what the pre-run hook built from
// them. One instance lives per root command.
type globals struct {
	configPath string
	debug      bool
	offline    bool
	profile    profiling.Options

	cfg        *config.Config
	logger     *slog.Logger
	logCleanup func()
	profiler   *profiling.Session
}

// NewRootCmd creates the root command for the imgsift CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&globals{})
}

func newRootCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgsift",
		Short: "Local image understanding, clustering and semantic search",
		Long: `imgsift ingests images, analyzes them with detection, captioning,
OCR and CLIP embeddings, groups similar images with HDBSCAN and finds
them again from a natural-language description.

Run 'imgsift ingest <files>' to add images, then 'imgsift search "<query>"'.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return g.teardown()
		},
	}

	cmd.SetVersionTemplate("imgsift version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (default ./imgsift.yaml if present)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging, mirrored to stderr")
	cmd.PersistentFlags().BoolVar(&g.offline, "offline", false, "Use static embeddings and skip model services")
	cmd.PersistentFlags().StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newIngestCmd(g))
	cmd.AddCommand(newAnalyzeCmd(g))
	cmd.AddCommand(newWorkerCmd(g))
	cmd.AddCommand(newClusterCmd(g))
	cmd.AddCommand(newSearchCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newListCmd(g))
	cmd.AddCommand(newShowCmd(g))
	cmd.AddCommand(newLikeCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newStatsCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads configuration, starts logging and profiling.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg, err := config.Load(wd, g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if cfg.Logging.File != "" {
		logCfg.FilePath = cfg.Logging.File
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if g.debug {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	setupLogging := logging.SetupDefault
	if cmd.Name() == "serve" {
		setupLogging = logging.SetupServeMode
	}
	cleanup, err := setupLogging(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	g.logger = slog.Default()
	g.logCleanup = cleanup

	if g.profile.Enabled() {
		if g.profiler, err = profiling.Start(g.profile); err != nil {
			return err
		}
	}
	g.logger.Debug("command_started",
		slog.String("command", cmd.CommandPath()),
		slog.String("version", version.Short()))
	return nil
}

func (g *globals) teardown() error {
	var err error
	if g.profiler != nil {
		err = g.profiler.Stop()
		g.profiler = nil
	}
	if g.logCleanup != nil {
		g.logCleanup()
		g.logCleanup = nil
	}
	return err
}

// openApp builds the process context for a command. The caller closes it.
func (g *globals) openApp(ctx context.Context) (*app.App, error) {
	cfg := g.cfg
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return app.New(ctx, cfg, app.Options{Offline: g.offline, Logger: g.logger})
}

// Execute runs the root command and prints a formatted error on failure.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globals{}
	// PersistentPostRunE is skipped when a command fails.
	defer func() { _ = g.teardown() }()

	err := newRootCmd(g).ExecuteContext(ctx)
	if err != nil {
		if g.logger != nil {
			g.logger.LogAttrs(ctx, slog.LevelError, "command_failed", siftErrors.LogAttrs(err)...)
		}
		_, _ = fmt.Fprintln(os.Stderr, strings.TrimRight(siftErrors.FormatForCLI(err), "\n"))
	}
	return err
}
