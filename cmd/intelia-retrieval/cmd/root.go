// Package cmd provides the CLI commands for intelia-retrieval.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
	"github.com/dominicdesy/intelia-expert-sub006/internal/logging"
	"github.com/dominicdesy/intelia-expert-sub006/internal/output"
	"github.com/dominicdesy/intelia-expert-sub006/internal/telemetry"
	"github.com/dominicdesy/intelia-expert-sub006/pkg/version"
)

// app carries the state shared by every subcommand.
type app struct {
	configDir   string
	debug       bool
	showMetrics bool

	cfg      *config.Config
	metrics  *telemetry.Metrics
	cleanups []func()
}

// NewRootCmd creates the root command for the intelia-retrieval CLI.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "intelia-retrieval",
		Short: "Retrieval and ranking core for poultry production questions",
		Long: `intelia-retrieval runs the retrieval pipeline offline: query context
extraction, query expansion, hybrid vector + lexical search with weighted
reciprocal rank fusion, contextual reranking, and federated search across
scientific literature providers.`,
		Version:            version.Version,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	cmd.SetVersionTemplate("intelia-retrieval version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to ~/.intelia/logs/")
	cmd.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "Directory containing .intelia.yaml (default: nearest project root)")
	cmd.PersistentFlags().BoolVar(&a.showMetrics, "metrics", false, "Print collected metrics after the command")

	cmd.AddCommand(newContextCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newExternalCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setup loads configuration, installs the logger and creates the metrics.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	if a.configDir == "" {
		root, err := config.FindProjectRoot(".")
		if err != nil {
			return err
		}
		a.configDir = root
	}
	cfg, err := config.Load(a.configDir)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logCfg.FilePath = cfg.Logging.File
	if a.debug {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.cleanups = append(a.cleanups, cleanup)
	slog.SetDefault(logger)
	if a.debug {
		slog.Info("Debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	a.metrics = telemetry.NewMetrics(nil)
	return nil
}

// teardown prints metrics when requested and releases resources.
func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	defer a.release()

	if !a.showMetrics || a.metrics == nil {
		return nil
	}
	families, err := a.metrics.Registry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	w := output.New(cmd.OutOrStdout())
	w.Newline()
	w.Metrics(families)
	for _, q := range a.metrics.RecentZeroResults() {
		w.Warningf("zero results: %s", q)
	}
	return nil
}

func (a *app) release() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// lexiconSource returns the configured pack, watched for changes when
// lexicon.watch is set.
func (a *app) lexiconSource(ctx context.Context) (lexicon.Source, error) {
	path := a.cfg.Lexicon.Path
	if path == "" {
		return lexicon.NewStatic(nil), nil
	}
	if !a.cfg.Lexicon.Watch {
		p, err := lexicon.Load(path)
		if err != nil {
			return nil, err
		}
		return lexicon.NewStatic(p), nil
	}

	w, err := lexicon.NewWatcher(path)
	if err != nil {
		return nil, err
	}
	go func() {
		_ = w.Start(ctx)
	}()
	a.cleanups = append(a.cleanups, func() { _ = w.Stop() })
	return w, nil
}
