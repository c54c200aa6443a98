// Package cli implements the tagindex command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/tagindex/internal/config"
	"github.com/dshills/tagindex/internal/logging"
	"github.com/dshills/tagindex/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// SetVersion records build information shown by --version
func SetVersion(v, built string) {
	version = v
	buildTime = built
}

// options are the global flags
type options struct {
	cfgFile     string
	dbPath      string
	dataDir     string
	logLevel    string
	metricsAddr string
}

// NewRootCmd builds the tagindex command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "tagindex",
		Short: "Incremental, branch-aware code indexing",
		Long: `tagindex keeps search indexes of source trees up to date per directory and
branch. Content shared between branches is computed once and tagged for each
scope that holds it; only changed files are recomputed on refresh.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (default is $HOME/.tagindex/tagindex.db)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "directory for the database and chunk cache")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (built %s, %s driver, vector extension %v)\n",
		buildTime, storage.DriverName, storage.VectorExtensionAvailable))

	root.AddCommand(
		newServeCmd(opts),
		newRefreshCmd(opts),
		newWatchCmd(opts),
		newStatusCmd(opts),
		newPathsCmd(opts),
		newSearchCmd(opts),
		newClearCmd(opts),
		newVacuumCmd(opts),
	)
	return root
}

// Execute runs the command tree with ctx
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig merges the config file, the environment and the flags
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	return cfg, nil
}

// withApp builds the app for one command and tears it down afterwards
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	app, err := NewApp(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close services")
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := app.Metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
			}
		}()
	}
	return fn(ctx, app)
}
