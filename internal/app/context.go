package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"closeloop/internal/config"
	"closeloop/internal/db"
	"closeloop/internal/engine"
	"closeloop/internal/logging"
	"closeloop/internal/metrics"
	"closeloop/internal/migrate"
	"closeloop/internal/notify"
)

// DefaultFacility is used when the workspace has no closeloop.yml.
const DefaultFacility = "default-facility"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/closeloop.yml.
	ConfigPath string
	// LogLevel, when set, overrides log.level from the config file.
	LogLevel string
}

// Runtime bundles an engine with the resources it owns.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	Log    *zap.Logger
	conn   *sql.DB
}

func (r *Runtime) Close() error {
	var err error
	if r.Engine.Notifier != nil {
		err = r.Engine.Notifier.Close()
	}
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	}
	_ = r.Log.Sync()
	return err
}

// ResolveConfig loads the workspace config, falling back to defaults when
// no file exists.
func ResolveConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default(DefaultFacility)
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the workspace database and wires
// logging, notifiers and metrics into an engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Log
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(ctx, conn); err == nil {
		log.Debug("database ready", zap.String("path", db.Path(opts.Workspace)), zap.Int("schema_version", v))
	}
	e := engine.New(conn, cfg)
	e.Log = log
	e.Notifier = notify.FromConfig(cfg.Notify, log)
	e.Metrics = metrics.New()
	return &Runtime{Engine: e, Config: cfg, Log: log, conn: conn}, nil
}
