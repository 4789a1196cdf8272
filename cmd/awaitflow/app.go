package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/internal/config"
	"github.com/petrijr/awaitflow/internal/greeting"
	"github.com/petrijr/awaitflow/internal/logger"
	"github.com/petrijr/awaitflow/internal/metrics"
	"github.com/petrijr/awaitflow/pkg/worker"
)

// app is one configured host process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	runner   *awaitflow.LocalRunner
	db       *sql.DB
}

// loadConfig reads the environment and applies the root flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DB = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs, err := metrics.NewObserver(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &app{cfg: cfg, logger: log, registry: reg}
	opts := awaitflow.Options{
		Observer:      awaitflow.NewCompositeObserver(awaitflow.NewLoggingObserver(log), obs),
		Logger:        log,
		Codec:         cfg.Codec,
		QueueCapacity: cfg.QueueCapacity,
		LeaseTTL:      cfg.LeaseTTL,
		ResultPoll:    cfg.ResultPoll,
	}
	if cfg.DB != "" {
		if a.db, err = openDB(cfg.DB); err != nil {
			return nil, err
		}
		opts.DB = a.db
	}

	eng, err := awaitflow.NewEngine(opts)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Register(greeting.Workflow); err != nil {
		a.closeDB()
		return nil, err
	}
	a.runner = awaitflow.NewLocalRunnerWithEngine(eng, worker.Config{
		MaxAttempts: cfg.Signal.Attempts,
		Backoff:     cfg.Signal.Backoff,
		Logger:      log,
	})
	return a, nil
}

// requireDB builds an app that must be backed by SQLite.
func requireDB(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	if a.db == nil {
		_ = a.close()
		return nil, fmt.Errorf("%s needs a database: set AWAITFLOW_DB or --db", cmd.Name())
	}
	return a, nil
}

func (a *app) close() error {
	err := a.runner.Stop()
	a.runner.Engine.Close()
	a.closeDB()
	return err
}

func (a *app) closeDB() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
