package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/cyclecast/internal/broadcast"
	"github.com/me/cyclecast/internal/config"
	"github.com/me/cyclecast/internal/logging"
	"github.com/me/cyclecast/internal/persist"
	"github.com/me/cyclecast/internal/remote"
	"github.com/me/cyclecast/internal/server"
	"github.com/me/cyclecast/internal/store"
	"github.com/me/cyclecast/internal/suite"
	"github.com/me/cyclecast/internal/validate"
	"github.com/me/cyclecast/pkg/model"
)

func main() {
	target, args, err := remote.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if target.IsRemote(remote.DefaultEnv()) {
		logger := logging.NewLogger(slog.LevelInfo, "text")
		if err := target.Run(context.Background(), filepath.Base(os.Args[0]), args, os.Stdout, os.Stderr, logger); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.DefaultServerConfig()
	fs := flag.NewFlagSet("cyclecast-server", flag.ExitOnError)
	configFile := fs.String("config", "", "YAML config file; flags given explicitly override it")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Suite log file (appended)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.StringVar(&cfg.SuiteName, "suite", cfg.SuiteName, "Suite name")
	fs.StringVar(&cfg.AncestorsFile, "ancestors", cfg.AncestorsFile, "Suite namespace file (YAML), reloaded on change")
	fs.StringVar(&cfg.SchemaFile, "schema", cfg.SchemaFile, "CUE schema for runtime settings (default built in)")
	fs.StringVar(&cfg.StateDumpPath, "state-dump", cfg.StateDumpPath, "State-dump file written on every flush")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "How often broadcast changes are persisted")
	fs.Float64Var(&cfg.PutRate, "put-rate", cfg.PutRate, "Broadcast changes allowed per second (0 disables throttling)")
	fs.IntVar(&cfg.PutBurst, "put-burst", cfg.PutBurst, "Burst of broadcast changes above --put-rate")
	fs.BoolVar(&cfg.Restart, "restart", false, "Resume the latest run of the suite and restore its broadcasts")
	debug := fs.Bool("debug", false, "Shorthand for --log-level=debug")
	fs.Parse(args)

	if *configFile != "" {
		// Load the file, then re-apply explicit flags on top.
		if err := config.LoadFile(*configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fs.Parse(args)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if tok := os.Getenv("CYCLECAST_TOKEN"); tok != "" && cfg.AuthToken == "" {
		cfg.AuthToken = tok
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if !logging.ValidFormat(cfg.LogFormat) {
		fmt.Fprintf(os.Stderr, "unknown log format %q\n", cfg.LogFormat)
		os.Exit(1)
	}

	logger, logCloser, err := logging.OpenSuiteLog(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	suiteRun, err := persist.OpenRun(ctx, st, cfg.SuiteName, cfg.Restart)
	if err != nil {
		return err
	}
	logger.Info("suite run", "suite", suiteRun.Suite, "run_id", suiteRun.ID, "restart", cfg.Restart)

	ancestors := broadcast.Ancestors{model.RootNamespace: {model.RootNamespace}}
	if cfg.AncestorsFile != "" {
		if ancestors, err = suite.Load(cfg.AncestorsFile); err != nil {
			return err
		}
		logger.Info("suite namespaces loaded", "path", cfg.AncestorsFile, "namespaces", len(ancestors))
	}

	schema := validate.Default()
	if cfg.SchemaFile != "" {
		if schema, err = validate.LoadSchema(cfg.SchemaFile); err != nil {
			return err
		}
	}

	bc := broadcast.New(ancestors, schema, logger)
	if cfg.Restart {
		src, err := persist.Recover(ctx, st, bc, suiteRun.ID, cfg.StateDumpPath)
		if err != nil {
			return fmt.Errorf("recover broadcasts: %w", err)
		}
		logger.Info("broadcasts recovered", "source", src, "scopes", bc.Stats().Scopes)
	}

	if cfg.AncestorsFile != "" {
		go func() {
			if err := suite.Watch(ctx, cfg.AncestorsFile, logger, bc.SetAncestors); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("suite watcher stopped", "error", err)
			}
		}()
	}

	var flush persist.Flusher = persist.NewLoop(bc, st, persist.Config{
		Interval:  cfg.FlushInterval,
		Suite:     cfg.SuiteName,
		RunID:     suiteRun.ID,
		StatePath: cfg.StateDumpPath,
	}, logger)
	// The loop outlives the signal context so it can flush after the HTTP
	// server has drained.
	flushCtx, cancelFlush := context.WithCancel(context.Background())
	defer cancelFlush()
	go func() {
		if err := flush.Start(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("persist loop stopped", "error", err)
		}
	}()

	srv := server.New(cfg, bc, logger, server.WithHistory(st, suiteRun.ID))
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		flush.Stop()
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Persist whatever the last requests changed.
	if err := flush.Stop(); err != nil {
		logger.Error("persist loop stop error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
