package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/logging"
	"github.com/me/rtdispatch/internal/runs"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/server"
	"github.com/me/rtdispatch/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.rtdispatch/rtdispatch.db)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	allowRuns := flag.Bool("allow-runs", false, "Accept scenarios on POST /api/v1/runs")

	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	dbPath, err := config.ResolveDBPath(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot determine database path: %v\n", err)
		os.Exit(1)
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", filepath.Dir(dbPath), err)
			os.Exit(1)
		}
	}

	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	var serverOpts []server.Option
	if *allowRuns {
		serverOpts = append(serverOpts, server.WithRunService(runs.NewService(st, scenario.Options{}, logger)))
		logger.Info("scenario execution enabled")
	}
	srv := server.New(cfg, st, logger, serverOpts...)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, cfg.Addr, srv.Handler(), logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
