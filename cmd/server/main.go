package main

// Package main is the entry point for the driftline server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite store and run migrations
//   - Build the pipeline manager (one detector per stream, resumed from
//     checkpoints where they exist)
//   - Optionally start the Prometheus scraper and feed its samples into
//     the pipeline
//   - Start the HTTP server (ingest, query, evaluation, live WebSocket
//     feed, /metrics)
//   - Implement graceful shutdown with context cancellation

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/scrape"
	"github.com/driftline/driftline/internal/server"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default /etc/driftline/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "driftline: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	var mgr config.ConfigManager
	var err error
	if configPath != "" {
		mgr, err = config.NewConfigManager(configPath)
	} else {
		mgr, err = config.NewConfigManagerWithDefaults()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	logger, err := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Sync()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pipelineMgr := pipeline.NewManager(pipelineConfig(cfg), st, logger)

	srv, err := server.NewServer(cfg, pipelineMgr, st, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Scrape.Enabled {
		poller, err := scrape.New(scrapeConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("create scraper: %w", err)
		}
		g.Go(func() error { return poller.Run(gctx) })
		g.Go(func() error { return pipelineMgr.ConsumeScrapes(gctx, poller.Samples()) })
		logger.Info("prometheus scraping enabled",
			zap.String("url", cfg.Scrape.PrometheusURL),
			zap.Int("streams", len(cfg.Scrape.Queries)),
		)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Warn("background worker stopped", zap.Error(gctx.Err()))
	}

	cancel()
	if err := srv.Stop(); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Warn("background workers", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// pipelineConfig maps the application configuration onto the pipeline's
// detection and preprocessing settings.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Detection: pot.Config{
			LowQuantile:        cfg.Detection.LowQuantile,
			RiskLevel:          cfg.Detection.RiskLevel,
			MinCalibrationSize: cfg.Detection.MinCalibrationSize,
			DecisionRule:       pot.DecisionRule(cfg.Detection.DecisionRule),
			AnomalyWindow:      cfg.Detection.AnomalyWindow,
			AnomalyQuantile:    cfg.Detection.AnomalyQuantile,
		},
		Preprocess: stream.Config{
			Interval:        int64(cfg.Preprocess.Interval),
			GapFill:         stream.GapFillPolicy(cfg.Preprocess.GapFillPolicy),
			MaxGap:          cfg.Preprocess.MaxGap,
			Smoothing:       stream.Smoothing(cfg.Preprocess.Smoothing),
			SmoothingWindow: cfg.Preprocess.SmoothingWindow,
			EWMAAlpha:       cfg.Preprocess.EWMAAlpha,
			Duplicates:      stream.DuplicatePolicy(cfg.Preprocess.DuplicatePolicy),
			OnInvalid:       stream.InvalidPolicy(cfg.Preprocess.OnInvalid),
		},
		CalibrationSize: cfg.Detection.CalibrationSize,
	}
}

func scrapeConfig(cfg *config.Config) scrape.Config {
	return scrape.Config{
		PrometheusURL: cfg.Scrape.PrometheusURL,
		Queries:       cfg.Scrape.Queries,
		Interval:      time.Duration(cfg.Scrape.IntervalSeconds) * time.Second,
		Timeout:       time.Duration(cfg.Scrape.TimeoutSeconds) * time.Second,
	}
}
