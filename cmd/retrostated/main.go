// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command retrostated hosts the historic state engine: it wires the
// event bus, the entity registry, and the configured sinks, swaps the
// sinks in through the coordinator, and serves a small status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unibeck/retro-state/bus"
	"github.com/unibeck/retro-state/config"
	"github.com/unibeck/retro-state/historic"
	"github.com/unibeck/retro-state/pkg/logging"
	"github.com/unibeck/retro-state/sink"
	"github.com/unibeck/retro-state/sink/influx"
	"github.com/unibeck/retro-state/sink/recorder"
)

const version = "1.0.0"

var (
	configPath string
	watch      bool
)

var rootCmd = &cobra.Command{
	Use:   "retrostated",
	Short: "Historic state reconciliation and dispatch daemon",
	Long: "retrostated integrates out-of-order, timestamp-tagged state updates\n" +
		"into a durable history store and a time-series exporter without\n" +
		"corrupting downstream consumers.",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("retrostated exited with error", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "retro_state.yaml", "path to the configuration file")
	rootCmd.Flags().BoolVar(&watch, "watch-config", true, "reload the configuration on change")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	configMissing := false
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		configMissing = true
	}

	log := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "retrostated",
		JSON:    true,
	})
	defer log.Close() //nolint:errcheck // best-effort on exit
	logger := log.Logger
	slog.SetDefault(logger)

	if configMissing {
		logger.Warn("no configuration file found, using defaults", "path", configPath)
	}

	logger.Info("starting retro_state",
		"version", version,
		"drain_timeout", cfg.DrainTimeout(),
		"queue_capacity", cfg.QueueCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New(bus.WithQueueCapacity(cfg.QueueCapacity), bus.WithLogger(logger))
	registry := historic.NewRegistry(b, logger)
	coordinator := sink.NewCoordinator(
		sink.WithDrainTimeout(cfg.DrainTimeout()),
		sink.WithLogger(logger),
	)

	var (
		targets []sink.SwapTarget
		rec     *recorder.Recorder
		exp     *influx.Sink
	)

	if cfg.Enabled(recorder.SinkName) {
		dbCfg := recorder.DefaultDBConfig(cfg.Recorder.Path)
		dbCfg.Logger = logger
		db, err := recorder.OpenDB(dbCfg)
		if err != nil {
			return fmt.Errorf("open recorder database: %w", err)
		}
		rec = recorder.New(db, sink.NopNative{}, logger)
		targets = append(targets, sink.SwapTarget{
			Registration: b.Subscribe(rec),
			Adapter:      rec,
		})
	}

	if cfg.Enabled(influx.SinkName) {
		exp = influx.New(cfg.InfluxDB, sink.NopNative{}, logger)
		targets = append(targets, sink.SwapTarget{
			Registration: b.Subscribe(exp),
			Adapter:      exp,
		})
	}

	if len(targets) == 0 {
		logger.Warn("retro_state is enabled, but not any integrations")
	}

	for _, res := range coordinator.SwapAll(ctx, targets) {
		if res.Err != nil {
			// Fatal for that sink only; the process keeps serving the rest.
			logger.Error("integration disabled after failed swap",
				"sink", res.SinkName, "error", res.Err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(registry, b, rec),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API failed", "error", err)
		}
	}()

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next config.Config) {
				applyConfigChange(ctx, b, cfg, next, logger)
				cfg = next
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), bus.DefaultShutdownTimeout)
	defer cancel()

	b.Shutdown(shutdownCtx)
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Error("close recorder", "error", err)
		}
	}
	if exp != nil {
		exp.Close() //nolint:errcheck // always returns nil
	}
	srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort on exit
	return nil
}

// applyConfigChange handles a live config reload. Disabling an
// integration stops its registration; enabling one requires a restart,
// which is logged rather than silently ignored.
func applyConfigChange(ctx context.Context, b *bus.Bus, prev, next config.Config, logger *slog.Logger) {
	for _, reg := range b.Registrations() {
		name := reg.SinkName()
		if prev.Enabled(name) && !next.Enabled(name) {
			logger.Info("integration disabled by config change, stopping sink", "sink", name)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bus.DefaultShutdownTimeout)
			reg.Stop(stopCtx)
			cancel()
		}
	}
	for name, enabled := range next.Integrations {
		if enabled && !prev.Enabled(name) {
			logger.Warn("integration enabled by config change; restart required to start it",
				"sink", name)
		}
	}
}
