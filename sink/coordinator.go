// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/unibeck/retro-state/bus"
)

// DefaultDrainTimeout is the grace period given to a native pipeline to
// flush in-flight work before the swap proceeds without it.
const DefaultDrainTimeout = 60 * time.Second

var (
	swapDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retrostate_swap_duration_seconds",
		Help:    "Time to swap a sink over from the native pipeline",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
	}, []string{"sink"})

	drainTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrostate_drain_timeouts_total",
		Help: "Native pipeline drains that exceeded the grace period, by sink",
	}, []string{"sink"})

	startFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrostate_sink_start_failures_total",
		Help: "Replacement components that failed to start, by sink",
	}, []string{"sink"})
)

// Coordinator orchestrates the bounded-wait stop-old/start-new sequence
// for each sink.
//
// Description:
//
//	Walks a registration through
//	Pending -> DrainingOld -> StartingNew -> Active. The drain step is
//	given the configured grace period; expiry is logged, flags the sink
//	with a possible gap, and the swap proceeds. A Start failure forces
//	the sink to Stopped but never crashes the process or blocks other
//	sinks.
type Coordinator struct {
	drainTimeout time.Duration
	logger       *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDrainTimeout sets the native pipeline drain grace period.
// Zero is allowed and means the drain result is not waited for.
func WithDrainTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.drainTimeout = d
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a swap coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result records the outcome of one sink's swap.
type Result struct {
	// SinkName identifies the sink.
	SinkName string

	// DrainTimedOut is true when the native pipeline did not report
	// stopped within the grace period. Non-fatal: the sink still swaps,
	// flagged with a possible gap for the drain window.
	DrainTimedOut bool

	// Err is non-nil when the replacement component failed to start and
	// the sink was forced to Stopped.
	Err error
}

// Swap replaces the native pipeline for one sink with the historic-aware
// adapter and activates its registration.
//
// Inputs:
//
//	ctx - Governs the whole swap; cancellation stops the sink.
//	reg - The registration, expected in Pending.
//	adapter - The integration being swapped in.
//
// Outputs:
//
//	Result - Outcome including the non-fatal drain-timeout flag.
func (c *Coordinator) Swap(ctx context.Context, reg *bus.Registration, adapter Adapter) Result {
	name := adapter.Name()
	res := Result{SinkName: name}
	start := time.Now()

	tracer := otel.Tracer("retro-state/sink")
	ctx, span := tracer.Start(ctx, "sink.swap")
	span.SetAttributes(attribute.String("sink.name", name))
	defer span.End()

	if err := reg.BeginDrain(); err != nil {
		res.Err = err
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	c.logger.Info("draining native pipeline", "sink", name, "grace_period", c.drainTimeout)
	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	err := adapter.Drain(drainCtx)
	cancel()
	if err != nil {
		// Grace-period expiry is not fatal. The swap proceeds and the
		// sink is flagged as having a possible gap for the drain window.
		res.DrainTimedOut = true
		reg.FlagPossibleGap()
		drainTimeouts.WithLabelValues(name).Inc()
		span.AddEvent("drain timed out")
		c.logger.Warn("native pipeline did not stop within grace period; proceeding",
			"sink", name, "grace_period", c.drainTimeout, "error", err)
	}

	if err := reg.BeginStart(); err != nil {
		res.Err = err
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	if err := adapter.Start(ctx); err != nil {
		startFailures.WithLabelValues(name).Inc()
		res.Err = &StartError{SinkName: name, Err: err}
		span.SetStatus(codes.Error, res.Err.Error())
		c.logger.Error("replacement component failed to start; sink disabled",
			"sink", name, "error", err)
		reg.Stop(context.WithoutCancel(ctx))
		return res
	}

	if err := reg.Activate(); err != nil {
		res.Err = err
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	swapDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	c.logger.Info("sink active",
		"sink", name,
		"possible_gap", reg.PossibleGap(),
		"queued", reg.QueueDepth(),
		"duration", time.Since(start))
	return res
}

// SwapTarget pairs a registration with its adapter for SwapAll.
type SwapTarget struct {
	Registration *bus.Registration
	Adapter      Adapter
}

// SwapAll swaps every target concurrently.
//
// Description:
//
//	Each sink swaps on its own goroutine; a failure in one never aborts
//	the others. Results are returned in the same order as the targets.
func (c *Coordinator) SwapAll(ctx context.Context, targets []SwapTarget) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = c.Swap(ctx, t.Registration, t.Adapter)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-sink failures are carried in results

	return results
}
