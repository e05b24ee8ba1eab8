// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template provides a producer component that computes historic
// values.
//
// A Sensor owns one historic entity and evaluates producer-supplied
// functions for the value, the occurred-at timestamp, and optional
// attributes. The occurred-at function is what makes a sensor historic:
// it may return a timestamp minutes, hours, or days in the past, and the
// engine integrates the update at that moment instead of now.
//
// Evaluation failures are logged and skipped; a broken computed sensor
// never rejects into the entity or stops the poll loop.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/unibeck/retro-state/historic"
)

// ValueFunc computes the sensor's value.
type ValueFunc func(ctx context.Context) (string, error)

// TimeFunc computes the occurred-at timestamp for a value.
type TimeFunc func(ctx context.Context) (time.Time, error)

// AttrFunc computes the attributes attached to a value.
type AttrFunc func(ctx context.Context) (map[string]string, error)

// Sensor periodically evaluates its functions and proposes the result
// to its entity.
type Sensor struct {
	entity     *historic.Entity
	value      ValueFunc
	occurredAt TimeFunc
	attrs      AttrFunc
	interval   time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// SensorOption configures a Sensor.
type SensorOption func(*Sensor)

// WithOccurredAt sets the occurred-at function. Without one the sensor
// stamps evaluation time, i.e. it behaves like an ordinary live sensor.
func WithOccurredAt(fn TimeFunc) SensorOption {
	return func(s *Sensor) {
		s.occurredAt = fn
	}
}

// WithAttributes sets the attribute function.
func WithAttributes(fn AttrFunc) SensorOption {
	return func(s *Sensor) {
		s.attrs = fn
	}
}

// WithPollInterval sets how often the run loop re-evaluates. Default is
// one minute.
func WithPollInterval(d time.Duration) SensorOption {
	return func(s *Sensor) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSensorLogger sets the sensor's logger.
func WithSensorLogger(logger *slog.Logger) SensorOption {
	return func(s *Sensor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSensor creates a computed sensor over the given entity.
func NewSensor(entity *historic.Entity, value ValueFunc, opts ...SensorOption) *Sensor {
	s := &Sensor{
		entity:   entity,
		value:    value,
		interval: time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entity returns the entity this sensor feeds.
func (s *Sensor) Entity() *historic.Entity {
	return s.entity
}

// Update evaluates the sensor once and proposes the result.
//
// Outputs:
//
//	error - Evaluation or validation failure. The entity is untouched on
//	        error.
func (s *Sensor) Update(ctx context.Context) error {
	value, err := s.value(ctx)
	if err != nil {
		return fmt.Errorf("evaluate value for %s: %w", s.entity.Key(), err)
	}

	occurredAt := time.Now().UTC()
	if s.occurredAt != nil {
		occurredAt, err = s.occurredAt(ctx)
		if err != nil {
			return fmt.Errorf("evaluate occurred_at for %s: %w", s.entity.Key(), err)
		}
	}

	var attrs map[string]string
	if s.attrs != nil {
		attrs, err = s.attrs(ctx)
		if err != nil {
			return fmt.Errorf("evaluate attributes for %s: %w", s.entity.Key(), err)
		}
	}

	if _, err := s.entity.Propose(value, occurredAt, attrs); err != nil {
		return err
	}
	return nil
}

// Start begins the poll loop on its own goroutine.
func (s *Sensor) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the poll loop and waits for it to finish.
func (s *Sensor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sensor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Update(ctx); err != nil {
				s.logger.Warn("computed sensor update failed",
					"entity_key", s.entity.Key(), "error", err)
			}
		}
	}
}
