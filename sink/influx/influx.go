// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx is the time-series exporter sink.
//
// Points are written at the update's occurred-at timestamp; InfluxDB
// accepts out-of-order points natively, so no timeline reconciliation is
// needed on this path. Gap reports are written as points too, so a
// missing-data window is visible next to the data it punctured.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/unibeck/retro-state/bus"
	"github.com/unibeck/retro-state/sink"
)

// SinkName identifies this integration in config, logs, and metrics.
const SinkName = "influxdb"

const (
	attrUnitOfMeasurement = "unit_of_measurement"

	stateUnknown     = "unknown"
	stateUnavailable = "unavailable"

	gapMeasurement = "retro_state_gap"
)

var (
	// digitTail matches values that lead with digits, like "23.4 °C".
	digitTail = regexp.MustCompile(`^[\d.]+\D?`)

	// nonDecimal strips everything that is not part of a decimal number.
	nonDecimal = regexp.MustCompile(`[^\d.]+`)
)

// Config holds the exporter's connection and mapping settings.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// DefaultMeasurement is used when an update has no unit-of-measurement
	// attribute. OverrideMeasurement wins over everything except
	// per-entity overrides.
	DefaultMeasurement  string `yaml:"default_measurement"`
	OverrideMeasurement string `yaml:"override_measurement"`

	// MeasurementOverrides maps entity keys to measurements.
	MeasurementOverrides map[string]string `yaml:"measurement_overrides"`

	// Tags are static tags added to every point.
	Tags map[string]string `yaml:"tags"`

	// TagAttributes lists attribute names written as tags instead of
	// fields.
	TagAttributes []string `yaml:"tags_attributes"`

	// Include/exclude filters by entity key or by domain (the part of
	// the key before the first dot). Exclusion wins; when any include
	// list is set, everything else is excluded.
	IncludeEntities []string `yaml:"include_entities"`
	IncludeDomains  []string `yaml:"include_domains"`
	ExcludeEntities []string `yaml:"exclude_entities"`
	ExcludeDomains  []string `yaml:"exclude_domains"`
}

// Sink exports historic notifications to InfluxDB.
//
// Thread Safety: safe for concurrent use; writes go through the
// blocking write API.
type Sink struct {
	cfg    Config
	native sink.NativePipeline
	logger *slog.Logger

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking

	includeEntities map[string]bool
	includeDomains  map[string]bool
	excludeEntities map[string]bool
	excludeDomains  map[string]bool
	tagAttributes   map[string]bool
}

// New creates the exporter sink. The connection is not established
// until Start.
func New(cfg Config, native sink.NativePipeline, logger *slog.Logger) *Sink {
	if native == nil {
		native = sink.NopNative{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:             cfg,
		native:          native,
		logger:          logger,
		includeEntities: toSet(cfg.IncludeEntities),
		includeDomains:  toSet(cfg.IncludeDomains),
		excludeEntities: toSet(cfg.ExcludeEntities),
		excludeDomains:  toSet(cfg.ExcludeDomains),
		tagAttributes:   toSet(cfg.TagAttributes),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Name implements bus.Sink.
func (s *Sink) Name() string {
	return SinkName
}

// Drain implements sink.Adapter by stopping the native exporter
// component within the grace period carried by ctx.
func (s *Sink) Drain(ctx context.Context) error {
	return s.native.Stop(ctx)
}

// Start implements sink.Adapter.
//
// Description:
//
//	Connects to InfluxDB and waits for a passing health check. The
//	database host being unreachable is fatal for this sink only; other
//	sinks and producers continue.
func (s *Sink) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return errors.New("influxdb url is not configured")
	}

	s.client = influxdb2.NewClient(s.cfg.URL, s.cfg.Token)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		health, err := s.client.Health(ctx)
		if err == nil && health.Status == "pass" {
			s.writeAPI = s.client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)
			return nil
		}
		if err != nil {
			lastErr = err
		} else if health.Message != nil {
			lastErr = errors.New(*health.Message)
		} else {
			lastErr = fmt.Errorf("health status %s", health.Status)
		}

		s.logger.Warn("influxdb not ready, retrying",
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			s.client.Close()
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	s.client.Close()
	return fmt.Errorf("influxdb health check failed: %w", lastErr)
}

// Consume implements bus.Sink by writing one point at the update's
// occurred-at timestamp.
func (s *Sink) Consume(n *bus.Notification) error {
	p, ok := s.pointFor(n)
	if !ok {
		return nil
	}
	if s.writeAPI == nil {
		return errors.New("influxdb sink is not started")
	}
	if err := s.writeAPI.WritePoint(context.Background(), p); err != nil {
		return fmt.Errorf("write point for %s: %w", n.EntityKey, err)
	}
	return nil
}

// ReportGap implements bus.Sink by writing the gap summary as a point.
func (s *Sink) ReportGap(g bus.Gap) {
	s.logger.Warn("exporting event gap",
		"gap_id", g.ID, "dropped", g.Dropped,
		"first_seq", g.FirstSeq, "last_seq", g.LastSeq)

	if s.writeAPI == nil {
		return
	}
	p := influxdb2.NewPoint(
		gapMeasurement,
		map[string]string{"sink": g.SinkName},
		map[string]interface{}{
			"dropped":   int64(g.Dropped),
			"first_seq": int64(g.FirstSeq),
			"last_seq":  int64(g.LastSeq),
			"from":      g.From.Format(time.RFC3339Nano),
			"to":        g.To.Format(time.RFC3339Nano),
		},
		time.Now().UTC(),
	)
	if err := s.writeAPI.WritePoint(context.Background(), p); err != nil {
		s.logger.Error("write gap point", "gap_id", g.ID, "error", err)
	}
}

// Close releases the InfluxDB client.
func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// pointFor maps a notification to an InfluxDB point. Returns false when
// the update should not be exported.
func (s *Sink) pointFor(n *bus.Notification) (*write.Point, bool) {
	state := n.Value
	if state == "" || state == stateUnknown || state == stateUnavailable {
		return nil, false
	}

	domain, objectID := splitKey(n.EntityKey)
	if s.excludeEntities[n.EntityKey] || s.excludeDomains[domain] {
		return nil, false
	}
	if (len(s.includeEntities) > 0 || len(s.includeDomains) > 0) &&
		!s.includeEntities[n.EntityKey] && !s.includeDomains[domain] {
		return nil, false
	}

	includeState := false
	includeValue := false
	var stateValue float64
	if f, err := strconv.ParseFloat(state, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		stateValue = f
		includeValue = true
	} else if f, ok := stateAsNumber(state); ok {
		stateValue = f
		includeState = true
		includeValue = true
	} else {
		includeState = true
	}

	includeUOM := true
	measurement := s.cfg.MeasurementOverrides[n.EntityKey]
	if measurement == "" {
		switch {
		case s.cfg.OverrideMeasurement != "":
			measurement = s.cfg.OverrideMeasurement
		case n.Attributes[attrUnitOfMeasurement] != "":
			measurement = n.Attributes[attrUnitOfMeasurement]
			includeUOM = false
		case s.cfg.DefaultMeasurement != "":
			measurement = s.cfg.DefaultMeasurement
		default:
			measurement = n.EntityKey
		}
	}

	tags := map[string]string{
		"domain":    domain,
		"entity_id": objectID,
	}
	fields := map[string]interface{}{}
	if includeState {
		fields["state"] = state
	}
	if includeValue {
		fields["value"] = stateValue
	}

	for key, value := range n.Attributes {
		if s.tagAttributes[key] {
			tags[key] = value
			continue
		}
		if key == attrUnitOfMeasurement && !includeUOM {
			continue
		}
		if _, taken := fields[key]; taken {
			key = key + "_"
		}
		// Cast each attribute to a float where possible; otherwise store
		// it as a string under a _str suffix so InfluxDB's column types
		// stay stable.
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			fields[key] = f
		} else {
			fields[key+"_str"] = value
			if digitTail.MatchString(value) {
				if f, err := strconv.ParseFloat(nonDecimal.ReplaceAllString(value, ""), 64); err == nil {
					fields[key] = f
				}
			}
		}
		// Infinity and NaN are not valid floats in InfluxDB.
		if f, ok := fields[key].(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			delete(fields, key)
		}
	}

	for key, value := range s.cfg.Tags {
		tags[key] = value
	}

	return influxdb2.NewPoint(measurement, tags, fields, n.OccurredAt), true
}

// stateAsNumber maps the host's binary-ish states to numbers, the way
// the host's own helpers do before export.
func stateAsNumber(state string) (float64, bool) {
	switch strings.ToLower(state) {
	case "on", "true", "open", "home", "locked", "above_horizon":
		return 1, true
	case "off", "false", "closed", "not_home", "unlocked", "below_horizon":
		return 0, true
	}
	return 0, false
}

// splitKey separates an entity key into domain and object parts.
func splitKey(entityKey string) (domain, objectID string) {
	if i := strings.IndexByte(entityKey, '.'); i >= 0 {
		return entityKey[:i], entityKey[i+1:]
	}
	return entityKey, entityKey
}
