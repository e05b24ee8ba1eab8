// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package influx

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibeck/retro-state/bus"
)

func fieldMap(p *write.Point) map[string]interface{} {
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func tagMap(p *write.Point) map[string]string {
	tags := map[string]string{}
	for _, t := range p.TagList() {
		tags[t.Key] = t.Value
	}
	return tags
}

func update(key, value string, attrs map[string]string) *bus.Notification {
	return &bus.Notification{
		EntityKey:  key,
		Value:      value,
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

func TestPointForNumericState(t *testing.T) {
	s := New(Config{}, nil, nil)

	p, ok := s.pointFor(update("sensor.temperature", "23.4", map[string]string{
		attrUnitOfMeasurement: "°C",
	}))
	require.True(t, ok)

	assert.Equal(t, "°C", p.Name(), "unit of measurement becomes the measurement")
	assert.True(t, p.Time().Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		"the point is written at occurred-at, not arrival time")

	fields := fieldMap(p)
	assert.Equal(t, 23.4, fields["value"])
	_, hasState := fields["state"]
	assert.False(t, hasState, "a purely numeric state carries no string field")
	_, hasUOM := fields[attrUnitOfMeasurement]
	assert.False(t, hasUOM, "the unit is the measurement, not a field")

	tags := tagMap(p)
	assert.Equal(t, "sensor", tags["domain"])
	assert.Equal(t, "temperature", tags["entity_id"])
}

func TestPointForStringState(t *testing.T) {
	s := New(Config{}, nil, nil)

	p, ok := s.pointFor(update("media_player.den", "playing", nil))
	require.True(t, ok)

	assert.Equal(t, "media_player.den", p.Name(), "falls back to the entity key")
	fields := fieldMap(p)
	assert.Equal(t, "playing", fields["state"])
	_, hasValue := fields["value"]
	assert.False(t, hasValue)
}

func TestPointForBinaryState(t *testing.T) {
	s := New(Config{}, nil, nil)

	p, ok := s.pointFor(update("binary_sensor.door", "on", nil))
	require.True(t, ok)

	fields := fieldMap(p)
	assert.Equal(t, "on", fields["state"], "binary states keep the raw string")
	assert.Equal(t, float64(1), fields["value"], "and gain a numeric projection")

	p, ok = s.pointFor(update("lock.front", "Locked", nil))
	require.True(t, ok)
	assert.Equal(t, float64(1), fieldMap(p)["value"], "mapping is case-insensitive")

	p, ok = s.pointFor(update("cover.garage", "closed", nil))
	require.True(t, ok)
	assert.Equal(t, float64(0), fieldMap(p)["value"])
}

func TestPointForSkipsNonStates(t *testing.T) {
	s := New(Config{}, nil, nil)

	for _, state := range []string{"", "unknown", "unavailable"} {
		_, ok := s.pointFor(update("sensor.flaky", state, nil))
		assert.False(t, ok, "state %q must not be exported", state)
	}
}

func TestPointForNonFiniteStateStaysString(t *testing.T) {
	s := New(Config{}, nil, nil)

	for _, state := range []string{"NaN", "Inf", "-Inf"} {
		p, ok := s.pointFor(update("sensor.odd", state, nil))
		require.True(t, ok)
		fields := fieldMap(p)
		assert.Equal(t, state, fields["state"])
		_, hasValue := fields["value"]
		assert.False(t, hasValue, "%q must not become a numeric value", state)
	}
}

func TestPointForFilters(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		key  string
		want bool
	}{
		{"no filters exports everything", Config{}, "sensor.a", true},
		{"excluded entity", Config{ExcludeEntities: []string{"sensor.a"}}, "sensor.a", false},
		{"excluded domain", Config{ExcludeDomains: []string{"sensor"}}, "sensor.a", false},
		{"include list admits member", Config{IncludeEntities: []string{"sensor.a"}}, "sensor.a", true},
		{"include list rejects others", Config{IncludeEntities: []string{"sensor.a"}}, "sensor.b", false},
		{"include domain admits member", Config{IncludeDomains: []string{"light"}}, "light.hall", true},
		{"include domain rejects others", Config{IncludeDomains: []string{"light"}}, "sensor.a", false},
		{
			"exclusion wins over inclusion",
			Config{IncludeDomains: []string{"sensor"}, ExcludeEntities: []string{"sensor.a"}},
			"sensor.a",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.cfg, nil, nil)
			_, ok := s.pointFor(update(tt.key, "1", nil))
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPointForMeasurementResolution(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		attr map[string]string
		want string
	}{
		{
			"per-entity override wins",
			Config{
				MeasurementOverrides: map[string]string{"sensor.a": "special"},
				OverrideMeasurement:  "global",
			},
			map[string]string{attrUnitOfMeasurement: "W"},
			"special",
		},
		{
			"global override beats the unit",
			Config{OverrideMeasurement: "global"},
			map[string]string{attrUnitOfMeasurement: "W"},
			"global",
		},
		{
			"unit beats the default",
			Config{DefaultMeasurement: "fallback"},
			map[string]string{attrUnitOfMeasurement: "W"},
			"W",
		},
		{
			"default when no unit",
			Config{DefaultMeasurement: "fallback"},
			nil,
			"fallback",
		},
		{"entity key as last resort", Config{}, nil, "sensor.a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.cfg, nil, nil)
			p, ok := s.pointFor(update("sensor.a", "1", tt.attr))
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestPointForAttributeCoercion(t *testing.T) {
	s := New(Config{}, nil, nil)

	p, ok := s.pointFor(update("sensor.env", "ok", map[string]string{
		"humidity":    "41.5",
		"temperature": "23.4 °C",
		"friendly":    "Environment",
		"bogus":       "NaN",
	}))
	require.True(t, ok)
	fields := fieldMap(p)

	assert.Equal(t, 41.5, fields["humidity"], "clean floats are stored as floats")

	assert.Equal(t, "23.4 °C", fields["temperature_str"],
		"the raw string is kept under a _str suffix")
	assert.Equal(t, 23.4, fields["temperature"],
		"a leading-digit value also gets a parsed float")

	assert.Equal(t, "Environment", fields["friendly_str"])
	_, hasFriendly := fields["friendly"]
	assert.False(t, hasFriendly, "non-numeric attributes stay string-only")

	_, hasBogus := fields["bogus"]
	assert.False(t, hasBogus, "NaN attribute floats are dropped")
}

func TestPointForTagAttributesAndStaticTags(t *testing.T) {
	s := New(Config{
		Tags:          map[string]string{"site": "cabin"},
		TagAttributes: []string{"friendly_name"},
	}, nil, nil)

	p, ok := s.pointFor(update("sensor.a", "1", map[string]string{
		"friendly_name": "Porch Sensor",
	}))
	require.True(t, ok)

	tags := tagMap(p)
	assert.Equal(t, "Porch Sensor", tags["friendly_name"])
	assert.Equal(t, "cabin", tags["site"])

	_, asField := fieldMap(p)["friendly_name_str"]
	assert.False(t, asField, "a tag attribute must not also be a field")
}

func TestPointForKeyWithoutDomain(t *testing.T) {
	s := New(Config{}, nil, nil)

	p, ok := s.pointFor(update("standalone", "5", nil))
	require.True(t, ok)
	tags := tagMap(p)
	assert.Equal(t, "standalone", tags["domain"])
	assert.Equal(t, "standalone", tags["entity_id"])
}

func TestConsumeBeforeStartFails(t *testing.T) {
	s := New(Config{}, nil, nil)
	err := s.Consume(update("sensor.a", "1", nil))
	assert.Error(t, err, "exportable updates need a started sink")

	err = s.Consume(update("sensor.a", "unknown", nil))
	assert.NoError(t, err, "filtered updates are a no-op even unstarted")
}

func TestStartWithoutURLFails(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestReportGapBeforeStartLogsOnly(t *testing.T) {
	s := New(Config{}, nil, nil)
	// Must not panic without a write API.
	s.ReportGap(bus.Gap{ID: "g", SinkName: SinkName, Dropped: 1})
}

func TestStateAsNumber(t *testing.T) {
	for state, want := range map[string]float64{
		"on": 1, "true": 1, "open": 1, "home": 1, "locked": 1, "above_horizon": 1,
		"off": 0, "false": 0, "closed": 0, "not_home": 0, "unlocked": 0, "below_horizon": 0,
	} {
		got, ok := stateAsNumber(state)
		require.True(t, ok, state)
		assert.Equal(t, want, got, state)
	}

	_, ok := stateAsNumber("playing")
	assert.False(t, ok)
}
