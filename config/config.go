// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the daemon's YAML configuration.
//
// The recognized surface is small: per-integration enable flags, the
// drain grace period, the pending queue capacity, connection settings
// for each integration, and the status API listen address.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unibeck/retro-state/sink/influx"
)

// MaxConfigFileSize bounds the config file to prevent memory issues
// from a runaway file.
const MaxConfigFileSize = 1024 * 1024

// RecorderConfig holds the durable history store settings.
type RecorderConfig struct {
	// Path is the directory for the history database.
	Path string `yaml:"path"`
}

// Config is the daemon's full configuration.
type Config struct {
	// Integrations enables or disables each supported sink by name.
	Integrations map[string]bool `yaml:"integrations"`

	// DrainTimeoutSeconds is the grace period given to a native pipeline
	// component to flush before a swap proceeds without it.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// QueueCapacity bounds each sink's pending notification queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// ListenAddr is the status API address.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is the minimum log level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging alongside stderr when set.
	LogDir string `yaml:"log_dir"`

	Recorder RecorderConfig `yaml:"recorder"`
	InfluxDB influx.Config  `yaml:"influxdb"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Integrations:        map[string]bool{},
		DrainTimeoutSeconds: 60,
		QueueCapacity:       1000,
		ListenAddr:          ":8126",
		LogLevel:            "info",
		Recorder:            RecorderConfig{Path: "data/history"},
	}
}

// Load reads and validates a YAML configuration file.
//
// Outputs:
//
//	Config - Defaults overlaid with the file contents.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return cfg, fmt.Errorf("config %s exceeds %d bytes", path, MaxConfigFileSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.DrainTimeoutSeconds < 0 {
		return fmt.Errorf("drain_timeout_seconds must be >= 0, got %d", c.DrainTimeoutSeconds)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be > 0, got %d", c.QueueCapacity)
	}
	if c.Enabled("recorder") && c.Recorder.Path == "" {
		return fmt.Errorf("recorder is enabled but recorder.path is empty")
	}
	if c.Enabled("influxdb") && c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb is enabled but influxdb.url is empty")
	}
	return nil
}

// Enabled reports whether the named integration is turned on.
func (c Config) Enabled(integration string) bool {
	return c.Integrations[integration]
}

// DrainTimeout returns the drain grace period as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
