// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for externally supplied
// identifiers.
//
// Entity keys arrive over the ingestion API and end up embedded in
// database key prefixes and time-series tags, so they are validated
// before first use rather than trusted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// keyPattern matches valid entity keys: a domain and an object id,
// each lowercase alphanumeric with underscores, joined by a dot.
// Max length 255, matching common automation-platform limits.
var keyPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidateEntityKey checks an entity key before it is used in storage
// prefixes or queries.
//
// Valid keys look like "sensor.water_usage": a domain, a dot, and an
// object id, all lowercase alphanumeric plus underscore.
func ValidateEntityKey(key string) error {
	if key == "" {
		return fmt.Errorf("entity key cannot be empty")
	}
	if len(key) > 255 {
		return fmt.Errorf("entity key exceeds 255 characters")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid entity key %q (expected domain.object_id, lowercase alphanumeric and underscores)", key)
	}
	return nil
}

// SanitizeEntityKey normalizes and validates an entity key. Returns the
// lowercase key if valid.
func SanitizeEntityKey(key string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if err := ValidateEntityKey(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
