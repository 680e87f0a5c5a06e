// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package cmdutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var unitSizes = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration parses a duration string that supports days on top of the
// standard Go duration units. Accepted forms include "90d", "10d 1h 30m",
// "10d1h30m" and plain Go durations like "1h30m" or "1000s". Negative
// durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, errors.New("duration string is empty")
	}

	// Standard Go syntax covers every dayless form, including "1.5h".
	if !strings.ContainsRune(trimmed, 'd') {
		if d, err := time.ParseDuration(trimmed); err == nil {
			if d < 0 {
				return 0, fmt.Errorf("duration must not be negative: %s", s)
			}
			return d, nil
		}
	}

	// Scan "<number><unit>" tokens, optionally separated by spaces.
	var total time.Duration
	rest := trimmed
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		i := 0
		for i < len(rest) && '0' <= rest[i] && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("invalid duration %q, expected units of d, h, m or s", s)
		}
		value, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		size, ok := unitSizes[rest[i]]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q, expected units of d, h, m or s", s)
		}
		total += time.Duration(value) * size
		rest = rest[i+1:]
	}

	return total, nil
}
