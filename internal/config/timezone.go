package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseLocation parses a timezone string into a time.Location.
// Supports IANA names (e.g. "Asia/Shanghai") and fixed offsets like "UTC+8"
// or "UTC-03:30". Usage windows use this so "today" is stable across hosts.
func ParseLocation(tz string) (*time.Location, error) {
	trimmed := strings.TrimSpace(tz)
	if trimmed == "" {
		return time.UTC, nil
	}

	upper := strings.ToUpper(trimmed)
	if upper == "UTC" || upper == "GMT" {
		return time.UTC, nil
	}

	if strings.HasPrefix(upper, "UTC") || strings.HasPrefix(upper, "GMT") {
		offset := strings.TrimPrefix(strings.TrimPrefix(upper, "UTC"), "GMT")
		if offset == "" {
			return time.UTC, nil
		}
		sign := 1
		switch offset[0] {
		case '+':
			offset = offset[1:]
		case '-':
			sign = -1
			offset = offset[1:]
		default:
			return nil, fmt.Errorf("invalid UTC offset format: %q", tz)
		}

		hours := 0
		minutes := 0
		if i := strings.IndexByte(offset, ':'); i >= 0 {
			h, err := strconv.Atoi(offset[:i])
			if err != nil {
				return nil, fmt.Errorf("invalid UTC offset hours: %q", tz)
			}
			m, err := strconv.Atoi(offset[i+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid UTC offset minutes: %q", tz)
			}
			hours, minutes = h, m
		} else {
			h, err := strconv.Atoi(offset)
			if err != nil {
				return nil, fmt.Errorf("invalid UTC offset: %q", tz)
			}
			hours = h
		}
		if hours > 14 || minutes > 59 {
			return nil, fmt.Errorf("UTC offset out of range: %q", tz)
		}

		total := sign * (hours*3600 + minutes*60)
		name := fmt.Sprintf("UTC%+03d", sign*hours)
		if minutes != 0 {
			name = fmt.Sprintf("UTC%+03d:%02d", sign*hours, minutes)
		}
		return time.FixedZone(name, total), nil
	}

	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}
