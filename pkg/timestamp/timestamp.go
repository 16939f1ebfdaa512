// Package timestamp normalizes the loosely typed timestamps that arrive
// inside operation payloads. Entity data crosses process boundaries as
// JSON, so a last_modified value may be a time.Time, an RFC3339 string,
// or a Unix epoch number in seconds or milliseconds. All helpers treat
// the zero time as "unknown".
package timestamp

import (
	"strconv"
	"time"
)

// msEpochCutoff separates second-resolution epochs from millisecond ones:
// values above it (year 2001 in milliseconds) are taken as milliseconds.
const msEpochCutoff = 1e12

// Parse converts a payload value to a time.Time. Unrecognized shapes
// yield the zero time.
func Parse(input any) time.Time {
	switch v := input.(type) {
	case time.Time:
		return v
	case *time.Time:
		if v == nil {
			return time.Time{}
		}
		return *v
	case string:
		return parseString(v)
	case int64:
		return fromEpoch(float64(v))
	case int:
		return fromEpoch(float64(v))
	case float64:
		return fromEpoch(v)
	default:
		return time.Time{}
	}
}

// FromField extracts and parses a timestamp field from entity data.
func FromField(data map[string]any, field string) time.Time {
	if data == nil {
		return time.Time{}
	}
	return Parse(data[field])
}

// Latest returns the later of two timestamps; the zero time loses to any
// set time.
func Latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func parseString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(epoch)
	}
	return time.Time{}
}

func fromEpoch(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > msEpochCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}
