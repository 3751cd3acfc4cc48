// Package timeutil normalizes the timestamp forms accepted on the wire.
// Everything parses to UTC and renders back with a trailing Z.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lenient layouts tried in order after RFC3339.
var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseUTC parses an ISO-8601-ish timestamp or an epoch value and returns it
// in UTC. Accepted forms: RFC3339 with Z or numeric offsets (colon optional),
// space-separated date-times, minute precision without seconds, bare dates,
// and epoch seconds or milliseconds.
func ParseUTC(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		// Millisecond epochs are unambiguous above this threshold.
		if epoch >= 1e12 {
			return time.UnixMilli(int64(epoch)).UTC(), nil
		}
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// FormatISOZ renders a timestamp as second-precision ISO-8601 with trailing Z.
func FormatISOZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// HourBucket truncates to the containing UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// FiveMinuteBucket truncates to the containing 5-minute UTC window.
func FiveMinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(5 * time.Minute)
}
