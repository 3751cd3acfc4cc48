package semantic

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortStrings(values []string) {
	sort.Strings(values)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

// asFloat accepts the numeric shapes a decoded JSON payload can carry.
func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func safeFloat(value interface{}, fallback float64) float64 {
	if f, ok := asFloat(value); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return fallback
}

func safeInt(value interface{}, fallback int) int {
	if f, ok := asFloat(value); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int(f)
	}
	return fallback
}

func safeBool(value interface{}, fallback bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return fallback
}

func safeString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

// appendUniqueInOrder adds name unless it is empty or repeats the previous
// entry case-insensitively.
func appendUniqueInOrder(values []string, name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return values
	}
	if len(values) > 0 && strings.EqualFold(values[len(values)-1], name) {
		return values
	}
	return append(values, name)
}

// toJSONMap round-trips any value through JSON into a generic map. Used to
// splice typed provider records into free-form context blocks.
func toJSONMap(value interface{}) map[string]interface{} {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func capStrings(values []string, limit int) []string {
	if len(values) > limit {
		return values[:limit]
	}
	return values
}
