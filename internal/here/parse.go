package here

import (
	"strings"
	"time"

	"github.com/richxcame/fleet-routing/pkg/timeutil"
)

// The platform's payloads drift across plan tiers and versions, so every
// field is pulled through a prioritized candidate-key list and a miss yields
// nil rather than a failure.

func nestedGet(item map[string]interface{}, path string) interface{} {
	var current interface{} = item
	for _, token := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[token]
	}
	return current
}

func extractScalar(candidate interface{}) *float64 {
	switch v := candidate.(type) {
	case float64:
		return floatPtr(v)
	case int:
		return floatPtr(float64(v))
	case map[string]interface{}:
		for _, key := range []string{"value", "amount", "metric", "kmh", "kph", "mps"} {
			if picked := extractScalar(v[key]); picked != nil {
				return picked
			}
		}
	}
	return nil
}

func pickNumber(item map[string]interface{}, keys []string) *float64 {
	for _, key := range keys {
		var raw interface{}
		if strings.Contains(key, ".") {
			raw = nestedGet(item, key)
		} else {
			raw = item[key]
		}
		if value := extractScalar(raw); value != nil {
			return value
		}
	}
	return nil
}

func pickString(item map[string]interface{}, keys []string) *string {
	for _, key := range keys {
		var raw interface{}
		if strings.Contains(key, ".") {
			raw = nestedGet(item, key)
		} else {
			raw = item[key]
		}
		if s, ok := raw.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return &trimmed
			}
		}
	}
	return nil
}

// firstPath resolves the first fully traversable path. Path tokens are
// string map keys or int list indexes.
func firstPath(value map[string]interface{}, paths [][]interface{}) interface{} {
	for _, path := range paths {
		var current interface{} = value
		valid := true
		for _, token := range path {
			switch t := token.(type) {
			case int:
				list, ok := current.([]interface{})
				if !ok || t < 0 || t >= len(list) {
					valid = false
				} else {
					current = list[t]
				}
			case string:
				m, ok := current.(map[string]interface{})
				if !ok {
					valid = false
				} else {
					current = m[t]
				}
			}
			if !valid {
				break
			}
		}
		if valid && current != nil {
			return current
		}
	}
	return nil
}

// walkMaps visits every nested object depth-first until visit returns false.
func walkMaps(value interface{}, visit func(map[string]interface{}) bool) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		if !visit(v) {
			return false
		}
		for _, inner := range v {
			if !walkMaps(inner, visit) {
				return false
			}
		}
	case []interface{}:
		for _, inner := range v {
			if !walkMaps(inner, visit) {
				return false
			}
		}
	}
	return true
}

// parseTimeValue accepts the timestamp shapes seen in provider payloads:
// ISO strings in their lenient forms and numeric epochs (seconds or millis).
func parseTimeValue(value interface{}) *time.Time {
	switch v := value.(type) {
	case float64:
		stamp := v
		if stamp > 1e12 {
			stamp /= 1000.0
		}
		t := time.Unix(int64(stamp), 0).UTC()
		return &t
	case string:
		if parsed, err := timeutil.ParseUTC(v); err == nil {
			return &parsed
		}
	}
	return nil
}
