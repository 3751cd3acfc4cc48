package semantic

import "strings"

// Overlay key prefixes the municipality pass is authoritative for inside
// the config and summary blocks.
var overlayPrefixes = []string{"municipality_", "province_", "distance_"}

// Route fields replaced wholesale by a municipality-only pass.
var overlayRouteFields = []string{
	"stop_municipality_links",
	"province_vector",
	"province_capital_vector",
	"municipality_vector",
}

// Segment fields replaced wholesale by a municipality-only pass.
var overlaySegmentFields = []string{
	"municipality_trace",
	"municipality_names",
	"province_names",
	"province_capital_names",
}

// Top-level blocks owned entirely by the municipality pass.
var overlayTopLevel = []string{
	"municipality_api",
	"municipality_address_book",
	"municipality_phase1_input_points",
	"municipality_post_output_notice",
	"municipality_post_output_warnings",
}

// MergeLayers overlays a municipality-only enrichment pass onto an earlier
// semantic layer. The base keeps everything it computed; the overlay wins
// for municipality, province, and distance keys. Applying the same overlay
// twice yields the same result.
func MergeLayers(base, overlay interface{}) map[string]interface{} {
	baseMap := toJSONMap(base)
	overlayMap := toJSONMap(overlay)
	if baseMap == nil {
		return overlayMap
	}
	if overlayMap == nil {
		return baseMap
	}

	merged := map[string]interface{}{}
	for key, value := range baseMap {
		merged[key] = value
	}

	for _, key := range []string{"version", "generated_at_utc", "status"} {
		if value, ok := overlayMap[key]; ok {
			merged[key] = value
		}
	}
	for _, key := range overlayTopLevel {
		if value, ok := overlayMap[key]; ok {
			merged[key] = value
		}
	}

	for _, key := range []string{"config", "summary"} {
		merged[key] = mergeByPrefix(asMap(baseMap[key]), asMap(overlayMap[key]))
	}

	merged["errors"] = mergeErrorLists(baseMap["errors"], overlayMap["errors"])
	merged["routes"] = mergeRoutes(asList(baseMap["routes"]), asList(overlayMap["routes"]))
	return merged
}

// mergeByPrefix keeps the base map and takes overlay values for the keys
// the municipality pass owns.
func mergeByPrefix(base, overlay map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		for _, prefix := range overlayPrefixes {
			if strings.HasPrefix(key, prefix) {
				merged[key] = value
				break
			}
		}
	}
	return merged
}

func mergeErrorLists(base, overlay interface{}) []interface{} {
	combined := append([]interface{}{}, asList(base)...)
	for _, entry := range asList(overlay) {
		duplicate := false
		for _, existing := range combined {
			if existing == entry {
				duplicate = true
				break
			}
		}
		if !duplicate {
			combined = append(combined, entry)
		}
	}
	if len(combined) > 40 {
		combined = combined[:40]
	}
	return combined
}

// mergeRoutes joins the route lists by vehicle number; unmatched base
// routes pass through untouched.
func mergeRoutes(base, overlay []interface{}) []interface{} {
	byVehicle := map[interface{}]map[string]interface{}{}
	for _, entry := range overlay {
		route := asMap(entry)
		if route != nil {
			byVehicle[route["vehicle"]] = route
		}
	}

	merged := make([]interface{}, 0, len(base))
	for _, entry := range base {
		route := asMap(entry)
		if route == nil {
			merged = append(merged, entry)
			continue
		}
		overlayRoute, ok := byVehicle[route["vehicle"]]
		if !ok {
			merged = append(merged, route)
			continue
		}

		next := map[string]interface{}{}
		for key, value := range route {
			next[key] = value
		}
		for _, field := range overlayRouteFields {
			if value, ok := overlayRoute[field]; ok {
				next[field] = value
			}
		}
		next["segment_context"] = mergeSegments(asList(route["segment_context"]), asList(overlayRoute["segment_context"]))
		merged = append(merged, next)
	}
	return merged
}

// mergeSegments joins segment context lists by segment index.
func mergeSegments(base, overlay []interface{}) []interface{} {
	byIndex := map[interface{}]map[string]interface{}{}
	for _, entry := range overlay {
		segment := asMap(entry)
		if segment != nil {
			byIndex[segment["segment_index"]] = segment
		}
	}

	merged := make([]interface{}, 0, len(base))
	for _, entry := range base {
		segment := asMap(entry)
		if segment == nil {
			merged = append(merged, entry)
			continue
		}
		overlaySegment, ok := byIndex[segment["segment_index"]]
		if !ok {
			merged = append(merged, segment)
			continue
		}

		next := map[string]interface{}{}
		for key, value := range segment {
			next[key] = value
		}
		for _, field := range overlaySegmentFields {
			if value, ok := overlaySegment[field]; ok {
				next[field] = value
			}
		}
		merged = append(merged, next)
	}
	return merged
}

func asMap(value interface{}) map[string]interface{} {
	m, _ := value.(map[string]interface{})
	return m
}

func asList(value interface{}) []interface{} {
	l, _ := value.([]interface{})
	return l
}
