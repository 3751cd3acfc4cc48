// Package semantic assembles the route enrichment layer: segment contexts
// with weather and traffic, municipality and province vectors, and scored
// points of interest, merged onto the routing result without ever
// invalidating it.
package semantic

import (
	"math"
	"os"
	"strings"
	"time"

	"github.com/richxcame/fleet-routing/internal/osrm"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
)

// Defaults for the permissive payload keys.
const (
	DefaultCorridorRadiusKm       = 1.2
	DefaultTopK                   = 8
	DefaultAvgSpeedKmh            = 40.0
	DefaultMunicipalityStepKm     = 20.0
	DefaultMunicipalityRadiusKm   = 5.0
	DefaultOSMTimeoutSec          = 8
	DefaultRouteGeometryTimeout   = 10
	DefaultMaxSamplesPerSegment   = 12
	DefaultReverseMinIntervalMs   = 1100
	DefaultHereTimeoutSec         = 12
	DefaultHereTrafficRadiusM     = 300
	DefaultHereForecastWindowHrs  = 24
	DefaultHereForecastIntervalMn = 120
)

// categoryTagPriority fixes the order tag keys are consulted when a
// location carries several mappable tags, so the inferred category is
// stable across runs.
var categoryTagPriority = []string{"amenity", "tourism", "shop", "highway"}

// knownCategoryMap pins the OSM tag pairs that map to a semantic category.
var knownCategoryMap = map[[2]string]string{
	{"amenity", "fuel"}:             "fuel",
	{"amenity", "charging_station"}: "charging",
	{"amenity", "parking"}:          "parking",
	{"amenity", "parking_entrance"}: "parking",
	{"amenity", "restaurant"}:       "food",
	{"amenity", "fast_food"}:        "food",
	{"amenity", "cafe"}:             "food",
	{"amenity", "bar"}:              "food",
	{"amenity", "pub"}:              "food",
	{"amenity", "hospital"}:         "healthcare",
	{"amenity", "clinic"}:           "healthcare",
	{"amenity", "pharmacy"}:         "healthcare",
	{"amenity", "car_repair"}:       "vehicle_service",
	{"amenity", "car_wash"}:         "vehicle_service",
	{"tourism", "hotel"}:            "lodging",
	{"tourism", "motel"}:            "lodging",
	{"shop", "supermarket"}:         "grocery",
	{"shop", "convenience"}:         "grocery",
	{"highway", "rest_area"}:        "rest_area",
	{"highway", "services"}:         "rest_area",
}

// Location is a normalized candidate point of interest.
type Location struct {
	ID       interface{}            `json:"id"`
	Name     interface{}            `json:"name"`
	Lat      float64                `json:"lat"`
	Lng      float64                `json:"lng"`
	Tags     map[string]interface{} `json:"tags"`
	Source   interface{}            `json:"source"`
	Category string                 `json:"semantic_category"`
}

// Point returns the location's coordinate.
func (l Location) Point() geo.Point {
	return geo.Point{Lat: l.Lat, Lng: l.Lng}
}

// Observation is a caller-supplied or prefetched weather/traffic record.
// The raw map is echoed into the segment context; the parsed fields drive
// spatiotemporal matching.
type Observation struct {
	Raw   map[string]interface{}
	Point geo.Point
	Time  *time.Time
}

// Config is the effective enrichment configuration after defaulting and
// clamping the permissive payload keys. Unknown keys are ignored.
type Config struct {
	CorridorRadiusKm float64
	TopK             int
	AvgSpeedKmh      float64
	DepartureTime    *time.Time
	Categories       map[string]bool

	CandidateLocations  []Location
	WeatherObservations []Observation
	TrafficObservations []Observation

	UseHerePlatform  bool
	HereDataSource   string
	HereAPIKey       string
	HereAPIKeySource string
	HereEnabled      bool
	HereEmulatorSeed string
	HerePipelineMode string

	HereTimeoutSec          int
	HereTrafficRadiusM      int
	HereForecastWindowHours int
	HereForecastIntervalMin int

	MunicipalityEnabled             bool
	MunicipalityStepKm              float64
	MunicipalityRadiusKm            float64
	MunicipalityTimeoutSec          int
	MunicipalityMaxSamples          int
	MunicipalityAllowSampleFallback bool
	MunicipalityReverseMinInterval  int
	MunicipalityUseRouteGeometry    bool
	RouteGeometryTimeoutSec         int

	ProvinceCapitalLookupEnabled bool
	ProvinceCapitalTimeoutSec    int

	DistanceMode string
	OSRMBaseURL  string
}

// ParseConfig reads the optional enrichment keys out of the raw request
// payload, applying defaults and floors. The HERE API key comes from the
// environment, never from the payload.
func ParseConfig(payload map[string]interface{}) *Config {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	cfg := &Config{}

	cfg.CorridorRadiusKm = math.Max(0.1, safeFloat(payload["semantic_corridor_radius_km"], DefaultCorridorRadiusKm))
	cfg.TopK = maxInt(1, safeInt(payload["semantic_top_k"], DefaultTopK))
	cfg.AvgSpeedKmh = math.Max(5.0, safeFloat(payload["route_avg_speed_kmh"], DefaultAvgSpeedKmh))
	cfg.DepartureTime = parseUTCTime(payload["departure_time_utc"])
	cfg.Categories = normalizeCategories(payload["semantic_categories"])

	cfg.CandidateLocations = normalizeLocations(payload["candidate_locations"])
	cfg.WeatherObservations = normalizeObservations(payload["weather_observations"])
	cfg.TrafficObservations = normalizeObservations(payload["traffic_observations"])

	cfg.UseHerePlatform = safeBool(payload["use_here_platform"], true)
	cfg.HereDataSource = resolveHereDataSource(payload["here_data_source"])
	cfg.HereAPIKey = strings.TrimSpace(os.Getenv("HERE_API_KEY"))
	cfg.HereEmulatorSeed = strings.TrimSpace(safeString(payload["here_emulator_seed"]))
	cfg.HerePipelineMode = resolvePipelineMode(payload["here_pipeline_mode"])

	cfg.HereEnabled = cfg.UseHerePlatform &&
		(cfg.HereDataSource == "emulator" || cfg.HereAPIKey != "")
	switch {
	case !cfg.UseHerePlatform:
		cfg.HereAPIKeySource = "disabled"
	case cfg.HereDataSource == "emulator":
		cfg.HereAPIKeySource = "not_required_emulator"
	case cfg.HereAPIKey != "":
		cfg.HereAPIKeySource = "env:HERE_API_KEY"
	default:
		cfg.HereAPIKeySource = "missing_env:HERE_API_KEY"
	}

	cfg.HereTimeoutSec = maxInt(3, safeInt(payload["here_timeout_sec"], DefaultHereTimeoutSec))
	cfg.HereTrafficRadiusM = maxInt(50, safeInt(payload["here_traffic_radius_m"], DefaultHereTrafficRadiusM))
	cfg.HereForecastWindowHours = maxInt(1, safeInt(payload["here_forecast_window_hours"], DefaultHereForecastWindowHrs))
	cfg.HereForecastIntervalMin = maxInt(30, safeInt(payload["here_forecast_interval_min"], DefaultHereForecastIntervalMn))

	cfg.MunicipalityEnabled = safeBool(payload["municipality_enrichment_enabled"], false)
	cfg.MunicipalityStepKm = math.Max(5.0, safeFloat(payload["municipality_step_km"], DefaultMunicipalityStepKm))
	cfg.MunicipalityRadiusKm = math.Max(1.0, safeFloat(payload["municipality_radius_km"], DefaultMunicipalityRadiusKm))
	cfg.MunicipalityTimeoutSec = maxInt(2, safeInt(payload["municipality_osm_timeout_sec"], DefaultOSMTimeoutSec))
	cfg.MunicipalityMaxSamples = maxInt(3, safeInt(payload["municipality_max_samples_per_segment"], DefaultMaxSamplesPerSegment))
	cfg.MunicipalityAllowSampleFallback = safeBool(payload["municipality_allow_sample_fallback"], false)
	cfg.MunicipalityReverseMinInterval = maxInt(0, safeInt(payload["municipality_reverse_min_interval_ms"], DefaultReverseMinIntervalMs))
	cfg.MunicipalityUseRouteGeometry = safeBool(payload["municipality_use_route_geometry"], true)
	cfg.RouteGeometryTimeoutSec = maxInt(2, safeInt(payload["municipality_route_geometry_timeout_sec"], DefaultRouteGeometryTimeout))

	cfg.ProvinceCapitalLookupEnabled = safeBool(payload["province_capital_lookup_enabled"], true)
	cfg.ProvinceCapitalTimeoutSec = maxInt(2, safeInt(payload["province_capital_timeout_sec"], cfg.MunicipalityTimeoutSec))

	cfg.DistanceMode = strings.ToLower(strings.TrimSpace(safeString(payload["distance_mode"])))
	if cfg.DistanceMode == "" {
		cfg.DistanceMode = "direct"
	}
	cfg.OSRMBaseURL = strings.TrimSpace(safeString(payload["osrm_base_url"]))
	if cfg.OSRMBaseURL == "" {
		cfg.OSRMBaseURL = osrm.DefaultBaseURL
	}

	return cfg
}

// RouteGeometryEnabled reports whether segment traces may follow the road
// polyline: enrichment is on, geometry is wanted, and the solve distances
// actually came from the road network.
func (c *Config) RouteGeometryEnabled(distanceSource string) bool {
	return c.MunicipalityEnabled &&
		c.MunicipalityUseRouteGeometry &&
		c.DistanceMode == "osrm" &&
		strings.HasPrefix(strings.ToLower(distanceSource), "osrm")
}

// Echo renders the effective configuration block of the semantic layer.
func (c *Config) Echo(distanceSource string, hereActive, routeGeometryEnabled bool) map[string]interface{} {
	traceStrategy := "segment_straight_line_reverse_geocode_samples"
	if routeGeometryEnabled {
		traceStrategy = "segment_osrm_geometry_reverse_geocode_samples"
	}

	categories := make([]string, 0, len(c.Categories))
	for category := range c.Categories {
		categories = append(categories, category)
	}
	sortStrings(categories)

	return map[string]interface{}{
		"semantic_corridor_radius_km":              round3(c.CorridorRadiusKm),
		"semantic_top_k":                           c.TopK,
		"route_avg_speed_kmh":                      round3(c.AvgSpeedKmh),
		"semantic_categories":                      categories,
		"departure_time_utc":                       formatTimePtr(c.DepartureTime),
		"use_here_platform":                        hereActive,
		"here_data_source":                         c.HereDataSource,
		"here_api_key_source":                      c.HereAPIKeySource,
		"here_timeout_sec":                         c.HereTimeoutSec,
		"here_traffic_radius_m":                    c.HereTrafficRadiusM,
		"here_forecast_window_hours":               c.HereForecastWindowHours,
		"here_forecast_interval_min":               c.HereForecastIntervalMin,
		"here_pipeline_mode":                       c.HerePipelineMode,
		"municipality_step_km":                     round3(c.MunicipalityStepKm),
		"municipality_radius_km":                   round3(c.MunicipalityRadiusKm),
		"municipality_osm_timeout_sec":             c.MunicipalityTimeoutSec,
		"municipality_reverse_timeout_sec":         c.MunicipalityTimeoutSec,
		"municipality_max_samples_per_segment":     c.MunicipalityMaxSamples,
		"municipality_allow_sample_fallback":       c.MunicipalityAllowSampleFallback,
		"municipality_reverse_min_interval_ms":     c.MunicipalityReverseMinInterval,
		"municipality_trace_strategy":              traceStrategy,
		"municipality_reverse_source":              "nominatim_reverse",
		"municipality_enrichment_enabled":          c.MunicipalityEnabled,
		"municipality_osm_enabled":                 false,
		"municipality_use_route_geometry":          c.MunicipalityUseRouteGeometry,
		"municipality_route_geometry_enabled":      routeGeometryEnabled,
		"municipality_route_geometry_timeout_sec":  c.RouteGeometryTimeoutSec,
		"province_capital_lookup_enabled":          c.ProvinceCapitalLookupEnabled,
		"province_capital_timeout_sec":             c.ProvinceCapitalTimeoutSec,
		"distance_mode":                            c.DistanceMode,
		"distance_source":                          strings.ToLower(strings.TrimSpace(distanceSource)),
	}
}

func resolveHereDataSource(value interface{}) string {
	raw := strings.ToLower(strings.TrimSpace(safeString(value)))
	switch raw {
	case "emulator", "mock", "simulated", "synthetic":
		return "emulator"
	default:
		return "here"
	}
}

func resolvePipelineMode(value interface{}) string {
	raw := strings.ToLower(strings.TrimSpace(safeString(value)))
	if raw == "before_vrp" {
		return "before_vrp"
	}
	return "postprocessing"
}

func normalizeCategories(raw interface{}) map[string]bool {
	out := make(map[string]bool)
	items, ok := raw.([]interface{})
	if !ok {
		return out
	}
	for _, item := range items {
		label, ok := item.(string)
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		if label != "" {
			out[label] = true
		}
	}
	return out
}

func normalizeLocations(raw interface{}) []Location {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	normalized := make([]Location, 0, len(items))
	for index, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		lat, latOK := asFloat(entry["lat"])
		lng, lngOK := asFloat(entry["lng"])
		if !latOK || !lngOK {
			continue
		}

		tags, _ := entry["tags"].(map[string]interface{})
		if tags == nil {
			tags = map[string]interface{}{}
		}

		location := Location{
			ID:     entry["id"],
			Name:   entry["name"],
			Lat:    lat,
			Lng:    lng,
			Tags:   tags,
			Source: entry["source"],
		}
		if location.ID == nil {
			location.ID = "loc_" + itoa(index+1)
		}
		if location.Source == nil {
			location.Source = "candidate_locations"
		}
		location.Category = inferCategory(entry, tags)
		normalized = append(normalized, location)
	}
	return normalized
}

func inferCategory(entry, tags map[string]interface{}) string {
	for _, key := range []string{"semantic_category", "category"} {
		if explicit, ok := entry[key].(string); ok {
			if label := strings.ToLower(strings.TrimSpace(explicit)); label != "" {
				return label
			}
		}
	}
	for _, key := range categoryTagPriority {
		text, ok := tags[key].(string)
		if !ok {
			continue
		}
		if mapped, ok := knownCategoryMap[[2]string{key, strings.TrimSpace(text)}]; ok {
			return mapped
		}
	}
	return "other"
}

func normalizeObservations(raw interface{}) []Observation {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	normalized := make([]Observation, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		lat, latOK := asFloat(entry["lat"])
		lng, lngOK := asFloat(entry["lng"])
		if !latOK || !lngOK {
			continue
		}
		normalized = append(normalized, Observation{
			Raw:   entry,
			Point: geo.Point{Lat: lat, Lng: lng},
			Time:  parseUTCTime(entry["time_utc"]),
		})
	}
	return normalized
}

func parseUTCTime(value interface{}) *time.Time {
	raw, ok := value.(string)
	if !ok {
		return nil
	}
	parsed, err := timeutil.ParseUTC(raw)
	if err != nil {
		return nil
	}
	return &parsed
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeutil.FormatISOZ(*t)
}
