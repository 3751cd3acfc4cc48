package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	cfg := ParseConfig(map[string]interface{}{})

	assert.Equal(t, 1.2, cfg.CorridorRadiusKm)
	assert.Equal(t, 8, cfg.TopK)
	assert.Equal(t, 40.0, cfg.AvgSpeedKmh)
	assert.Nil(t, cfg.DepartureTime)
	assert.Empty(t, cfg.Categories)
	assert.Equal(t, "here", cfg.HereDataSource)
	assert.Equal(t, "postprocessing", cfg.HerePipelineMode)
	assert.True(t, cfg.UseHerePlatform)
	assert.False(t, cfg.HereEnabled)
	assert.Equal(t, "missing_env:HERE_API_KEY", cfg.HereAPIKeySource)
	assert.False(t, cfg.MunicipalityEnabled)
	assert.Equal(t, 20.0, cfg.MunicipalityStepKm)
	assert.Equal(t, 1100, cfg.MunicipalityReverseMinInterval)
	assert.True(t, cfg.ProvinceCapitalLookupEnabled)
	assert.Equal(t, cfg.MunicipalityTimeoutSec, cfg.ProvinceCapitalTimeoutSec)
	assert.Equal(t, "direct", cfg.DistanceMode)
}

func TestParseConfigClampsFloors(t *testing.T) {
	cfg := ParseConfig(map[string]interface{}{
		"semantic_corridor_radius_km":          0.01,
		"semantic_top_k":                       0,
		"route_avg_speed_kmh":                  1.0,
		"here_timeout_sec":                     1,
		"here_traffic_radius_m":                5,
		"here_forecast_window_hours":           0,
		"here_forecast_interval_min":           5,
		"municipality_step_km":                 0.5,
		"municipality_radius_km":               0.2,
		"municipality_osm_timeout_sec":         1,
		"municipality_max_samples_per_segment": 1,
		"municipality_reverse_min_interval_ms": -50,
	})

	assert.Equal(t, 0.1, cfg.CorridorRadiusKm)
	assert.Equal(t, 1, cfg.TopK)
	assert.Equal(t, 5.0, cfg.AvgSpeedKmh)
	assert.Equal(t, 3, cfg.HereTimeoutSec)
	assert.Equal(t, 50, cfg.HereTrafficRadiusM)
	assert.Equal(t, 1, cfg.HereForecastWindowHours)
	assert.Equal(t, 30, cfg.HereForecastIntervalMin)
	assert.Equal(t, 5.0, cfg.MunicipalityStepKm)
	assert.Equal(t, 1.0, cfg.MunicipalityRadiusKm)
	assert.Equal(t, 2, cfg.MunicipalityTimeoutSec)
	assert.Equal(t, 3, cfg.MunicipalityMaxSamples)
	assert.Equal(t, 0, cfg.MunicipalityReverseMinInterval)
}

func TestParseConfigHereKeySource(t *testing.T) {
	t.Setenv("HERE_API_KEY", "secret")
	cfg := ParseConfig(map[string]interface{}{})
	assert.Equal(t, "env:HERE_API_KEY", cfg.HereAPIKeySource)
	assert.True(t, cfg.HereEnabled)

	cfg = ParseConfig(map[string]interface{}{"use_here_platform": false})
	assert.Equal(t, "disabled", cfg.HereAPIKeySource)
	assert.False(t, cfg.HereEnabled)

	t.Setenv("HERE_API_KEY", "")
	for _, alias := range []string{"emulator", "mock", "simulated", "synthetic"} {
		cfg = ParseConfig(map[string]interface{}{"here_data_source": alias})
		assert.Equal(t, "emulator", cfg.HereDataSource)
		assert.Equal(t, "not_required_emulator", cfg.HereAPIKeySource)
		assert.True(t, cfg.HereEnabled)
	}
}

func TestRouteGeometryEnabled(t *testing.T) {
	cfg := ParseConfig(map[string]interface{}{
		"municipality_enrichment_enabled": true,
		"distance_mode":                   "osrm",
	})
	assert.True(t, cfg.RouteGeometryEnabled("osrm_table"))
	assert.False(t, cfg.RouteGeometryEnabled("direct"))

	cfg.MunicipalityUseRouteGeometry = false
	assert.False(t, cfg.RouteGeometryEnabled("osrm_table"))

	cfg = ParseConfig(map[string]interface{}{"municipality_enrichment_enabled": true})
	assert.False(t, cfg.RouteGeometryEnabled("osrm_table"), "direct distance mode never follows geometry")
}

func TestConfigEcho(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	cfg := ParseConfig(map[string]interface{}{
		"semantic_categories": []interface{}{"Fuel", "food", " FOOD "},
		"departure_time_utc":  "2026-08-24T08:00:00Z",
	})

	echo := cfg.Echo("osrm_table", false, true)
	assert.Equal(t, []string{"food", "fuel"}, echo["semantic_categories"])
	assert.Equal(t, "2026-08-24T08:00:00Z", echo["departure_time_utc"])
	assert.Equal(t, "segment_osrm_geometry_reverse_geocode_samples", echo["municipality_trace_strategy"])
	assert.Equal(t, "nominatim_reverse", echo["municipality_reverse_source"])
	assert.Equal(t, "osrm_table", echo["distance_source"])
	assert.Equal(t, false, echo["use_here_platform"])

	echo = cfg.Echo("direct", false, false)
	assert.Equal(t, "segment_straight_line_reverse_geocode_samples", echo["municipality_trace_strategy"])
}

func TestNormalizeLocations(t *testing.T) {
	cfg := ParseConfig(map[string]interface{}{
		"candidate_locations": []interface{}{
			map[string]interface{}{"lat": 40.0, "lng": -3.0, "tags": map[string]interface{}{"amenity": "fuel"}},
			map[string]interface{}{"id": "h1", "lat": 40.1, "lng": -3.1, "tags": map[string]interface{}{"tourism": "hotel"}},
			map[string]interface{}{"id": "x", "lat": 40.2, "lng": -3.2, "semantic_category": "Custom"},
			map[string]interface{}{"id": "bad"},
			map[string]interface{}{"id": "plain", "lat": 40.3, "lng": -3.3},
		},
	})

	require.Len(t, cfg.CandidateLocations, 4)
	assert.Equal(t, "loc_1", cfg.CandidateLocations[0].ID)
	assert.Equal(t, "candidate_locations", cfg.CandidateLocations[0].Source)
	assert.Equal(t, "fuel", cfg.CandidateLocations[0].Category)
	assert.Equal(t, "lodging", cfg.CandidateLocations[1].Category)
	assert.Equal(t, "custom", cfg.CandidateLocations[2].Category)
	assert.Equal(t, "other", cfg.CandidateLocations[3].Category)
}

func TestInferCategoryIsStableForMultiTagLocations(t *testing.T) {
	tags := map[string]interface{}{
		"amenity": "hospital",
		"tourism": "hotel",
		"shop":    "supermarket",
		"highway": "rest_area",
	}

	for i := 0; i < 50; i++ {
		assert.Equal(t, "healthcare", inferCategory(map[string]interface{}{}, tags))
	}

	assert.Equal(t, "lodging", inferCategory(map[string]interface{}{}, map[string]interface{}{
		"tourism": "hotel",
		"shop":    "convenience",
	}))
}
