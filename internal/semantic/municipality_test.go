package semantic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/richxcame/fleet-routing/internal/geocode"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nominatimStub answers every reverse lookup with a town keyed off the
// latitude band, so traces cross a municipality boundary mid-route.
func nominatimStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lat := r.URL.Query().Get("lat")
		town := "Getafe"
		if len(lat) >= 4 && lat[:4] >= "40.1" {
			town = "Pinto"
		}
		fmt.Fprintf(w, `{
			"osm_type": "relation", "osm_id": 1,
			"address": {"town": %q, "state": "Comunidad de Madrid", "country_code": "es"}
		}`, town)
	}))
}

func municipalityConfig(extra map[string]interface{}) *Config {
	payload := map[string]interface{}{
		"municipality_enrichment_enabled": true,
		"province_capital_lookup_enabled": false,
		"use_here_platform":               false,
	}
	for key, value := range extra {
		payload[key] = value
	}
	return ParseConfig(payload)
}

func TestBuildLayerMunicipalityEnrichment(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	server := nominatimStub(t)
	defer server.Close()

	depot, customers, result := solveFixture(t)
	cfg := municipalityConfig(nil)
	resolver := geocode.NewResolver(geocode.Options{Endpoints: []string{server.URL}, MinIntervalMs: 0})

	layer := BuildLayer(context.Background(), cfg, depot, customers, result, Dependencies{
		Geocoder: resolver,
		Now:      fixedNow,
	})

	assert.Equal(t, "ok", layer.MunicipalityAPI["status"])
	assert.Equal(t, "ok", layer.Summary["municipality_api_status"])

	phase1 := layer.MunicipalityAPI["phase1"].(map[string]interface{})
	assert.Equal(t, "ok", phase1["status"])
	counts := phase1["counts"].(map[string]interface{})
	// Depot, two customers, route stops collapse onto three coordinates.
	assert.Equal(t, 3, counts["coordinates_total"])
	assert.Equal(t, 3, counts["resolved"])

	route := layer.Routes[0]
	require.NotEmpty(t, route.StopMunicipalityLinks)
	first := route.StopMunicipalityLinks[0]
	assert.Equal(t, 0, first.StopIndex)
	assert.Equal(t, "resolved", first.Status)
	require.NotNil(t, first.MunicipalityName)
	assert.Equal(t, "Getafe", *first.MunicipalityName)

	assert.Contains(t, route.MunicipalityVector, "Getafe")
	assert.Contains(t, route.MunicipalityVector, "Pinto")
	assert.Equal(t, []string{"Comunidad de Madrid"}, route.ProvinceVector)
	assert.Empty(t, route.ProvinceCapitalVector)

	// Input points carry the depot and customer roles with admin context.
	points := layer.MunicipalityPhase1InputPoints
	require.Len(t, points, 3)
	roles := map[string]int{}
	for _, point := range points {
		roles[point["role"].(string)]++
		assert.Equal(t, "Comunidad de Madrid", point["province_name"])
		assert.Equal(t, "ES", point["country_code"])
	}
	assert.Equal(t, map[string]int{"depot": 1, "customer": 2}, roles)

	assert.Contains(t, layer.MunicipalityPostOutputNotice, "none")
	assert.Empty(t, layer.MunicipalityPostOutputWarnings)
	assert.Empty(t, layer.Errors)
}

type failingGeometry struct{ calls int }

func (f *failingGeometry) RouteGeometry(ctx context.Context, start, end geo.Point) ([]geo.Point, error) {
	f.calls++
	return nil, fmt.Errorf("geometry unavailable")
}

func TestBuildLayerGeometryFallback(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	server := nominatimStub(t)
	defer server.Close()

	depot, customers, result := solveFixture(t)
	result.Summary.DistanceSource = "osrm_table"
	cfg := municipalityConfig(map[string]interface{}{"distance_mode": "osrm"})
	resolver := geocode.NewResolver(geocode.Options{Endpoints: []string{server.URL}, MinIntervalMs: 0})
	geometry := &failingGeometry{}

	layer := BuildLayer(context.Background(), cfg, depot, customers, result, Dependencies{
		Geocoder: resolver,
		Geometry: geometry,
		Now:      fixedNow,
	})

	segments := len(result.Routes[0].Stops) - 1
	assert.Equal(t, segments, geometry.calls)

	phase2 := layer.MunicipalityAPI["phase2"].(map[string]interface{})
	assert.Equal(t, "partial", phase2["status"])
	stats := phase2["route_geometry"].(map[string]interface{})
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, segments, stats["attempted"])
	assert.Equal(t, segments, stats["failed"])
	assert.Equal(t, segments, stats["fallback_to_straight"])
	assert.Equal(t, 0, stats["fetched"])

	assert.Equal(t, "partial", layer.Summary["municipality_api_status"])
	assert.Contains(t, layer.MunicipalityPostOutputNotice, "straight-line fallback")
	require.NotEmpty(t, layer.MunicipalityPostOutputWarnings)
	assert.Contains(t, layer.MunicipalityPostOutputWarnings[0], "straight-line fallback")

	found := false
	for _, msg := range layer.Errors {
		if strings.HasPrefix(msg, "municipality geometry fetch failed") {
			found = true
		}
	}
	assert.True(t, found, "geometry failures are reported as errors")
}

func TestStraightLineSamples(t *testing.T) {
	start := geo.Point{Lat: 40.0, Lng: -3.0}
	end := geo.Point{Lat: 40.0, Lng: -2.8}

	samples := straightLineSamples(start, end, 17.0, 5.0)
	// ceil(17/5) = 4 steps, 5 sample points.
	require.Len(t, samples, 5)
	assert.Equal(t, "start", samples[0].position)
	assert.Equal(t, "along", samples[2].position)
	assert.Equal(t, "end", samples[4].position)
	assert.InDelta(t, 17.0, samples[4].distanceFromStartKm, 1e-9)
	assert.Equal(t, start, samples[0].point)
	assert.Equal(t, end, samples[4].point)
}

func TestLimitTracedSamplesKeepsEndpoints(t *testing.T) {
	var samples []tracedSample
	for i := 0; i < 11; i++ {
		samples = append(samples, tracedSample{index: i})
	}

	limited := limitTracedSamples(samples, 4)
	require.Len(t, limited, 4)
	assert.Equal(t, 0, limited[0].index)
	assert.Equal(t, 10, limited[len(limited)-1].index)

	// Under the cap nothing changes.
	assert.Len(t, limitTracedSamples(samples, 12), 11)
}

func TestPointRegistryMergesMetadata(t *testing.T) {
	registry := newPointRegistry()
	first := registry.register(40.1234567, -3.1234567, "s1", nil, "route_stop")
	second := registry.register(40.1234566, -3.1234566, "s1", "c1", "customer_input")

	// Sixth-decimal rounding collapses both onto one key.
	assert.Same(t, first, second)
	assert.Equal(t, []interface{}{"s1"}, first.StopIDs)
	assert.Equal(t, []interface{}{"c1"}, first.CustomerIDs)
	assert.Equal(t, []string{"route_stop", "customer_input"}, first.SourceTags)
}
