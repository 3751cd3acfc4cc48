package semantic

import (
	"testing"
	"time"

	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineStops() []vrp.Stop {
	return []vrp.Stop{
		{ID: "depot", Lat: 40.0, Lng: -3.0},
		{ID: "c1", Lat: 40.0, Lng: -2.8},
		{ID: "depot", Lat: 40.0, Lng: -3.0},
	}
}

func TestScoreLocationsFiltersToCorridor(t *testing.T) {
	candidates := []Location{
		{ID: "near", Lat: 40.001, Lng: -2.9, Category: "fuel", Tags: map[string]interface{}{}},
		{ID: "far", Lat: 41.0, Lng: -2.9, Category: "fuel", Tags: map[string]interface{}{}},
	}

	scored := scoreLocationsForRoute(lineStops(), candidates, 1.2, nil, 8)
	require.Len(t, scored, 1)
	assert.Equal(t, "near", scored[0].ID)
	assert.Equal(t, 0, scored[0].NearestSegmentIndex)
	assert.InDelta(t, 2*scored[0].DistanceToRouteKm, scored[0].EstimatedDetourKm, 1e-9)
}

func TestScoreLocationsCategoryAffinity(t *testing.T) {
	candidates := []Location{
		{ID: "cafe", Lat: 40.002, Lng: -2.9, Category: "food", Tags: map[string]interface{}{}},
		{ID: "pump", Lat: 40.002, Lng: -2.9, Category: "fuel", Tags: map[string]interface{}{}},
	}

	scored := scoreLocationsForRoute(lineStops(), candidates, 1.2, map[string]bool{"fuel": true}, 8)
	require.Len(t, scored, 2)
	// Same distance; the requested category wins on affinity.
	assert.Equal(t, "pump", scored[0].ID)
	assert.Greater(t, scored[0].RelevanceScore, scored[1].RelevanceScore)

	// With no category filter every candidate gets full affinity and the
	// tie breaks on the stringified id.
	scored = scoreLocationsForRoute(lineStops(), candidates, 1.2, nil, 8)
	assert.Equal(t, "cafe", scored[0].ID)
	assert.Equal(t, scored[0].RelevanceScore, scored[1].RelevanceScore)
}

func TestScoreLocationsTopK(t *testing.T) {
	var candidates []Location
	for i := 0; i < 6; i++ {
		candidates = append(candidates, Location{
			ID: i, Lat: 40.0005 + float64(i)*0.0004, Lng: -2.9,
			Category: "other", Tags: map[string]interface{}{},
		})
	}

	scored := scoreLocationsForRoute(lineStops(), candidates, 1.2, nil, 3)
	require.Len(t, scored, 3)
	// Closest candidates survive the cut.
	assert.Equal(t, "0", toStr(scored[0].ID))
}

func TestScoreLocationsSingleStopRoute(t *testing.T) {
	scored := scoreLocationsForRoute([]vrp.Stop{{ID: "depot", Lat: 40, Lng: -3}}, []Location{
		{ID: "near", Lat: 40.0, Lng: -3.0, Tags: map[string]interface{}{}},
	}, 1.2, nil, 8)
	assert.Empty(t, scored)
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return itoa(t)
	default:
		return ""
	}
}

func TestBuildSegmentsEtas(t *testing.T) {
	departure := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	segments := BuildSegments(lineStops(), 40.0, &departure)
	require.Len(t, segments, 2)

	assert.Equal(t, 0, segments[0].Index)
	assert.Equal(t, "depot", segments[0].FromStopID)
	assert.Equal(t, "c1", segments[0].ToStopID)
	assert.InDelta(t, segments[0].DistanceKm, segments[1].DistanceKm, 1e-9)
	assert.InDelta(t, 2*segments[0].DistanceKm, segments[1].CumulativeKm, 1e-9)
	require.NotNil(t, segments[0].EtaUTC)
	assert.True(t, segments[1].EtaUTC.After(*segments[0].EtaUTC))

	// Midpoint sits between the endpoints.
	assert.InDelta(t, -2.9, segments[0].Midpoint.Lng, 1e-9)

	// Without a departure the stamps stay nil but minutes accumulate.
	segments = BuildSegments(lineStops(), 40.0, nil)
	assert.Nil(t, segments[0].EtaUTC)
	assert.Greater(t, segments[1].EtaMin, segments[0].EtaMin)
}

func TestMatchObservationPrefersSpaceTime(t *testing.T) {
	target := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	near := target.Add(10 * time.Minute)
	far := target.Add(8 * time.Hour)

	observations := []Observation{
		{Raw: map[string]interface{}{"id": "stale"}, Point: geo.Point{Lat: 40.0, Lng: -2.9}, Time: &far},
		{Raw: map[string]interface{}{"id": "fresh"}, Point: geo.Point{Lat: 40.0, Lng: -2.9}, Time: &near},
	}

	best, dist, offset := matchObservation(geo.Point{Lat: 40.0, Lng: -2.9}, &target, observations)
	require.NotNil(t, best)
	assert.Equal(t, "fresh", best.Raw["id"])
	assert.InDelta(t, 0.0, dist, 1e-9)
	assert.InDelta(t, 10.0, offset, 1e-9)

	// Without timestamps only distance matters.
	best, _, offset = matchObservation(geo.Point{Lat: 40.0, Lng: -2.9}, nil, observations)
	assert.Equal(t, "stale", best.Raw["id"])
	assert.Zero(t, offset)
}
