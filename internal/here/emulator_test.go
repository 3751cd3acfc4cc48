package here

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestEmulatorWeatherDeterminism(t *testing.T) {
	point := geo.Point{Lat: 40.05, Lng: -3.05}
	ref := fixedTime(t, "2025-06-01T08:30:00Z")

	first := NewEmulator(EmulatorOptions{Seed: "abc"})
	second := NewEmulator(EmulatorOptions{Seed: "abc"})

	a, err := first.FetchWeather(context.Background(), point, ref)
	require.NoError(t, err)
	b, err := second.FetchWeather(context.Background(), point, ref)
	require.NoError(t, err)

	aJSON, err := json.Marshal(a)
	require.NoError(t, err)
	bJSON, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(aJSON), string(bJSON))

	// A different seed diverges.
	third := NewEmulator(EmulatorOptions{Seed: "xyz"})
	c, err := third.FetchWeather(context.Background(), point, ref)
	require.NoError(t, err)
	cJSON, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotEqual(t, string(aJSON), string(cJSON))
}

func TestEmulatorWeatherShape(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "shape"})
	bundle, err := emu.FetchWeather(context.Background(), geo.Point{Lat: 40, Lng: -3}, fixedTime(t, "2025-06-01T12:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "observed", bundle.Realtime.Status)
	assert.Equal(t, "here_weather_v3", bundle.Realtime.Source)
	require.NotNil(t, bundle.Realtime.TemperatureC)

	forecast := bundle.Forecast24h
	assert.Equal(t, "forecasted", forecast.Status)
	assert.Equal(t, DefaultForecastWindowHours, forecast.WindowHours)
	assert.Equal(t, DefaultForecastWindowHours, forecast.EvaluatedSlots)
	require.NotNil(t, forecast.WorstCaseScore)
	assert.LessOrEqual(t, len(forecast.WorstSlots), 6)
	assert.NotEmpty(t, forecast.WorstSlots)

	// Worst slots are tied to the max within the epsilon.
	for _, slot := range forecast.WorstSlots {
		assert.InDelta(t, *forecast.WorstCaseScore, slot.SeverityScore, 0.051)
	}

	// Slot starts increase monotonically inside the window.
	previous := ""
	for _, slot := range forecast.WorstSlots {
		if previous != "" {
			assert.Greater(t, slot.StartUTC, previous)
		}
		previous = slot.StartUTC
	}
}

func TestEmulatorWeatherCacheCountsHits(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "cache"})
	point := geo.Point{Lat: 40, Lng: -3}
	ref := fixedTime(t, "2025-06-01T09:10:00Z")

	first, err := emu.FetchWeather(context.Background(), point, ref)
	require.NoError(t, err)
	// Same hour bucket, different minute: still one query.
	second, err := emu.FetchWeather(context.Background(), point, fixedTime(t, "2025-06-01T09:55:00Z"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	stats := emu.Stats()
	assert.Equal(t, int64(1), stats.WeatherQueries)
	assert.Equal(t, int64(1), stats.HTTPRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.True(t, stats.Emulated)
}

func TestEmulatorWeatherSingleFlight(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "flight"})
	point := geo.Point{Lat: 41, Lng: -3.7}
	ref := fixedTime(t, "2025-06-01T10:00:00Z")

	var wg sync.WaitGroup
	results := make([]*WeatherBundle, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			bundle, err := emu.FetchWeather(context.Background(), point, ref)
			assert.NoError(t, err)
			results[idx] = bundle
		}(i)
	}
	wg.Wait()

	// One underlying fetch regardless of concurrency.
	assert.Equal(t, int64(1), emu.Stats().WeatherQueries)
	for _, bundle := range results {
		assert.Same(t, results[0], bundle)
	}
}

func TestEmulatorTrafficStatus(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "traffic"})
	emu.now = func() time.Time { return fixedTime(t, "2025-06-02T08:02:00Z") }

	obs, err := emu.FetchTrafficStatus(context.Background(), geo.Point{Lat: 40.4, Lng: -3.7})
	require.NoError(t, err)

	assert.Equal(t, "observed", obs.Status)
	assert.Equal(t, "here_traffic_v7", obs.Source)
	assert.Equal(t, DefaultTrafficRadiusM, obs.AreaRadiusM)
	require.NotNil(t, obs.ObservedAtUTC)
	assert.Equal(t, "2025-06-02T08:00:00Z", *obs.ObservedAtUTC)

	if obs.JamFactor != nil {
		assert.GreaterOrEqual(t, *obs.JamFactor, 0.0)
		assert.LessOrEqual(t, *obs.JamFactor, 10.0)
		require.NotNil(t, obs.CongestionLevel)
	} else {
		// Sparse coverage zeroes out the flow fields together.
		assert.Nil(t, obs.CongestionLevel)
		assert.Nil(t, obs.SpeedKmh)
		assert.Nil(t, obs.FreeFlowSpeedKmh)
	}

	// Both flow and incidents count as outbound requests.
	assert.Equal(t, int64(2), emu.Stats().HTTPRequests)
	assert.Equal(t, int64(1), emu.Stats().TrafficQueries)
}

func TestEmulatorTrafficForecast(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "forecast", ForecastWindowHours: 6, ForecastStepMin: 60})
	origin := geo.Point{Lat: 40.0, Lng: -3.0}
	dest := geo.Point{Lat: 40.5, Lng: -3.5}

	forecast, err := emu.FetchTrafficForecast(context.Background(), origin, dest, fixedTime(t, "2025-06-02T06:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "forecasted", forecast.Status)
	assert.Equal(t, "here_routing_v8", forecast.Source)
	assert.Equal(t, 7, forecast.EvaluatedSlots) // inclusive window endpoints
	require.NotNil(t, forecast.WorstCaseDelayRatio)
	assert.GreaterOrEqual(t, *forecast.WorstCaseDelayRatio, 1.0)
	assert.LessOrEqual(t, len(forecast.WorstSlots), 6)

	for _, slot := range forecast.WorstSlots {
		assert.GreaterOrEqual(t, slot.DelayRatio, 1.0)
		assert.GreaterOrEqual(t, slot.DelaySeconds, 0)
		assert.Equal(t, slot.DurationSeconds-slot.BaseDurationSeconds, slot.DelaySeconds)
	}
}

func TestEmulatorTrafficForecastInvalidCoordinates(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{Seed: "invalid"})
	forecast, err := emu.FetchTrafficForecast(context.Background(),
		geo.Point{Lat: 200, Lng: 0}, geo.Point{Lat: 40, Lng: -3}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", forecast.Status)
	assert.Equal(t, 0, forecast.EvaluatedSlots)
	assert.Empty(t, forecast.WorstSlots)
}

func TestEmulatorOptionFloors(t *testing.T) {
	emu := NewEmulator(EmulatorOptions{
		TimeoutSec:          1,
		TrafficRadiusM:      10,
		ForecastWindowHours: -2,
		ForecastStepMin:     5,
		Seed:                "floors",
	})
	assert.Equal(t, 3, emu.timeoutSec)
	assert.Equal(t, 50, emu.trafficRadiusM)
	assert.Equal(t, DefaultForecastWindowHours, emu.forecastWindowHours)
	assert.Equal(t, 30, emu.forecastStepMin)
}
