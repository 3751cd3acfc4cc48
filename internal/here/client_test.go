package here

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFetchWeatherParsesReport(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/v3/report", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		fmt.Fprint(w, `{
			"places": [{
				"observations": [{
					"temperature": 21.5,
					"windSpeedMps": 5.0,
					"precipitation": 0.4,
					"description": "Partly cloudy",
					"utcTime": "2025-06-01T08:00:00Z"
				}],
				"forecastHourly": [
					{"utcTime": "2025-06-01T09:00:00Z", "temperature": 22.0, "precipitation": 1.2,
					 "precipitationProbability": 60, "windSpeed": 12.0, "description": "Rain"},
					{"utcTime": "2025-06-01T10:00:00Z", "temperature": 23.0,
					 "precipitationProbability": 10, "windSpeed": 8.0, "description": "Sunny"}
				]
			}]
		}`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{APIKey: "test-key", WeatherBaseURL: server.URL})
	ref := fixedTime(t, "2025-06-01T08:00:00Z")

	bundle, err := client.FetchWeather(context.Background(), geo.Point{Lat: 40, Lng: -3}, ref)
	require.NoError(t, err)

	realtime := bundle.Realtime
	assert.Equal(t, "observed", realtime.Status)
	require.NotNil(t, realtime.TemperatureC)
	assert.Equal(t, 21.5, *realtime.TemperatureC)
	// Wind arrives in m/s and must be normalized to km/h.
	require.NotNil(t, realtime.WindKph)
	assert.InDelta(t, 18.0, *realtime.WindKph, 0.001)
	require.NotNil(t, realtime.ObservedAtUTC)
	assert.Equal(t, "2025-06-01T08:00:00Z", *realtime.ObservedAtUTC)

	forecast := bundle.Forecast24h
	assert.Equal(t, "forecasted", forecast.Status)
	assert.Equal(t, 2, forecast.EvaluatedSlots)
	require.NotNil(t, forecast.WorstCaseScore)
	// The rain slot dominates: 1.2*1.8 + 0.6*2.5 + 3.0 = 6.66.
	assert.InDelta(t, 6.66, *forecast.WorstCaseScore, 0.001)
	require.Len(t, forecast.WorstSlots, 1)
	assert.Equal(t, "2025-06-01T09:00:00Z", forecast.WorstSlots[0].StartUTC)

	// Second call in the same hour bucket is a cache hit, no roundtrip.
	_, err = client.FetchWeather(context.Background(), geo.Point{Lat: 40, Lng: -3}, ref.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.HTTPRequests)
	assert.Equal(t, int64(1), stats.WeatherQueries)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.False(t, stats.Emulated)
}

func TestClientFetchWeatherUnknownWhenEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{APIKey: "k", WeatherBaseURL: server.URL})
	bundle, err := client.FetchWeather(context.Background(), geo.Point{Lat: 40, Lng: -3}, fixedTime(t, "2025-06-01T08:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "unknown", bundle.Realtime.Status)
	assert.Nil(t, bundle.Realtime.TemperatureC)
	assert.Equal(t, "unknown", bundle.Forecast24h.Status)
	assert.Empty(t, bundle.Forecast24h.WorstSlots)
}

func TestClientFetchTrafficStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v7/flow":
			fmt.Fprint(w, `{
				"sourceUpdated": "2025-06-01T08:04:00Z",
				"results": [{"currentFlow": {"speed": 30.0, "freeFlow": 60.0, "confidence": 0.9}}]
			}`)
		case "/v7/incidents":
			fmt.Fprint(w, `{"results": [{}, {}, {}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(ClientOptions{APIKey: "k", TrafficBaseURL: server.URL})
	obs, err := client.FetchTrafficStatus(context.Background(), geo.Point{Lat: 40.4, Lng: -3.7})
	require.NoError(t, err)

	// Jam factor is derived from speeds when the feed omits it.
	require.NotNil(t, obs.JamFactor)
	assert.InDelta(t, 5.0, *obs.JamFactor, 0.001)
	require.NotNil(t, obs.CongestionLevel)
	assert.Equal(t, "medium", *obs.CongestionLevel)
	assert.Equal(t, 3, obs.IncidentCount)
	require.NotNil(t, obs.ObservedAtUTC)
	assert.Equal(t, "2025-06-01T08:04:00Z", *obs.ObservedAtUTC)
}

func TestClientFetchTrafficForecast(t *testing.T) {
	var routingCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routingCalls.Add(1)
		assert.Equal(t, "/v8/routes", r.URL.Path)
		assert.Equal(t, "car", r.URL.Query().Get("transportMode"))
		fmt.Fprint(w, `{"routes": [{"sections": [{"summary": {"duration": 1200, "baseDuration": 1000}}]}]}`)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		APIKey:              "k",
		RouterBaseURL:       server.URL,
		ForecastWindowHours: 4,
		ForecastStepMin:     120,
	})

	forecast, err := client.FetchTrafficForecast(context.Background(),
		geo.Point{Lat: 40, Lng: -3}, geo.Point{Lat: 40.5, Lng: -3.5}, fixedTime(t, "2025-06-01T06:15:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "forecasted", forecast.Status)
	assert.Equal(t, 3, forecast.EvaluatedSlots) // 06:00, 08:00, 10:00
	assert.Equal(t, int64(3), routingCalls.Load())
	require.NotNil(t, forecast.WorstCaseDelayRatio)
	assert.InDelta(t, 1.2, *forecast.WorstCaseDelayRatio, 0.0001)
	require.NotNil(t, forecast.WorstCaseDelaySeconds)
	assert.Equal(t, 200, *forecast.WorstCaseDelaySeconds)
}

func TestClientSurfacesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Non-retryable failure; the client must not spin on it.
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{APIKey: "bad", WeatherBaseURL: server.URL})
	_, err := client.FetchWeather(context.Background(), geo.Point{Lat: 40, Lng: -3}, fixedTime(t, "2025-06-01T08:00:00Z"))
	require.Error(t, err)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "/v3/report", providerErr.Endpoint)
	assert.Equal(t, int64(1), client.Stats().Errors)
}
