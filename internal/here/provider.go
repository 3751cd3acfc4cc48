// Package here talks to the HERE mobility platform, or to a deterministic
// emulator of it, through one capability surface: realtime weather with a
// 24h forecast, point traffic status, and origin-destination traffic
// forecasts.
package here

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Defaults shared by both provider variants.
const (
	DefaultTimeoutSec          = 12
	DefaultTrafficRadiusM      = 300
	DefaultForecastWindowHours = 24
	DefaultForecastStepMin     = 120
)

// Provider is the traffic/weather capability. Every method is idempotent
// for equal canonical arguments within one time bucket and serves repeats
// from an in-process cache.
type Provider interface {
	FetchWeather(ctx context.Context, point geo.Point, referenceTime time.Time) (*WeatherBundle, error)
	FetchTrafficStatus(ctx context.Context, point geo.Point) (*TrafficObservation, error)
	FetchTrafficForecast(ctx context.Context, origin, destination geo.Point, referenceTime time.Time) (*TrafficForecast, error)
	Stats() Stats
}

// WeatherRealtime is the current observation at a point.
type WeatherRealtime struct {
	Status          string   `json:"status"`
	Source          string   `json:"source"`
	TemperatureC    *float64 `json:"temperature_c"`
	PrecipitationMm *float64 `json:"precipitation_mm"`
	WindKph         *float64 `json:"wind_kph"`
	Condition       *string  `json:"condition"`
	ObservedAtUTC   *string  `json:"observed_at_utc"`
}

// WeatherSlot is one hourly forecast interval.
type WeatherSlot struct {
	StartUTC                 string   `json:"start_utc"`
	EndUTC                   string   `json:"end_utc"`
	TemperatureC             *float64 `json:"temperature_c"`
	PrecipitationMm          *float64 `json:"precipitation_mm"`
	PrecipitationProbability *float64 `json:"precipitation_probability"`
	WindKph                  *float64 `json:"wind_kph"`
	Condition                *string  `json:"condition"`
	SeverityScore            float64  `json:"severity_score"`
}

// WeatherForecast summarizes the forecast window with its worst-case slots.
type WeatherForecast struct {
	Status         string        `json:"status"`
	Source         string        `json:"source"`
	WindowHours    int           `json:"window_hours"`
	IntervalMin    *int          `json:"interval_min"`
	WorstCaseScore *float64      `json:"worst_case_score"`
	WorstSlots     []WeatherSlot `json:"worst_slots"`
	EvaluatedSlots int           `json:"evaluated_slots"`
}

// WeatherBundle pairs the realtime observation with the forecast window.
type WeatherBundle struct {
	Realtime    WeatherRealtime `json:"realtime"`
	Forecast24h WeatherForecast `json:"forecast_24h"`
}

// TrafficObservation is the flow/incident picture around a point.
type TrafficObservation struct {
	Status           string   `json:"status"`
	Source           string   `json:"source"`
	CongestionLevel  *string  `json:"congestion_level"`
	SpeedKmh         *float64 `json:"speed_kmh"`
	FreeFlowSpeedKmh *float64 `json:"free_flow_speed_kmh"`
	JamFactor        *float64 `json:"jam_factor"`
	Confidence       *float64 `json:"confidence"`
	IncidentCount    int      `json:"incident_count"`
	ObservedAtUTC    *string  `json:"observed_at_utc"`
	AreaRadiusM      int      `json:"area_radius_m"`
}

// ForecastSlot is one departure-time probe of the routing service.
type ForecastSlot struct {
	DepartureUTC        string  `json:"departure_utc"`
	DurationSeconds     int     `json:"duration_seconds"`
	BaseDurationSeconds int     `json:"base_duration_seconds"`
	DelaySeconds        int     `json:"delay_seconds"`
	DelayRatio          float64 `json:"delay_ratio"`
}

// TrafficForecast summarizes an origin-destination forecast window.
type TrafficForecast struct {
	Status                string         `json:"status"`
	Source                string         `json:"source"`
	WindowHours           int            `json:"window_hours"`
	IntervalMin           int            `json:"interval_min"`
	WorstCaseDelayRatio   *float64       `json:"worst_case_delay_ratio"`
	WorstCaseDelaySeconds *int           `json:"worst_case_delay_seconds"`
	WorstSlots            []ForecastSlot `json:"worst_slots"`
	EvaluatedSlots        int            `json:"evaluated_slots"`
}

// Stats is a snapshot of a provider's usage counters.
type Stats struct {
	CacheHits      int64 `json:"cache_hits"`
	HTTPRequests   int64 `json:"http_requests"`
	WeatherQueries int64 `json:"weather_queries"`
	TrafficQueries int64 `json:"traffic_queries"`
	RoutingQueries int64 `json:"routing_queries"`
	Errors         int64 `json:"errors"`
	Emulated       bool  `json:"emulated,omitempty"`
}

// ProviderError marks an exhausted call against one endpoint.
type ProviderError struct {
	Endpoint string
	Reason   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("HERE request failed for %s: %s", e.Endpoint, e.Reason)
}

// statsCounters accumulates usage counters with atomic increments.
type statsCounters struct {
	cacheHits      atomic.Int64
	httpRequests   atomic.Int64
	weatherQueries atomic.Int64
	trafficQueries atomic.Int64
	routingQueries atomic.Int64
	errors         atomic.Int64
}

func (s *statsCounters) snapshot(emulated bool) Stats {
	return Stats{
		CacheHits:      s.cacheHits.Load(),
		HTTPRequests:   s.httpRequests.Load(),
		WeatherQueries: s.weatherQueries.Load(),
		TrafficQueries: s.trafficQueries.Load(),
		RoutingQueries: s.routingQueries.Load(),
		Errors:         s.errors.Load(),
		Emulated:       emulated,
	}
}

// cache is a content-addressed store with single-flight fill: concurrent
// misses for one key coalesce into a single underlying fetch.
type cache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
	group   singleflight.Group
}

func newCache() *cache {
	return &cache{entries: make(map[string]interface{})}
}

// getOrFill returns the cached value for key, counting a hit, or runs fill
// exactly once across concurrent callers and stores its result.
func (c *cache) getOrFill(key string, hits *atomic.Int64, fill func() (interface{}, error)) (interface{}, error) {
	c.mu.RLock()
	value, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		hits.Add(1)
		metrics.RecordProviderCacheHit("here")
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			hits.Add(1)
			return cached, nil
		}

		filled, err := fill()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = filled
		c.mu.Unlock()
		return filled, nil
	})
	return value, err
}
