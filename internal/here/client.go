package here

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/httpclient"
	"github.com/richxcame/fleet-routing/pkg/logger"
	"github.com/richxcame/fleet-routing/pkg/metrics"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
	"go.uber.org/zap"
)

const (
	defaultWeatherBaseURL = "https://weather.hereapi.com"
	defaultTrafficBaseURL = "https://data.traffic.hereapi.com"
	defaultRouterBaseURL  = "https://router.hereapi.com"
)

// Client is the live platform variant: weather v3, traffic v7 flow and
// incidents, and the router v8 probed per departure slot for forecasts.
type Client struct {
	apiKey              string
	trafficRadiusM      int
	forecastWindowHours int
	forecastStepMin     int

	weatherHTTP *httpclient.Client
	trafficHTTP *httpclient.Client
	routerHTTP  *httpclient.Client

	httpCache    *cache
	weatherCache *cache
	trafficCache *cache
	routingCache *cache
	counters     statsCounters

	now func() time.Time
}

// ClientOptions configures the live client. Base URL overrides exist for
// tests; zero tuning values fall back to defaults.
type ClientOptions struct {
	APIKey              string
	TimeoutSec          int
	TrafficRadiusM      int
	ForecastWindowHours int
	ForecastStepMin     int

	WeatherBaseURL string
	TrafficBaseURL string
	RouterBaseURL  string
}

// NewClient builds a live client, clamping options to their floors.
func NewClient(opts ClientOptions) *Client {
	timeout := time.Duration(maxInt(3, orDefault(opts.TimeoutSec, DefaultTimeoutSec))) * time.Second
	newHTTP := func(base, fallback string) *httpclient.Client {
		if base == "" {
			base = fallback
		}
		return httpclient.NewClient(base, timeout, httpclient.WithProviderRetry())
	}

	return &Client{
		apiKey:              opts.APIKey,
		trafficRadiusM:      maxInt(50, orDefault(opts.TrafficRadiusM, DefaultTrafficRadiusM)),
		forecastWindowHours: maxInt(1, orDefault(opts.ForecastWindowHours, DefaultForecastWindowHours)),
		forecastStepMin:     maxInt(30, orDefault(opts.ForecastStepMin, DefaultForecastStepMin)),
		weatherHTTP:         newHTTP(opts.WeatherBaseURL, defaultWeatherBaseURL),
		trafficHTTP:         newHTTP(opts.TrafficBaseURL, defaultTrafficBaseURL),
		routerHTTP:          newHTTP(opts.RouterBaseURL, defaultRouterBaseURL),
		httpCache:           newCache(),
		weatherCache:        newCache(),
		trafficCache:        newCache(),
		routingCache:        newCache(),
		now:                 time.Now,
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return c.counters.snapshot(false)
}

// getJSON fetches a payload, deduplicating identical URLs through the HTTP
// cache. keyParam names the API-key query parameter; empty means the caller
// already embedded the key.
func (c *Client) getJSON(ctx context.Context, client *httpclient.Client, path string, params url.Values, keyParam string) (map[string]interface{}, error) {
	if keyParam != "" && params.Get(keyParam) == "" {
		params.Set(keyParam, c.apiKey)
	}
	cacheKey := path + "?" + params.Encode()

	value, err := c.httpCache.getOrFill(cacheKey, &c.counters.cacheHits, func() (interface{}, error) {
		metrics.RecordProviderRequest("here", path)
		body, err := client.GetWithQuery(ctx, path, params, nil)
		if err != nil {
			c.counters.errors.Add(1)
			return nil, &ProviderError{Endpoint: path, Reason: err.Error()}
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			c.counters.errors.Add(1)
			return nil, &ProviderError{Endpoint: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}

		c.counters.httpRequests.Add(1)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]interface{}), nil
}

// FetchWeather queries the weather report at a point and assembles the
// realtime observation plus the hourly forecast inside the window.
func (c *Client) FetchWeather(ctx context.Context, point geo.Point, referenceTime time.Time) (*WeatherBundle, error) {
	if referenceTime.IsZero() {
		referenceTime = c.now()
	}
	reference := referenceTime.UTC()
	key := fmt.Sprintf("%.4f|%.4f|%s", point.Lat, point.Lng, timeutil.HourBucket(reference).Format(time.RFC3339))

	value, err := c.weatherCache.getOrFill(key, &c.counters.cacheHits, func() (interface{}, error) {
		params := url.Values{}
		params.Set("products", "observation,forecastHourly")
		params.Set("location", fmt.Sprintf("%.6f,%.6f", point.Lat, point.Lng))
		params.Set("units", "metric")

		payload, err := c.getJSON(ctx, c.weatherHTTP, "/v3/report", params, "apiKey")
		if err != nil {
			return nil, err
		}
		c.counters.weatherQueries.Add(1)

		bundle := &WeatherBundle{
			Realtime:    c.parseRealtimeWeather(payload),
			Forecast24h: c.parseWeatherForecast(payload, reference),
		}
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*WeatherBundle), nil
}

func (c *Client) parseRealtimeWeather(payload map[string]interface{}) WeatherRealtime {
	observation := extractWeatherObservation(payload)
	if observation == nil {
		return WeatherRealtime{Status: "unknown", Source: "here_weather_v3"}
	}

	realtime := WeatherRealtime{
		Status: "observed",
		Source: "here_weather_v3",
		TemperatureC: pickNumber(observation,
			[]string{"temperature", "temp", "airTemperature", "temperature.value"}),
		PrecipitationMm: pickNumber(observation,
			[]string{"precipitation", "precipitationAmount", "rainfall", "rain", "snowfall"}),
		WindKph: pickWindKph(observation),
		Condition: pickString(observation,
			[]string{"description", "condition", "iconName", "daySegment", "phrase"}),
	}
	if observedAt := parseTimeValue(stringOrNil(pickString(observation,
		[]string{"utcTime", "time", "observationTime", "validFrom"}))); observedAt != nil {
		realtime.ObservedAtUTC = strPtr(timeutil.FormatISOZ(*observedAt))
	}
	return realtime
}

func (c *Client) parseWeatherForecast(payload map[string]interface{}, reference time.Time) WeatherForecast {
	windowEnd := reference.Add(time.Duration(c.forecastWindowHours) * time.Hour)

	var slots []WeatherSlot
	worstScore := math.Inf(-1)
	for _, entry := range extractWeatherForecastEntries(payload) {
		slotStart := parseTimeValue(stringOrNil(pickString(entry,
			[]string{"utcTime", "time", "startTime", "validFrom"})))
		if slotStart == nil || slotStart.Before(reference) || slotStart.After(windowEnd) {
			continue
		}

		slotEnd := parseTimeValue(stringOrNil(pickString(entry, []string{"endTime", "validTo"})))
		if slotEnd == nil {
			end := slotStart.Add(time.Hour)
			slotEnd = &end
		}

		windKph := pickWindKph(entry)
		precipitationMm := pickNumber(entry,
			[]string{"precipitation", "precipitationAmount", "rainfall", "rain", "snowfall"})
		precipitationProbability := pickNumber(entry,
			[]string{"precipitationProbability", "rainProbability", "pop"})
		condition := pickString(entry,
			[]string{"description", "condition", "iconName", "daySegment", "phrase"})
		severity := WeatherSeverityScore(condition, precipitationMm, windKph, precipitationProbability)
		if severity > worstScore {
			worstScore = severity
		}

		slots = append(slots, WeatherSlot{
			StartUTC: timeutil.FormatISOZ(*slotStart),
			EndUTC:   timeutil.FormatISOZ(*slotEnd),
			TemperatureC: pickNumber(entry,
				[]string{"temperature", "temp", "airTemperature", "temperature.value"}),
			PrecipitationMm:          precipitationMm,
			PrecipitationProbability: precipitationProbability,
			WindKph:                  windKph,
			Condition:                condition,
			SeverityScore:            severity,
		})
	}

	if len(slots) == 0 {
		return WeatherForecast{
			Status:      "unknown",
			Source:      "here_weather_v3",
			WindowHours: c.forecastWindowHours,
			WorstSlots:  []WeatherSlot{},
		}
	}
	return WeatherForecast{
		Status:         "forecasted",
		Source:         "here_weather_v3",
		WindowHours:    c.forecastWindowHours,
		IntervalMin:    intPtr(c.forecastStepMin),
		WorstCaseScore: floatPtr(round3(worstScore)),
		WorstSlots:     worstWeatherSlots(slots, worstScore),
		EvaluatedSlots: len(slots),
	}
}

// FetchTrafficStatus combines the flow and incidents feeds around a point.
func (c *Client) FetchTrafficStatus(ctx context.Context, point geo.Point) (*TrafficObservation, error) {
	key := fmt.Sprintf("%.4f|%.4f|%d", point.Lat, point.Lng, c.trafficRadiusM)

	value, err := c.trafficCache.getOrFill(key, &c.counters.cacheHits, func() (interface{}, error) {
		inFilter := fmt.Sprintf("circle:%.6f,%.6f;r=%d", point.Lat, point.Lng, c.trafficRadiusM)

		flowParams := url.Values{}
		flowParams.Set("in", inFilter)
		flowParams.Set("locationReferencing", "shape")
		flowPayload, err := c.getJSON(ctx, c.trafficHTTP, "/v7/flow", flowParams, "apiKey")
		if err != nil {
			return nil, err
		}

		incidentParams := url.Values{}
		incidentParams.Set("in", inFilter)
		incidentParams.Set("locationReferencing", "shape")
		incidentsPayload, err := c.getJSON(ctx, c.trafficHTTP, "/v7/incidents", incidentParams, "apiKey")
		if err != nil {
			return nil, err
		}
		c.counters.trafficQueries.Add(1)

		currentFlow := firstFlowRow(flowPayload)
		jamFactor := pickNumber(currentFlow, []string{"jamFactor"})
		speedKmh := pickNumber(currentFlow, []string{"speed"})
		freeFlowSpeedKmh := pickNumber(currentFlow, []string{"freeFlow"})
		if jamFactor == nil {
			jamFactor = DeriveJamFactor(speedKmh, freeFlowSpeedKmh)
		}
		if jamFactor != nil {
			jamFactor = floatPtr(round3(*jamFactor))
		}

		incidentCount := 0
		if incidents, ok := incidentsPayload["results"].([]interface{}); ok {
			incidentCount = len(incidents)
		}

		observedAt := parseTimeValue(flowPayload["sourceUpdated"])
		if observedAt == nil {
			now := c.now().UTC()
			observedAt = &now
		}

		obs := &TrafficObservation{
			Status:           "observed",
			Source:           "here_traffic_v7",
			CongestionLevel:  CongestionLevel(jamFactor),
			SpeedKmh:         speedKmh,
			FreeFlowSpeedKmh: freeFlowSpeedKmh,
			JamFactor:        jamFactor,
			Confidence:       pickNumber(currentFlow, []string{"confidence"}),
			IncidentCount:    incidentCount,
			ObservedAtUTC:    strPtr(timeutil.FormatISOZ(*observedAt)),
			AreaRadiusM:      c.trafficRadiusM,
		}
		return obs, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*TrafficObservation), nil
}

type routeSummary struct {
	durationSeconds     int
	baseDurationSeconds int
}

func (c *Client) fetchRouteSummary(ctx context.Context, origin, destination geo.Point, departure time.Time) (*routeSummary, error) {
	departure = departure.UTC().Truncate(time.Second)
	key := fmt.Sprintf("%.5f|%.5f|%.5f|%.5f|%s",
		origin.Lat, origin.Lng, destination.Lat, destination.Lng, departure.Format(time.RFC3339))

	value, err := c.routingCache.getOrFill(key, &c.counters.cacheHits, func() (interface{}, error) {
		params := url.Values{}
		params.Set("transportMode", "car")
		params.Set("origin", fmt.Sprintf("%.6f,%.6f", origin.Lat, origin.Lng))
		params.Set("destination", fmt.Sprintf("%.6f,%.6f", destination.Lat, destination.Lng))
		params.Set("return", "summary")
		params.Set("departureTime", timeutil.FormatISOZ(departure))
		params.Set("apikey", c.apiKey)

		payload, err := c.getJSON(ctx, c.routerHTTP, "/v8/routes", params, "")
		if err != nil {
			return nil, err
		}
		c.counters.routingQueries.Add(1)

		summary, ok := firstPath(payload, [][]interface{}{
			{"routes", 0, "sections", 0, "summary"},
		}).(map[string]interface{})
		if !ok {
			return (*routeSummary)(nil), nil
		}

		duration := pickNumber(summary, []string{"duration"})
		baseDuration := pickNumber(summary, []string{"baseDuration"})
		if duration == nil || baseDuration == nil || *baseDuration <= 0 {
			return (*routeSummary)(nil), nil
		}
		return &routeSummary{
			durationSeconds:     int(*duration),
			baseDurationSeconds: int(*baseDuration),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*routeSummary), nil
}

// FetchTrafficForecast probes the router once per departure slot across the
// forecast window and summarizes the delay ratios.
func (c *Client) FetchTrafficForecast(ctx context.Context, origin, destination geo.Point, referenceTime time.Time) (*TrafficForecast, error) {
	if referenceTime.IsZero() {
		referenceTime = c.now()
	}
	reference := timeutil.HourBucket(referenceTime)

	var slots []ForecastSlot
	end := reference.Add(time.Duration(c.forecastWindowHours) * time.Hour)
	for current := reference; !current.After(end); current = current.Add(time.Duration(c.forecastStepMin) * time.Minute) {
		summary, err := c.fetchRouteSummary(ctx, origin, destination, current)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			logger.Debug("route summary missing for departure slot",
				zap.String("departure", timeutil.FormatISOZ(current)))
			continue
		}

		delaySeconds := maxInt(0, summary.durationSeconds-summary.baseDurationSeconds)
		slots = append(slots, ForecastSlot{
			DepartureUTC:        timeutil.FormatISOZ(current),
			DurationSeconds:     summary.durationSeconds,
			BaseDurationSeconds: summary.baseDurationSeconds,
			DelaySeconds:        delaySeconds,
			DelayRatio:          round4(float64(summary.durationSeconds) / float64(summary.baseDurationSeconds)),
		})
	}

	return summarizeTrafficSlots(slots, c.forecastWindowHours, c.forecastStepMin), nil
}

func extractWeatherObservation(payload map[string]interface{}) map[string]interface{} {
	candidate := firstPath(payload, [][]interface{}{
		{"places", 0, "observations", 0},
		{"places", 0, "observation", 0},
		{"places", 0, "observation"},
		{"observations", 0},
		{"observation", 0},
		{"observation"},
	})
	if m, ok := candidate.(map[string]interface{}); ok {
		return m
	}

	var found map[string]interface{}
	walkMaps(payload, func(item map[string]interface{}) bool {
		if pickNumber(item, []string{"temperature", "temp", "airTemperature"}) == nil {
			return true
		}
		if pickString(item, []string{"utcTime", "time", "observationTime", "validFrom"}) == nil {
			return true
		}
		found = item
		return false
	})
	return found
}

func extractWeatherForecastEntries(payload map[string]interface{}) []map[string]interface{} {
	candidate := firstPath(payload, [][]interface{}{
		{"places", 0, "forecastHourly"},
		{"places", 0, "hourlyForecasts"},
		{"forecastHourly"},
		{"hourlyForecasts"},
		{"forecasts", "hourly"},
	})
	if list, ok := candidate.([]interface{}); ok {
		entries := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				entries = append(entries, m)
			}
		}
		return entries
	}

	var entries []map[string]interface{}
	walkMaps(payload, func(item map[string]interface{}) bool {
		if pickString(item, []string{"utcTime", "time", "startTime", "validFrom"}) == nil {
			return true
		}
		hasWeatherValue := pickNumber(item, []string{"temperature", "temp", "airTemperature"}) != nil ||
			pickNumber(item, []string{"precipitation", "rain", "snowfall"}) != nil ||
			pickNumber(item, []string{"windSpeed", "wind.speed"}) != nil ||
			pickString(item, []string{"description", "condition", "iconName"}) != nil
		if hasWeatherValue {
			entries = append(entries, item)
		}
		return true
	})
	return entries
}

// pickWindKph normalizes wind speed to km/h, converting m/s keys when the
// km/h variants are absent.
func pickWindKph(item map[string]interface{}) *float64 {
	if kph := pickNumber(item, []string{"windSpeedKph", "wind.speedKph", "windSpeedKmH"}); kph != nil {
		return kph
	}
	if mps := pickNumber(item, []string{"windSpeedMps", "wind.speedMps"}); mps != nil {
		return floatPtr(round3(*mps * 3.6))
	}
	return pickNumber(item, []string{"windSpeed", "wind.speed", "wind"})
}

func firstFlowRow(flowPayload map[string]interface{}) map[string]interface{} {
	if flow, ok := firstPath(flowPayload, [][]interface{}{
		{"results", 0, "currentFlow"},
	}).(map[string]interface{}); ok {
		return flow
	}
	return map[string]interface{}{}
}

func stringOrNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
