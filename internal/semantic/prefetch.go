package semantic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richxcame/fleet-routing/internal/here"
	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
)

// PrefetchProviderData runs the provider pass before the solve when the
// pipeline mode asks for it. Fetched conditions land in the config's
// observation arrays, so the post-solve enrichment matches them exactly
// like caller-supplied observations, and the per-segment provider calls
// stay off. Returns the here_prefetch report, or nil when the mode does
// not apply.
func PrefetchProviderData(ctx context.Context, cfg *Config, depot vrp.Stop, customers []vrp.Stop, provider here.Provider, now func() time.Time) map[string]interface{} {
	if cfg.HerePipelineMode != "before_vrp" {
		return nil
	}
	if now == nil {
		now = time.Now
	}

	report := map[string]interface{}{
		"status": "disabled",
		"mode":   "before_vrp",
	}
	if !cfg.UseHerePlatform {
		report["error"] = "use_here_platform is false"
		return report
	}
	if !cfg.HereEnabled || provider == nil {
		report["error"] = "API key not set"
		return report
	}

	refTime := now().UTC()
	if cfg.DepartureTime != nil {
		refTime = *cfg.DepartureTime
	}

	points := make([]vrp.Stop, 0, len(customers)+1)
	points = append(points, depot)
	points = append(points, customers...)

	var mu sync.Mutex
	var weatherObs, trafficObs []Observation
	var forecasts []map[string]interface{}
	var errs []string

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(poolSize())

	for _, stop := range points {
		stop := stop
		point := stop.Point()
		if !point.Valid() {
			continue
		}
		group.Go(func() error {
			bundle, err := provider.FetchWeather(groupCtx, point, refTime)
			obs, traffErr := provider.FetchTrafficStatus(groupCtx, point)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("weather prefetch failed at %s: %v", point.Key(), err))
			} else if bundle != nil {
				weatherObs = append(weatherObs, weatherObservation(point, bundle, refTime))
			}
			if traffErr != nil {
				errs = append(errs, fmt.Sprintf("traffic prefetch failed at %s: %v", point.Key(), traffErr))
			} else if obs != nil {
				trafficObs = append(trafficObs, trafficObservation(point, obs, refTime))
			}
			return nil
		})
	}

	for _, customer := range customers {
		customer := customer
		dest := customer.Point()
		if !dest.Valid() || !depot.Point().Valid() {
			continue
		}
		group.Go(func() error {
			forecast, err := provider.FetchTrafficForecast(groupCtx, depot.Point(), dest, refTime)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("traffic forecast prefetch failed (%s->%s): %v", depot.Point().Key(), dest.Key(), err))
				return nil
			}
			forecasts = append(forecasts, map[string]interface{}{
				"customer_id": customer.ID,
				"destination": map[string]float64{"lat": dest.Lat, "lng": dest.Lng},
				"forecast":    toJSONMap(forecast),
			})
			return nil
		})
	}
	_ = group.Wait()

	cfg.WeatherObservations = append(cfg.WeatherObservations, weatherObs...)
	cfg.TrafficObservations = append(cfg.TrafficObservations, trafficObs...)

	report["status"] = "ok"
	if len(errs) > 0 {
		report["status"] = "partial"
	}
	report["weather_points"] = len(weatherObs)
	report["traffic_points"] = len(trafficObs)
	report["traffic_forecasts"] = forecasts
	report["errors"] = capStrings(errs, 40)
	report["stats"] = toJSONMap(provider.Stats())
	return report
}

func weatherObservation(point geo.Point, bundle *here.WeatherBundle, refTime time.Time) Observation {
	realtime := bundle.Realtime
	observedAt := timeutil.FormatISOZ(refTime)
	if realtime.ObservedAtUTC != nil {
		observedAt = *realtime.ObservedAtUTC
	}
	raw := map[string]interface{}{
		"lat":              point.Lat,
		"lng":              point.Lng,
		"time_utc":         observedAt,
		"source":           realtime.Source,
		"temperature_c":    floatOrNil(realtime.TemperatureC),
		"precipitation_mm": floatOrNil(realtime.PrecipitationMm),
		"wind_kph":         floatOrNil(realtime.WindKph),
		"condition":        stringOrNil(realtime.Condition),
		"forecast_24h":     toJSONMap(bundle.Forecast24h),
	}
	parsed, _ := timeutil.ParseUTC(observedAt)
	return Observation{Raw: raw, Point: point, Time: &parsed}
}

func trafficObservation(point geo.Point, obs *here.TrafficObservation, refTime time.Time) Observation {
	observedAt := timeutil.FormatISOZ(refTime)
	if obs.ObservedAtUTC != nil {
		observedAt = *obs.ObservedAtUTC
	}
	raw := map[string]interface{}{
		"lat":              point.Lat,
		"lng":              point.Lng,
		"time_utc":         observedAt,
		"source":           obs.Source,
		"congestion_level": stringOrNil(obs.CongestionLevel),
		"speed_kmh":        floatOrNil(obs.SpeedKmh),
		"incident_count":   obs.IncidentCount,
	}
	parsed, _ := timeutil.ParseUTC(observedAt)
	return Observation{Raw: raw, Point: point, Time: &parsed}
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
