package semantic

import (
	"math"
	"time"

	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
)

// timeOffsetNormalizerMin converts a temporal offset into distance-equivalent
// score units when matching observations to segments.
const timeOffsetNormalizerMin = 90.0

// Segment is one leg of a route with its ETA bookkeeping.
type Segment struct {
	Index        int
	FromStopID   interface{}
	ToStopID     interface{}
	DistanceKm   float64
	CumulativeKm float64
	EtaMin       float64
	EtaUTC       *time.Time
	Start        geo.Point
	End          geo.Point
	Midpoint     geo.Point
}

// BuildSegments derives the consecutive legs of a route. ETAs accumulate
// from the departure time at the configured average speed; without a
// departure the UTC stamps stay nil while the elapsed minutes still advance.
func BuildSegments(stops []vrp.Stop, avgSpeedKmh float64, departure *time.Time) []Segment {
	if len(stops) < 2 {
		return nil
	}

	segments := make([]Segment, 0, len(stops)-1)
	cumulative := 0.0
	elapsedMin := 0.0
	for i := 0; i < len(stops)-1; i++ {
		from, to := stops[i], stops[i+1]
		start, end := from.Point(), to.Point()
		distance := geo.Haversine(start, end)
		cumulative += distance
		elapsedMin += distance / avgSpeedKmh * 60

		segment := Segment{
			Index:        i,
			FromStopID:   from.ID,
			ToStopID:     to.ID,
			DistanceKm:   distance,
			CumulativeKm: cumulative,
			EtaMin:       elapsedMin,
			Start:        start,
			End:          end,
			Midpoint:     geo.Midpoint(start, end),
		}
		if departure != nil {
			eta := departure.Add(time.Duration(elapsedMin * float64(time.Minute)))
			segment.EtaUTC = &eta
		}
		segments = append(segments, segment)
	}
	return segments
}

// ReferenceTime picks the timestamp provider calls should anchor on.
func (s Segment) ReferenceTime(departure *time.Time, now func() time.Time) time.Time {
	if s.EtaUTC != nil {
		return *s.EtaUTC
	}
	if departure != nil {
		return *departure
	}
	return now().UTC()
}

// matchObservation finds the observation closest to the segment midpoint in
// combined space and time. Temporal distance only contributes when both the
// observation and the segment carry a timestamp.
func matchObservation(midpoint geo.Point, target *time.Time, observations []Observation) (*Observation, float64, float64) {
	var best *Observation
	bestScore := math.Inf(1)
	bestDist := 0.0
	bestOffset := 0.0

	for i := range observations {
		obs := &observations[i]
		dist := geo.Haversine(midpoint, obs.Point)
		offset := 0.0
		if target != nil && obs.Time != nil {
			offset = math.Abs(target.Sub(*obs.Time).Minutes())
		}
		score := dist + offset/timeOffsetNormalizerMin
		if score < bestScore {
			best = obs
			bestScore = score
			bestDist = dist
			bestOffset = offset
		}
	}
	return best, bestDist, bestOffset
}

// formatWeatherContext shapes a matched caller observation into the segment
// weather block.
func formatWeatherContext(obs *Observation, distKm, offsetMin float64) map[string]interface{} {
	ctx := map[string]interface{}{
		"status":                 "observed",
		"source":                 rawOrDefault(obs.Raw, "source", "external_weather_feed"),
		"temperature_c":          obs.Raw["temperature_c"],
		"precipitation_mm":       obs.Raw["precipitation_mm"],
		"wind_kph":               obs.Raw["wind_kph"],
		"condition":              obs.Raw["condition"],
		"observed_at_utc":        obs.Raw["time_utc"],
		"distance_km_to_segment": round3(distKm),
		"time_offset_min":        round1(offsetMin),
	}
	if forecast, ok := obs.Raw["forecast_24h"].(map[string]interface{}); ok {
		ctx["forecast_24h"] = forecast
	}
	return ctx
}

// formatTrafficContext shapes a matched caller observation into the segment
// traffic block.
func formatTrafficContext(obs *Observation, distKm, offsetMin float64) map[string]interface{} {
	return map[string]interface{}{
		"status":                 "observed",
		"source":                 rawOrDefault(obs.Raw, "source", "external_traffic_feed"),
		"congestion_level":       obs.Raw["congestion_level"],
		"speed_kmh":              obs.Raw["speed_kmh"],
		"incident_count":         obs.Raw["incident_count"],
		"observed_at_utc":        obs.Raw["time_utc"],
		"distance_km_to_segment": round3(distKm),
		"time_offset_min":        round1(offsetMin),
	}
}

func unknownWeatherContext() map[string]interface{} {
	return map[string]interface{}{
		"status":                 "unknown",
		"source":                 "not_provided",
		"temperature_c":          nil,
		"precipitation_mm":       nil,
		"wind_kph":               nil,
		"condition":              nil,
		"observed_at_utc":        nil,
		"distance_km_to_segment": nil,
		"time_offset_min":        nil,
	}
}

func unknownTrafficContext() map[string]interface{} {
	return map[string]interface{}{
		"status":                 "unknown",
		"source":                 "not_provided",
		"congestion_level":       nil,
		"speed_kmh":              nil,
		"incident_count":         nil,
		"observed_at_utc":        nil,
		"distance_km_to_segment": nil,
		"time_offset_min":        nil,
	}
}

func unknownWeatherForecast(source string, windowHours, intervalMin int) map[string]interface{} {
	return map[string]interface{}{
		"status":           "unknown",
		"source":           source,
		"window_hours":     windowHours,
		"interval_min":     intervalMin,
		"worst_case_score": nil,
		"worst_slots":      []interface{}{},
		"evaluated_slots":  0,
	}
}

func unknownTrafficForecast(source string, windowHours, intervalMin int) map[string]interface{} {
	return map[string]interface{}{
		"status":                   "unknown",
		"source":                   source,
		"window_hours":             windowHours,
		"interval_min":             intervalMin,
		"worst_case_delay_ratio":   nil,
		"worst_case_delay_seconds": nil,
		"worst_slots":              []interface{}{},
		"evaluated_slots":          0,
	}
}

func rawOrDefault(raw map[string]interface{}, key, fallback string) interface{} {
	if value, ok := raw[key]; ok && value != nil {
		return value
	}
	return fallback
}

func formatEta(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := timeutil.FormatISOZ(*t)
	return &formatted
}
