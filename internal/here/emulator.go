package here

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
)

// DefaultEmulatorSeed is used when the payload does not pin a seed.
const DefaultEmulatorSeed = "here-emulator-v1"

// Emulator is the deterministic stand-in for the live platform. Every
// response is a pure function of the seed, the canonicalized arguments and
// the time bucket, so repeated solves with one seed are byte-identical.
type Emulator struct {
	timeoutSec          int
	trafficRadiusM      int
	forecastWindowHours int
	forecastStepMin     int
	seed                string

	weatherCache *cache
	trafficCache *cache
	routingCache *cache
	counters     statsCounters

	now func() time.Time
}

// EmulatorOptions tunes the emulator; zero values fall back to defaults.
type EmulatorOptions struct {
	TimeoutSec          int
	TrafficRadiusM      int
	ForecastWindowHours int
	ForecastStepMin     int
	Seed                string
}

// NewEmulator builds an emulator, clamping options to their floors.
func NewEmulator(opts EmulatorOptions) *Emulator {
	seed := opts.Seed
	if seed == "" {
		seed = DefaultEmulatorSeed
	}
	return &Emulator{
		timeoutSec:          maxInt(3, orDefault(opts.TimeoutSec, DefaultTimeoutSec)),
		trafficRadiusM:      maxInt(50, orDefault(opts.TrafficRadiusM, DefaultTrafficRadiusM)),
		forecastWindowHours: maxInt(1, orDefault(opts.ForecastWindowHours, DefaultForecastWindowHours)),
		forecastStepMin:     maxInt(30, orDefault(opts.ForecastStepMin, DefaultForecastStepMin)),
		seed:                seed,
		weatherCache:        newCache(),
		trafficCache:        newCache(),
		routingCache:        newCache(),
		now:                 time.Now,
	}
}

// Stats returns a snapshot of the emulator's counters.
func (e *Emulator) Stats() Stats {
	return e.counters.snapshot(true)
}

// rng derives a 64-bit seeded source from the emulator seed and the call's
// canonical parts.
func (e *Emulator) rng(parts ...interface{}) *rand.Rand {
	tokens := make([]string, 0, len(parts)+1)
	tokens = append(tokens, e.seed)
	for _, part := range parts {
		tokens = append(tokens, fmt.Sprint(part))
	}
	digest := sha256.Sum256([]byte(strings.Join(tokens, "|")))
	seed, _ := strconv.ParseUint(hex.EncodeToString(digest[:])[:16], 16, 64)
	return rand.New(rand.NewSource(int64(seed)))
}

type simulatedWeather struct {
	temperatureC             float64
	precipitationMm          *float64
	precipitationProbability float64
	windKph                  float64
	condition                string
}

func (e *Emulator) simulateWeatherAt(lat, lng float64, at time.Time) simulatedWeather {
	hour := float64(at.Hour())
	dayOfYear := float64(at.YearDay())
	rng := e.rng("weather", roundTo(lat, 3), roundTo(lng, 3), at.Format("2006010215"))

	seasonal := 14.0 + 9.0*math.Sin(2.0*math.Pi*(dayOfYear-170)/365.0)
	latAdjust := -math.Abs(lat-40.0) * 0.22
	diurnal := 5.8 * math.Sin(2.0*math.Pi*(hour-14)/24.0)
	tempC := seasonal + latAdjust + diurnal + uniform(rng, -1.8, 1.8)

	cloudiness := clamp01(0.45 + 0.30*math.Sin(2.0*math.Pi*(hour+3)/24.0) + uniform(rng, -0.25, 0.25))
	rainTrigger := math.Max(0, cloudiness-0.50) + uniform(rng, -0.15, 0.25)
	thunderProb := clamp01(rainTrigger - 0.55)

	var precipitation *float64
	if rainTrigger > 0.15 {
		mm := round2(math.Max(0, gammaSample(rng, 1.3, 1.4)*rainTrigger))
		if mm > 0 {
			precipitation = &mm
		}
	}

	probability := round2(clamp01(rainTrigger))
	windKph := round2(math.Max(0, 4.0+cloudiness*16.0+uniform(rng, -3.0, 10.0)))
	condition := strings.TrimSpace(conditionPhrase(cloudiness, precipitation, thunderProb) + " " + comfortPhrase(tempC))

	return simulatedWeather{
		temperatureC:             math.Round(tempC*10) / 10,
		precipitationMm:          precipitation,
		precipitationProbability: probability,
		windKph:                  windKph,
		condition:                condition,
	}
}

// FetchWeather simulates the observation plus hourly forecast window.
func (e *Emulator) FetchWeather(ctx context.Context, point geo.Point, referenceTime time.Time) (*WeatherBundle, error) {
	if referenceTime.IsZero() {
		referenceTime = e.now()
	}
	reference := timeutil.HourBucket(referenceTime)
	key := fmt.Sprintf("%.4f|%.4f|%s", point.Lat, point.Lng, reference.Format(time.RFC3339))

	value, err := e.weatherCache.getOrFill(key, &e.counters.cacheHits, func() (interface{}, error) {
		e.counters.weatherQueries.Add(1)
		e.counters.httpRequests.Add(1)

		observed := e.simulateWeatherAt(point.Lat, point.Lng, reference)
		realtime := WeatherRealtime{
			Status:          "observed",
			Source:          "here_weather_v3",
			TemperatureC:    floatPtr(observed.temperatureC),
			PrecipitationMm: observed.precipitationMm,
			WindKph:         floatPtr(observed.windKph),
			Condition:       strPtr(observed.condition),
			ObservedAtUTC:   strPtr(timeutil.FormatISOZ(reference)),
		}

		slots := make([]WeatherSlot, 0, e.forecastWindowHours)
		worstScore := math.Inf(-1)
		for hourIndex := 1; hourIndex <= e.forecastWindowHours; hourIndex++ {
			slotStart := reference.Add(time.Duration(hourIndex) * time.Hour)
			slotEnd := slotStart.Add(time.Hour)
			slot := e.simulateWeatherAt(point.Lat, point.Lng, slotStart)
			severity := WeatherSeverityScore(
				strPtr(slot.condition),
				slot.precipitationMm,
				floatPtr(slot.windKph),
				floatPtr(slot.precipitationProbability),
			)
			if severity > worstScore {
				worstScore = severity
			}
			slots = append(slots, WeatherSlot{
				StartUTC:                 timeutil.FormatISOZ(slotStart),
				EndUTC:                   timeutil.FormatISOZ(slotEnd),
				TemperatureC:             floatPtr(slot.temperatureC),
				PrecipitationMm:          slot.precipitationMm,
				PrecipitationProbability: floatPtr(slot.precipitationProbability),
				WindKph:                  floatPtr(slot.windKph),
				Condition:                strPtr(slot.condition),
				SeverityScore:            severity,
			})
		}

		bundle := &WeatherBundle{
			Realtime: realtime,
			Forecast24h: WeatherForecast{
				Status:         "forecasted",
				Source:         "here_weather_v3",
				WindowHours:    e.forecastWindowHours,
				IntervalMin:    intPtr(e.forecastStepMin),
				WorstCaseScore: floatPtr(round3(worstScore)),
				WorstSlots:     worstWeatherSlots(slots, worstScore),
				EvaluatedSlots: len(slots),
			},
		}
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*WeatherBundle), nil
}

// FetchTrafficStatus simulates rush-hour shaped congestion around a point.
// Roughly 30% of areas report sparse flow coverage, mirroring the live API.
func (e *Emulator) FetchTrafficStatus(ctx context.Context, point geo.Point) (*TrafficObservation, error) {
	bucket := timeutil.FiveMinuteBucket(e.now())
	key := fmt.Sprintf("%.4f|%.4f|%d|%s", point.Lat, point.Lng, e.trafficRadiusM, bucket.Format(time.RFC3339))

	value, err := e.trafficCache.getOrFill(key, &e.counters.cacheHits, func() (interface{}, error) {
		e.counters.trafficQueries.Add(1)
		e.counters.httpRequests.Add(2)

		rng := e.rng("traffic", roundTo(point.Lat, 3), roundTo(point.Lng, 3), e.trafficRadiusM, bucket.Format("200601021504"))
		hour := float64(bucket.Hour())
		rushWave := (math.Exp(-math.Pow((hour-8.0)/2.2, 2)) + math.Exp(-math.Pow((hour-17.5)/2.8, 2))) * 4.8
		jamFactor := math.Max(0, math.Min(10, round2(rushWave+uniform(rng, 0.0, 2.6))))

		freeFlowSpeed := uniform(rng, 22.0, 95.0)
		realizedRatio := math.Max(0.18, 1.0-(jamFactor/11.5)+uniform(rng, -0.06, 0.04))
		speed := freeFlowSpeed * realizedRatio
		confidence := round2(math.Min(0.99, math.Max(0.55, uniform(rng, 0.62, 0.98))))

		obs := &TrafficObservation{
			Status:        "observed",
			Source:        "here_traffic_v7",
			IncidentCount: int(math.Max(0, math.Round(jamFactor*0.25+uniform(rng, -1.0, 2.0)))),
			ObservedAtUTC: strPtr(timeutil.FormatISOZ(bucket)),
			AreaRadiusM:   e.trafficRadiusM,
		}

		sparseFlow := rng.Float64() < 0.30
		if !sparseFlow {
			obs.CongestionLevel = CongestionLevel(&jamFactor)
			obs.SpeedKmh = floatPtr(speed)
			obs.FreeFlowSpeedKmh = floatPtr(freeFlowSpeed)
			obs.JamFactor = floatPtr(jamFactor)
			obs.Confidence = floatPtr(confidence)
		}
		return obs, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*TrafficObservation), nil
}

// FetchTrafficForecast simulates per-departure delay ratios over the window.
// The base duration comes from haversine distance inflated by a road factor,
// at a speed damped for longer hauls.
func (e *Emulator) FetchTrafficForecast(ctx context.Context, origin, destination geo.Point, referenceTime time.Time) (*TrafficForecast, error) {
	if !origin.Valid() || !destination.Valid() {
		return unknownTrafficForecast(e.forecastWindowHours, e.forecastStepMin), nil
	}

	if referenceTime.IsZero() {
		referenceTime = e.now()
	}
	reference := timeutil.HourBucket(referenceTime)
	key := fmt.Sprintf("%.5f|%.5f|%.5f|%.5f|%s|%d",
		origin.Lat, origin.Lng, destination.Lat, destination.Lng,
		reference.Format(time.RFC3339), e.forecastStepMin)

	value, err := e.routingCache.getOrFill(key, &e.counters.cacheHits, func() (interface{}, error) {
		e.counters.routingQueries.Add(1)
		e.counters.httpRequests.Add(1)

		distanceKm := math.Max(1.0, geo.Haversine(origin, destination)*1.18)
		baseSpeedKmh := math.Max(22.0, 76.0-distanceKm*0.04)
		baseDurationSeconds := int(distanceKm / baseSpeedKmh * 3600.0)

		var slots []ForecastSlot
		end := reference.Add(time.Duration(e.forecastWindowHours) * time.Hour)
		for current := reference; !current.After(end); current = current.Add(time.Duration(e.forecastStepMin) * time.Minute) {
			rng := e.rng("routing",
				roundTo(origin.Lat, 3), roundTo(origin.Lng, 3),
				roundTo(destination.Lat, 3), roundTo(destination.Lng, 3),
				current.Format("2006010215"))
			hour := float64(current.Hour())
			rush := math.Exp(-math.Pow((hour-8.0)/2.1, 2)) + math.Exp(-math.Pow((hour-17.0)/2.6, 2))
			weekendFactor := 1.0
			if wd := current.Weekday(); wd == time.Saturday || wd == time.Sunday {
				weekendFactor = 0.75
			}
			ratio := math.Max(1.0, round4(1.0+(0.03+0.09*rush*weekendFactor)*uniform(rng, 0.55, 1.45)))

			durationSeconds := int(math.Round(float64(baseDurationSeconds) * ratio))
			delaySeconds := maxInt(0, durationSeconds-baseDurationSeconds)
			slots = append(slots, ForecastSlot{
				DepartureUTC:        timeutil.FormatISOZ(current),
				DurationSeconds:     durationSeconds,
				BaseDurationSeconds: baseDurationSeconds,
				DelaySeconds:        delaySeconds,
				DelayRatio:          ratio,
			})
		}

		return summarizeTrafficSlots(slots, e.forecastWindowHours, e.forecastStepMin), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*TrafficForecast), nil
}

func worstWeatherSlots(slots []WeatherSlot, worstScore float64) []WeatherSlot {
	worst := make([]WeatherSlot, 0, 6)
	for _, slot := range slots {
		if math.Abs(slot.SeverityScore-worstScore) <= 0.05 {
			worst = append(worst, slot)
			if len(worst) == 6 {
				break
			}
		}
	}
	return worst
}

func summarizeTrafficSlots(slots []ForecastSlot, windowHours, stepMin int) *TrafficForecast {
	if len(slots) == 0 {
		return unknownTrafficForecast(windowHours, stepMin)
	}

	worstRatio := math.Inf(-1)
	worstDelay := 0
	for _, slot := range slots {
		if slot.DelayRatio > worstRatio {
			worstRatio = slot.DelayRatio
		}
		if slot.DelaySeconds > worstDelay {
			worstDelay = slot.DelaySeconds
		}
	}

	worst := make([]ForecastSlot, 0, 6)
	for _, slot := range slots {
		if math.Abs(slot.DelayRatio-worstRatio) <= 0.01 {
			worst = append(worst, slot)
			if len(worst) == 6 {
				break
			}
		}
	}

	return &TrafficForecast{
		Status:                "forecasted",
		Source:                "here_routing_v8",
		WindowHours:           windowHours,
		IntervalMin:           stepMin,
		WorstCaseDelayRatio:   floatPtr(round4(worstRatio)),
		WorstCaseDelaySeconds: intPtr(worstDelay),
		WorstSlots:            worst,
		EvaluatedSlots:        len(slots),
	}
}

func unknownTrafficForecast(windowHours, stepMin int) *TrafficForecast {
	return &TrafficForecast{
		Status:         "unknown",
		Source:         "here_routing_v8",
		WindowHours:    windowHours,
		IntervalMin:    stepMin,
		WorstSlots:     []ForecastSlot{},
		EvaluatedSlots: 0,
	}
}

func comfortPhrase(tempC float64) string {
	switch {
	case tempC <= 2:
		return "Cold."
	case tempC <= 8:
		return "Chilly."
	case tempC <= 16:
		return "Cool."
	case tempC <= 24:
		return "Mild."
	case tempC <= 31:
		return "Warm."
	default:
		return "Hot."
	}
}

func conditionPhrase(cloudiness float64, precipitationMm *float64, thunderProb float64) string {
	switch {
	case thunderProb >= 0.85:
		return "Thunderstorms."
	case precipitationMm != nil && *precipitationMm >= 7.0:
		return "Heavy rain."
	case precipitationMm != nil && *precipitationMm >= 1.0:
		return "Rain."
	case cloudiness < 0.15:
		return "Sunny."
	case cloudiness < 0.30:
		return "Mostly clear."
	case cloudiness < 0.50:
		return "Partly cloudy."
	case cloudiness < 0.70:
		return "Scattered clouds."
	case cloudiness < 0.88:
		return "Cloudy."
	default:
		return "Overcast."
	}
}

func uniform(rng *rand.Rand, min, max float64) float64 {
	return min + (max-min)*rng.Float64()
}

// gammaSample draws from Gamma(alpha, scale) using Marsaglia-Tsang, with the
// standard boost for alpha < 1.
func gammaSample(rng *rand.Rand, alpha, scale float64) float64 {
	if alpha < 1 {
		u := rng.Float64()
		return gammaSample(rng, alpha+1, scale) * math.Pow(u, 1/alpha)
	}

	d := alpha - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
