package semantic

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richxcame/fleet-routing/internal/geocode"
	"github.com/richxcame/fleet-routing/internal/here"
	"github.com/richxcame/fleet-routing/internal/overpass"
	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/logger"
	"github.com/richxcame/fleet-routing/pkg/metrics"
	"github.com/richxcame/fleet-routing/pkg/timeutil"
	"go.uber.org/zap"
)

// LayerVersion tags the enrichment schema carried in the response.
const LayerVersion = "0.9"

// SegmentContext is the fully enriched view of one route leg.
type SegmentContext struct {
	SegmentIndex         int                    `json:"segment_index"`
	FromStopID           interface{}            `json:"from_stop_id"`
	ToStopID             interface{}            `json:"to_stop_id"`
	DistanceKm           float64                `json:"distance_km"`
	CumulativeDistanceKm float64                `json:"cumulative_distance_km"`
	EtaMinFromDeparture  float64                `json:"eta_min_from_departure"`
	EtaUTC               *string                `json:"eta_utc"`
	Midpoint             map[string]float64     `json:"midpoint"`
	MunicipalityTrace    []TraceEntry           `json:"municipality_trace"`
	MunicipalityNames    []string               `json:"municipality_names"`
	ProvinceNames        []string               `json:"province_names"`
	ProvinceCapitalNames []string               `json:"province_capital_names"`
	Weather              map[string]interface{} `json:"weather"`
	Traffic              map[string]interface{} `json:"traffic"`
	WeatherForecast      map[string]interface{} `json:"weather_forecast_24h"`
	TrafficForecast      map[string]interface{} `json:"traffic_forecast"`
}

// RouteEnrichment is the per-route block of the semantic layer.
type RouteEnrichment struct {
	Vehicle               int               `json:"vehicle"`
	RouteDistanceKm       float64           `json:"route_distance_km"`
	ServedCustomerIDs     []interface{}     `json:"served_customer_ids"`
	StopMunicipalityLinks []StopLink        `json:"stop_municipality_links"`
	ProvinceVector        []string          `json:"province_vector"`
	ProvinceCapitalVector []string          `json:"province_capital_vector"`
	MunicipalityVector    []string          `json:"municipality_vector"`
	SemanticLocations     []*ScoredLocation `json:"semantic_locations"`
	SegmentContext        []*SegmentContext `json:"segment_context"`
}

// Layer is the complete semantic enrichment attached to a solve response.
type Layer struct {
	Version                        string                   `json:"version"`
	Status                         string                   `json:"status"`
	GeneratedAtUTC                 string                   `json:"generated_at_utc"`
	Config                         map[string]interface{}   `json:"config"`
	Summary                        map[string]interface{}   `json:"summary"`
	Errors                         []string                 `json:"errors"`
	MunicipalityAPI                map[string]interface{}   `json:"municipality_api"`
	MunicipalityAddressBook        interface{}              `json:"municipality_address_book"`
	MunicipalityPhase1InputPoints  []map[string]interface{} `json:"municipality_phase1_input_points"`
	MunicipalityPostOutputNotice   string                   `json:"municipality_post_output_notice"`
	MunicipalityPostOutputWarnings []string                 `json:"municipality_post_output_warnings"`
	Routes                         []RouteEnrichment        `json:"routes"`
	Error                          string                   `json:"error,omitempty"`
}

// Dependencies are the external clients the enrichment pipeline draws on.
// Any of them may be nil; the corresponding feature degrades to unknown
// blocks rather than failing the layer.
type Dependencies struct {
	Provider here.Provider
	Geocoder *geocode.Resolver
	Overpass *overpass.Client
	Geometry GeometryClient
	Now      func() time.Time
}

// segmentFetch is the provider result for one segment.
type segmentFetch struct {
	weather         *here.WeatherBundle
	weatherErr      error
	traffic         *here.TrafficObservation
	trafficErr      error
	trafficForecast *here.TrafficForecast
	forecastErr     error
}

// BuildLayerSafe runs BuildLayer under a recover so a defect in enrichment
// can never invalidate the routing result. The second return value is the
// top-level error string for the response when the layer failed.
func BuildLayerSafe(ctx context.Context, cfg *Config, depot vrp.Stop, customers []vrp.Stop, result *vrp.Result, deps Dependencies) (layer *Layer, layerErr string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("semantic layer generation panicked", zap.Any("panic", r))
			metrics.RecordEnrichmentError("layer_panic")
			layer = &Layer{
				Version: LayerVersion,
				Status:  "failed",
				Error:   fmt.Sprintf("semantic layer generation failed: %v", r),
			}
			layerErr = fmt.Sprintf("semantic layer generation failed: %v; the VRP routing result remains valid.", r)
		}
	}()
	return BuildLayer(ctx, cfg, depot, customers, result, deps), ""
}

// BuildLayer assembles the semantic layer for a solved routing result.
func BuildLayer(ctx context.Context, cfg *Config, depot vrp.Stop, customers []vrp.Stop, result *vrp.Result, deps Dependencies) *Layer {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	distanceSource := result.Summary.DistanceSource
	geometryEnabled := cfg.RouteGeometryEnabled(distanceSource) && deps.Geometry != nil
	hereAttached := cfg.HereEnabled && deps.Provider != nil
	// In prefetch mode the provider already ran before the solve and its
	// output arrives through the observation arrays.
	hereLive := hereAttached && cfg.HerePipelineMode != "before_vrp"

	var hereErrors []string
	status := "ok"
	deadlineHit := false

	var engine *municipalityEngine
	if cfg.MunicipalityEnabled && deps.Geocoder != nil {
		engine = newMunicipalityEngine(cfg, deps.Geocoder, deps.Overpass, deps.Geometry, geometryEnabled)
		engine.runPhase1(ctx, depot, customers, result.Routes)
	}

	var phase2Before geocode.Stats
	if engine != nil {
		phase2Before = engine.resolver.Stats()
	}

	routes := make([]RouteEnrichment, 0, len(result.Routes))
	matchedLocations := 0
	segmentRecords := 0
	municipalityRecords := 0

	for _, route := range result.Routes {
		if ctx.Err() != nil {
			deadlineHit = true
			break
		}

		segments := BuildSegments(route.Stops, cfg.AvgSpeedKmh, cfg.DepartureTime)
		contexts := make([]*SegmentContext, len(segments))
		for i, segment := range segments {
			contexts[i] = baseSegmentContext(segment, cfg)
		}

		if hereLive && len(segments) > 0 {
			fetches := fetchSegmentProviders(ctx, deps.Provider, segments, cfg, now)
			for i := range segments {
				hereErrors = append(hereErrors, mergeProviderContext(contexts[i], segments[i], fetches[i], cfg)...)
			}
		}

		var links []StopLink
		var muniVec, provVec, capVec []string
		if engine != nil {
			for i, segment := range segments {
				if ctx.Err() != nil {
					deadlineHit = true
					break
				}
				trace, municipalities, provinces, capitals := engine.traceSegment(ctx, segment)
				contexts[i].MunicipalityTrace = trace
				contexts[i].MunicipalityNames = municipalities
				contexts[i].ProvinceNames = provinces
				contexts[i].ProvinceCapitalNames = capitals
				municipalityRecords += len(trace)
				for _, name := range municipalities {
					muniVec = appendUniqueInOrder(muniVec, name)
				}
				for _, name := range provinces {
					provVec = appendUniqueInOrder(provVec, name)
				}
				for _, name := range capitals {
					capVec = appendUniqueInOrder(capVec, name)
				}
			}
			links = engine.stopLinks(route)
		}

		locations := scoreLocationsForRoute(route.Stops, cfg.CandidateLocations, cfg.CorridorRadiusKm, cfg.Categories, cfg.TopK)
		attachSegmentContext(locations, contexts)
		matchedLocations += len(locations)
		segmentRecords += len(contexts)

		if links == nil {
			links = []StopLink{}
		}
		routes = append(routes, RouteEnrichment{
			Vehicle:               route.Vehicle,
			RouteDistanceKm:       route.DistanceKm,
			ServedCustomerIDs:     route.ServedCustomerIDs,
			StopMunicipalityLinks: links,
			ProvinceVector:        emptyIfNil(provVec),
			ProvinceCapitalVector: emptyIfNil(capVec),
			MunicipalityVector:    emptyIfNil(muniVec),
			SemanticLocations:     locations,
			SegmentContext:        contexts,
		})
	}

	var errors []string
	errors = append(errors, hereErrors...)

	layer := &Layer{
		Version:        LayerVersion,
		Status:         status,
		GeneratedAtUTC: timeutil.FormatISOZ(now().UTC()),
		Config:         cfg.Echo(distanceSource, hereAttached, geometryEnabled),
		Routes:         routes,
	}

	summary := map[string]interface{}{
		"routes_enriched":                len(routes),
		"segment_context_records":        segmentRecords,
		"candidate_locations_received":   len(cfg.CandidateLocations),
		"matched_semantic_locations":     matchedLocations,
		"weather_observations_received":  len(cfg.WeatherObservations),
		"traffic_observations_received":  len(cfg.TrafficObservations),
		"here_platform_enabled":          hereAttached,
		"here_data_source":               cfg.HereDataSource,
		"here_errors":                    len(hereErrors),
		"municipality_records":           municipalityRecords,
		"municipality_api_status":        "disabled",
		"municipality_post_output_notice": "Municipality fallback warning: municipality enrichment disabled.",
	}
	if deps.Provider != nil {
		summary["here_client_stats"] = toJSONMap(deps.Provider.Stats())
	} else {
		summary["here_client_stats"] = nil
	}

	if engine != nil {
		engine.finishPhase2(phase2Before)
		api := engine.apiReport()
		notice, warnings := engine.postOutputNotice()

		layer.MunicipalityAPI = api
		layer.MunicipalityAddressBook = engine.resolver.Book()
		layer.MunicipalityPhase1InputPoints = engine.phase1InputPoints()
		layer.MunicipalityPostOutputNotice = notice
		layer.MunicipalityPostOutputWarnings = warnings

		apiStatus, _ := engine.overallStatus()
		summary["municipality_api_status"] = apiStatus
		summary["municipality_post_output_notice"] = notice
		copyCounts(summary, engine.phase1Report, "municipality_")
		copyCounts(summary, engine.phase2Report, "municipality_phase2_")
		if geom, ok := engine.phase2Report["route_geometry"].(map[string]interface{}); ok {
			summary["municipality_route_geometry_fetched"] = geom["fetched"]
			summary["municipality_route_geometry_fallback_to_straight"] = geom["fallback_to_straight"]
		}
		summary["municipality_address_records"] = engine.resolver.Size()
		summary["municipality_phase1_input_points"] = len(layer.MunicipalityPhase1InputPoints)

		if capitals, ok := api["province_capitals"].(map[string]interface{}); ok {
			summary["province_capital_records"] = capitals["total"]
			summary["province_capital_resolved"] = capitals["resolved"]
		}

		errors = append(errors, engine.errors...)
		errors = append(errors, engine.capitalErrors...)
		for range engine.errors {
			metrics.RecordEnrichmentError("municipality")
		}
		for range engine.capitalErrors {
			metrics.RecordEnrichmentError("province_capital")
		}
	} else {
		layer.MunicipalityAPI = disabledMunicipalityAPI()
		layer.MunicipalityAddressBook = map[string]interface{}{}
		layer.MunicipalityPhase1InputPoints = []map[string]interface{}{}
		layer.MunicipalityPostOutputNotice = "Municipality fallback warning: municipality enrichment disabled."
		layer.MunicipalityPostOutputWarnings = []string{}
	}

	if deadlineHit {
		layer.Status = "partial"
		errors = append(errors, "deadline_exceeded")
		metrics.RecordEnrichmentError("deadline")
	}
	layer.Errors = emptyIfNil(capStrings(errors, 40))
	layer.Summary = summary
	return layer
}

// poolSize bounds concurrent provider calls.
func poolSize() int {
	return minInt(8, 2*runtime.NumCPU())
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fetchSegmentProviders runs the per-segment provider calls through a
// bounded worker pool and returns the results in segment order.
func fetchSegmentProviders(ctx context.Context, provider here.Provider, segments []Segment, cfg *Config, now func() time.Time) []segmentFetch {
	fetches := make([]segmentFetch, len(segments))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(poolSize())

	for i := range segments {
		i := i
		segment := segments[i]
		group.Go(func() error {
			refTime := segment.ReferenceTime(cfg.DepartureTime, now)
			fetches[i].weather, fetches[i].weatherErr = provider.FetchWeather(groupCtx, segment.Midpoint, refTime)
			fetches[i].traffic, fetches[i].trafficErr = provider.FetchTrafficStatus(groupCtx, segment.Midpoint)
			fetches[i].trafficForecast, fetches[i].forecastErr = provider.FetchTrafficForecast(groupCtx, segment.Start, segment.End, refTime)
			return nil
		})
	}
	_ = group.Wait()
	return fetches
}

// baseSegmentContext builds the context from caller-supplied observations
// only; provider data is merged on top afterwards.
func baseSegmentContext(segment Segment, cfg *Config) *SegmentContext {
	ctx := &SegmentContext{
		SegmentIndex:         segment.Index,
		FromStopID:           segment.FromStopID,
		ToStopID:             segment.ToStopID,
		DistanceKm:           round3(segment.DistanceKm),
		CumulativeDistanceKm: round3(segment.CumulativeKm),
		EtaMinFromDeparture:  round1(segment.EtaMin),
		EtaUTC:               formatEta(segment.EtaUTC),
		Midpoint:             map[string]float64{"lat": segment.Midpoint.Lat, "lng": segment.Midpoint.Lng},
		MunicipalityTrace:    []TraceEntry{},
		MunicipalityNames:    []string{},
		ProvinceNames:        []string{},
		ProvinceCapitalNames: []string{},
		WeatherForecast:      unknownWeatherForecast("not_provided", cfg.HereForecastWindowHours, cfg.HereForecastIntervalMin),
		TrafficForecast:      unknownTrafficForecast("not_provided", cfg.HereForecastWindowHours, cfg.HereForecastIntervalMin),
	}

	target := segment.EtaUTC
	if target == nil {
		target = cfg.DepartureTime
	}

	if obs, dist, offset := matchObservation(segment.Midpoint, target, cfg.WeatherObservations); obs != nil {
		ctx.Weather = formatWeatherContext(obs, dist, offset)
		if forecast, ok := ctx.Weather["forecast_24h"].(map[string]interface{}); ok {
			ctx.WeatherForecast = forecast
			delete(ctx.Weather, "forecast_24h")
		}
	} else {
		ctx.Weather = unknownWeatherContext()
	}

	if obs, dist, offset := matchObservation(segment.Midpoint, target, cfg.TrafficObservations); obs != nil {
		ctx.Traffic = formatTrafficContext(obs, dist, offset)
	} else {
		ctx.Traffic = unknownTrafficContext()
	}
	return ctx
}

// mergeProviderContext overlays live provider data onto a segment context.
// Observed realtime data replaces the matched observation; an unknown
// context is replaced regardless; forecasts are always overwritten.
func mergeProviderContext(ctx *SegmentContext, segment Segment, fetch segmentFetch, cfg *Config) []string {
	var errs []string

	if fetch.weatherErr != nil {
		msg := fmt.Sprintf("weather fetch failed at %s: %v", segment.Midpoint.Key(), fetch.weatherErr)
		errs = append(errs, msg)
		metrics.RecordEnrichmentError("here_weather")
		ctx.Weather["here_error"] = fetch.weatherErr.Error()
	} else if fetch.weather != nil {
		realtime := fetch.weather.Realtime
		if realtime.Status == "observed" || ctx.Weather["status"] == "unknown" {
			merged := toJSONMap(realtime)
			merged["distance_km_to_segment"] = 0.0
			merged["time_offset_min"] = 0.0
			ctx.Weather = merged
		}
		ctx.WeatherForecast = toJSONMap(fetch.weather.Forecast24h)
	}

	if fetch.trafficErr != nil {
		msg := fmt.Sprintf("traffic fetch failed at %s: %v", segment.Midpoint.Key(), fetch.trafficErr)
		errs = append(errs, msg)
		metrics.RecordEnrichmentError("here_traffic")
		ctx.Traffic["here_error"] = fetch.trafficErr.Error()
	} else if fetch.traffic != nil {
		if fetch.traffic.Status == "observed" || ctx.Traffic["status"] == "unknown" {
			merged := toJSONMap(fetch.traffic)
			merged["distance_km_to_segment"] = 0.0
			merged["time_offset_min"] = 0.0
			ctx.Traffic = merged
		}
	}

	if fetch.forecastErr != nil {
		msg := fmt.Sprintf("traffic forecast failed (%s->%s): %v", segment.Start.Key(), segment.End.Key(), fetch.forecastErr)
		errs = append(errs, msg)
		metrics.RecordEnrichmentError("here_forecast")
		forecast := unknownTrafficForecast("here_routing_v8", cfg.HereForecastWindowHours, cfg.HereForecastIntervalMin)
		forecast["error"] = fetch.forecastErr.Error()
		ctx.TrafficForecast = forecast
	} else if fetch.trafficForecast != nil {
		ctx.TrafficForecast = toJSONMap(fetch.trafficForecast)
	}
	return errs
}

func copyCounts(summary map[string]interface{}, report map[string]interface{}, prefix string) {
	counts, ok := report["counts"].(map[string]interface{})
	if !ok {
		return
	}
	summary[prefix+"coordinates_total"] = counts["coordinates_total"]
	summary[prefix+"resolved"] = counts["resolved"]
	summary[prefix+"unknown"] = counts["unknown"]
	summary[prefix+"failed"] = counts["failed"]
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
