package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/richxcame/fleet-routing/internal/geocode"
	"github.com/richxcame/fleet-routing/internal/overpass"
	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/geo"
)

// GeometryClient fetches the road polyline between two stops.
type GeometryClient interface {
	RouteGeometry(ctx context.Context, start, end geo.Point) ([]geo.Point, error)
}

// TraceEntry is one reverse-geocoded sample along a segment.
type TraceEntry struct {
	SampleIndex int               `json:"sample_index"`
	Position    string            `json:"position"`
	DistanceKm  float64           `json:"distance_from_start_km"`
	QueryPoint  geo.Point         `json:"query_point"`
	Municipal   TraceMunicipality `json:"municipality"`
}

// TraceMunicipality mirrors the place match shape for reverse-geocoded
// samples, so polyline traces and radius matches read the same way.
type TraceMunicipality struct {
	Name              string      `json:"name"`
	Place             interface{} `json:"place"`
	Population        *int        `json:"population"`
	OSMRef            *string     `json:"osm_ref"`
	Lat               float64     `json:"lat"`
	Lng               float64     `json:"lng"`
	DistanceToQueryKm float64     `json:"distance_to_query_km"`
	AddressRef        string      `json:"address_ref"`
}

// StopLink ties a route stop to its resolved municipality.
type StopLink struct {
	StopIndex        int         `json:"stop_index"`
	StopID           interface{} `json:"stop_id"`
	Lat              float64     `json:"lat"`
	Lng              float64     `json:"lng"`
	MunicipalityName *string     `json:"municipality_name"`
	AddressRef       string      `json:"address_ref"`
	Status           string      `json:"status"`
}

// registryPoint accumulates every stop and customer id that shares one
// rounded coordinate.
type registryPoint struct {
	Key         string
	Lat         float64
	Lng         float64
	StopIDs     []interface{}
	CustomerIDs []interface{}
	SourceTags  []string
}

type pointRegistry struct {
	points map[string]*registryPoint
}

func newPointRegistry() *pointRegistry {
	return &pointRegistry{points: map[string]*registryPoint{}}
}

func (r *pointRegistry) register(lat, lng float64, stopID, customerID interface{}, sourceTag string) *registryPoint {
	lat, lng = round6(lat), round6(lng)
	key := geo.CoordKey(lat, lng)
	point, ok := r.points[key]
	if !ok {
		point = &registryPoint{Key: key, Lat: lat, Lng: lng}
		r.points[key] = point
	}
	if stopID != nil {
		point.StopIDs = appendUniqueID(point.StopIDs, stopID)
	}
	if customerID != nil {
		point.CustomerIDs = appendUniqueID(point.CustomerIDs, customerID)
	}
	if sourceTag != "" {
		found := false
		for _, tag := range point.SourceTags {
			if tag == sourceTag {
				found = true
				break
			}
		}
		if !found {
			point.SourceTags = append(point.SourceTags, sourceTag)
		}
	}
	return point
}

func (r *pointRegistry) sortedKeys() []string {
	keys := make([]string, 0, len(r.points))
	for key := range r.points {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func appendUniqueID(items []interface{}, value interface{}) []interface{} {
	for _, item := range items {
		if fmt.Sprint(item) == fmt.Sprint(value) {
			return items
		}
	}
	return append(items, value)
}

// municipalityEngine runs the two reverse-geocoding phases for one request.
type municipalityEngine struct {
	cfg             *Config
	resolver        *geocode.Resolver
	overpass        *overpass.Client
	geometry        GeometryClient
	geometryEnabled bool

	phase1 *pointRegistry
	phase2 *pointRegistry

	shapeCache map[string][]geo.Point
	geomStats  struct {
		attempted          int
		fetched            int
		cacheHits          int
		failed             int
		fallbackToStraight int
	}

	errors        []string
	capitalErrors []string

	phase1Report map[string]interface{}
	phase2Report map[string]interface{}
}

func newMunicipalityEngine(cfg *Config, resolver *geocode.Resolver, op *overpass.Client, geometry GeometryClient, geometryEnabled bool) *municipalityEngine {
	return &municipalityEngine{
		cfg:             cfg,
		resolver:        resolver,
		overpass:        op,
		geometry:        geometry,
		geometryEnabled: geometryEnabled && geometry != nil,
		phase1:          newPointRegistry(),
		phase2:          newPointRegistry(),
		shapeCache:      map[string][]geo.Point{},
	}
}

// resolvePoint reverse-geocodes one registry point. Fresh failures and,
// when asked, fresh unresolved lookups are recorded as pipeline errors;
// cache hits never repeat their diagnostics.
func (e *municipalityEngine) resolvePoint(ctx context.Context, point *registryPoint, recordUnknown bool, contextLabel string) *geocode.AdminResolution {
	_, cached := e.resolver.Lookup(point.Key)
	entry := e.resolver.Resolve(ctx, point.Lat, point.Lng, geocode.PointMeta{
		StopIDs:     point.StopIDs,
		CustomerIDs: point.CustomerIDs,
		SourceTags:  point.SourceTags,
	})
	if cached {
		return entry
	}

	switch {
	case entry.Status == "error":
		reason := "request_failed"
		if entry.Error != nil {
			reason = *entry.Error
		}
		e.errors = append(e.errors, fmt.Sprintf("%s failed at %s: %s", contextLabel, point.Key, reason))
	case recordUnknown && entry.Status != "resolved":
		note := entry.ResolutionNote
		if note == "" {
			note = "municipality_not_found"
		}
		e.errors = append(e.errors, fmt.Sprintf("%s unresolved at %s: %s", contextLabel, point.Key, note))
	}
	return entry
}

// runPhase1 resolves the depot, every customer, and every route stop.
func (e *municipalityEngine) runPhase1(ctx context.Context, depot vrp.Stop, customers []vrp.Stop, routes []vrp.Route) {
	statsBefore := e.resolver.Stats()

	if depot.Point().Valid() {
		depotID := depot.ID
		if depotID == nil {
			depotID = "depot"
		}
		e.phase1.register(depot.Lat, depot.Lng, depotID, nil, "depot_input")
	}
	for _, customer := range customers {
		if customer.Point().Valid() {
			e.phase1.register(customer.Lat, customer.Lng, nil, customer.ID, "customer_input")
		}
	}
	for _, route := range routes {
		for _, stop := range route.Stops {
			if stop.Point().Valid() {
				e.phase1.register(stop.Lat, stop.Lng, stop.ID, nil, "route_stop")
			}
		}
	}

	var resolved, unknown, failed int
	for _, key := range e.phase1.sortedKeys() {
		entry := e.resolvePoint(ctx, e.phase1.points[key], true, "municipality reverse geocode phase1")
		switch entry.Status {
		case "resolved":
			resolved++
		case "error":
			failed++
		default:
			unknown++
		}
	}

	total := len(e.phase1.points)
	statsAfter := e.resolver.Stats()
	counts := map[string]interface{}{
		"coordinates_total": total,
		"resolved":          resolved,
		"unknown":           unknown,
		"failed":            failed,
		"http_requests":     statsAfter.HTTPRequests - statsBefore.HTTPRequests,
		"cache_hits":        statsAfter.CacheHits - statsBefore.CacheHits,
	}

	var status, message string
	switch {
	case total == 0:
		status, message = "empty", "No VRP coordinates available for municipality phase 1."
	case resolved > 0 && unknown == 0 && failed == 0:
		status, message = "ok", "Municipality phase 1 completed successfully."
	case resolved > 0:
		status, message = "partial", "Municipality phase 1 completed with unknown/failed coordinates."
	default:
		status, message = "failed", "Municipality phase 1 failed to resolve any municipality."
	}
	e.phase1Report = map[string]interface{}{"status": status, "message": message, "counts": counts}
}

// segmentShape fetches (or replays) the road polyline for one segment.
// Failures cache a nil shape so a leg is fetched at most once per request.
func (e *municipalityEngine) segmentShape(ctx context.Context, start, end geo.Point) []geo.Point {
	startKey, endKey := start.Key(), end.Key()
	cacheKey := startKey + "|" + endKey
	if shape, ok := e.shapeCache[cacheKey]; ok {
		e.geomStats.cacheHits++
		return shape
	}

	e.geomStats.attempted++
	shape, err := e.geometry.RouteGeometry(ctx, start, end)
	if err != nil {
		e.geomStats.failed++
		e.errors = append(e.errors, fmt.Sprintf("municipality geometry fetch failed (%s->%s): %v", startKey, endKey, err))
		shape = nil
	} else {
		e.geomStats.fetched++
	}
	e.shapeCache[cacheKey] = shape
	return shape
}

// traceSegment reverse-geocodes samples along one segment and returns the
// trace rows plus the admin-name vectors they imply.
func (e *municipalityEngine) traceSegment(ctx context.Context, segment Segment) (trace []TraceEntry, municipalities, provinces, capitals []string) {
	var shape []geo.Point
	if e.geometryEnabled {
		shape = e.segmentShape(ctx, segment.Start, segment.End)
	}

	var samples []tracedSample
	if len(shape) >= 2 {
		samples = polylineSamples(shape, e.cfg.MunicipalityStepKm)
	} else {
		if e.geometryEnabled {
			e.geomStats.fallbackToStraight++
		}
		samples = straightLineSamples(segment.Start, segment.End, segment.DistanceKm, e.cfg.MunicipalityStepKm)
	}
	samples = limitTracedSamples(samples, e.cfg.MunicipalityMaxSamples)

	trace = []TraceEntry{}
	for _, sample := range samples {
		point := e.phase2.register(sample.point.Lat, sample.point.Lng, nil, nil, "segment_sample")
		entry := e.resolvePoint(ctx, point, false, "municipality reverse geocode sample")

		name := entry.MunicipalityOrEmpty()
		if name == "" {
			continue
		}
		if len(trace) > 0 && strings.EqualFold(trace[len(trace)-1].Municipal.Name, name) {
			continue
		}

		var place interface{}
		if entry.MunicipalitySourceField != nil {
			place = *entry.MunicipalitySourceField
		}
		trace = append(trace, TraceEntry{
			SampleIndex: sample.index,
			Position:    sample.position,
			DistanceKm:  round3(sample.distanceFromStartKm),
			QueryPoint:  geo.Point{Lat: round6(sample.point.Lat), Lng: round6(sample.point.Lng)},
			Municipal: TraceMunicipality{
				Name:              name,
				Place:             place,
				OSMRef:            entry.OSMRef,
				Lat:               entry.Lat,
				Lng:               entry.Lng,
				DistanceToQueryKm: 0.0,
				AddressRef:        point.Key,
			},
		})
	}

	for _, row := range trace {
		municipalities = appendUniqueInOrder(municipalities, row.Municipal.Name)

		entry, ok := e.resolver.Lookup(row.Municipal.AddressRef)
		if !ok {
			continue
		}
		province, _ := geocode.ExtractProvince(entry.Address)
		if province == "" {
			continue
		}
		provinces = appendUniqueInOrder(provinces, province)

		if e.cfg.ProvinceCapitalLookupEnabled && e.overpass != nil {
			cc := geocode.ExtractCountryCode(entry.Address)
			capital, fresh := e.overpass.ResolveProvinceCapital(ctx, province, cc, e.cfg.ProvinceCapitalTimeoutSec)
			if fresh && capital.Status == "error" {
				label := cc
				if label == "" {
					label = "n/a"
				}
				e.capitalErrors = append(e.capitalErrors, fmt.Sprintf("province capital lookup failed for '%s' (%s): %v", province, label, capital.Error))
			}
			capitals = appendUniqueInOrder(capitals, capital.CapitalNameOrEmpty())
		}
	}
	return trace, municipalities, provinces, capitals
}

// finishPhase2 computes the phase 2 report once every route is traced.
func (e *municipalityEngine) finishPhase2(statsBefore geocode.Stats) {
	var resolved, unknown, failed int
	for _, key := range e.phase2.sortedKeys() {
		entry, ok := e.resolver.Lookup(key)
		if !ok {
			unknown++
			continue
		}
		switch entry.Status {
		case "resolved":
			resolved++
		case "error":
			failed++
		default:
			unknown++
		}
	}

	total := len(e.phase2.points)
	statsAfter := e.resolver.Stats()
	counts := map[string]interface{}{
		"coordinates_total": total,
		"resolved":          resolved,
		"unknown":           unknown,
		"failed":            failed,
		"http_requests":     statsAfter.HTTPRequests - statsBefore.HTTPRequests,
		"cache_hits":        statsAfter.CacheHits - statsBefore.CacheHits,
	}

	var status, message string
	switch {
	case total == 0:
		status, message = "empty", "No route sample points available for municipality phase 2."
	case resolved > 0 && unknown == 0 && failed == 0 && e.geomStats.fallbackToStraight == 0:
		status, message = "ok", "Municipality phase 2 route sampling completed successfully."
	case resolved > 0 && unknown == 0 && failed == 0:
		status, message = "partial", "Municipality phase 2 used straight-line fallback in some segments."
	case resolved > 0:
		status, message = "partial", "Municipality phase 2 route sampling completed with unknown/failed points."
	default:
		status, message = "failed", "Municipality phase 2 route sampling failed to resolve municipalities."
	}

	e.phase2Report = map[string]interface{}{
		"status":  status,
		"message": message,
		"counts":  counts,
		"route_geometry": map[string]interface{}{
			"enabled":              e.geometryEnabled,
			"attempted":            e.geomStats.attempted,
			"fetched":              e.geomStats.fetched,
			"cache_hits":           e.geomStats.cacheHits,
			"failed":               e.geomStats.failed,
			"fallback_to_straight": e.geomStats.fallbackToStraight,
		},
	}
}

// stopLinks ties every stop of a route to its address book entry.
func (e *municipalityEngine) stopLinks(route vrp.Route) []StopLink {
	links := make([]StopLink, 0, len(route.Stops))
	for index, stop := range route.Stops {
		lat, lng := round6(stop.Lat), round6(stop.Lng)
		key := geo.CoordKey(lat, lng)
		link := StopLink{
			StopIndex:  index,
			StopID:     stop.ID,
			Lat:        lat,
			Lng:        lng,
			AddressRef: key,
			Status:     "unknown",
		}
		if entry, ok := e.resolver.Lookup(key); ok {
			link.Status = entry.Status
			if name := entry.MunicipalityOrEmpty(); name != "" {
				link.MunicipalityName = &name
			}
		}
		links = append(links, link)
	}
	return links
}

// phase1InputPoints renders the depot and customer coordinates with their
// resolved admin context, for callers that key off input points rather
// than routes.
func (e *municipalityEngine) phase1InputPoints() []map[string]interface{} {
	points := []map[string]interface{}{}
	capitals := map[string]*overpass.ProvinceCapital{}
	if e.overpass != nil {
		capitals = e.overpass.Capitals()
	}

	for _, key := range e.phase1.sortedKeys() {
		point := e.phase1.points[key]
		role := ""
		for _, tag := range point.SourceTags {
			if tag == "depot_input" {
				role = "depot"
				break
			}
		}
		if role == "" {
			for _, tag := range point.SourceTags {
				if tag == "customer_input" {
					role = "customer"
					break
				}
			}
		}
		if role == "" {
			continue
		}

		entry, ok := e.resolver.Lookup(key)
		if !ok {
			continue
		}

		province, provinceField := geocode.ExtractProvince(entry.Address)
		countryCode := geocode.ExtractCountryCode(entry.Address)

		var capitalName interface{}
		var capitalStatus interface{}
		if province != "" && e.cfg.ProvinceCapitalLookupEnabled {
			cacheKey := countryCode + "|" + strings.ToLower(province)
			if capital, ok := capitals[cacheKey]; ok {
				capitalStatus = capital.Status
				if capital.CapitalName != nil {
					capitalName = *capital.CapitalName
				}
			}
		}

		points = append(points, map[string]interface{}{
			"coord_key":                 key,
			"role":                      role,
			"lat":                       point.Lat,
			"lng":                       point.Lng,
			"stop_ids":                  point.StopIDs,
			"customer_ids":              point.CustomerIDs,
			"status":                    entry.Status,
			"resolution_note":           entry.ResolutionNote,
			"municipality_name":         entry.MunicipalityName,
			"municipality_source_field": entry.MunicipalitySourceField,
			"province_name":             nullableString(province),
			"province_source_field":     nullableString(provinceField),
			"province_capital_name":     capitalName,
			"province_capital_status":   capitalStatus,
			"country_code":              nullableString(countryCode),
			"address_ref":               key,
		})
	}
	return points
}

// apiReport assembles the municipality_api block and the overall status.
func (e *municipalityEngine) apiReport() map[string]interface{} {
	status, message := e.overallStatus()

	capitals := map[string]*overpass.ProvinceCapital{}
	if e.overpass != nil {
		capitals = e.overpass.Capitals()
	}
	capitalResolved := 0
	for _, capital := range capitals {
		if capital.Status == "resolved" {
			capitalResolved++
		}
	}
	var capitalStatus string
	switch {
	case len(capitals) == 0:
		capitalStatus = "empty"
	case capitalResolved == len(capitals):
		capitalStatus = "ok"
	case capitalResolved > 0:
		capitalStatus = "partial"
	default:
		capitalStatus = "failed"
	}

	stats := e.resolver.Stats()
	combined := append(append([]string{}, e.errors...), e.capitalErrors...)

	return map[string]interface{}{
		"enabled": true,
		"status":  status,
		"message": message,
		"phase1":  e.phase1Report,
		"phase2":  e.phase2Report,
		"reverse_geocode_stats": map[string]interface{}{
			"http_requests":     stats.HTTPRequests,
			"cache_hits":        stats.CacheHits,
			"address_book_size": e.resolver.Size(),
		},
		"province_capitals": map[string]interface{}{
			"enabled":  e.cfg.ProvinceCapitalLookupEnabled,
			"status":   capitalStatus,
			"resolved": capitalResolved,
			"total":    len(capitals),
			"errors":   capStrings(append([]string{}, e.capitalErrors...), 20),
		},
		"errors": capStrings(combined, 40),
	}
}

func (e *municipalityEngine) overallStatus() (string, string) {
	p1 := reportStatus(e.phase1Report)
	p2 := reportStatus(e.phase2Report)

	okLike := func(s string) bool { return s == "ok" || s == "empty" }
	anyProgress := func(s string) bool { return s == "ok" || s == "partial" }

	switch {
	case okLike(p1) && okLike(p2):
		return "ok", "Municipality enrichment completed successfully."
	case anyProgress(p1) || anyProgress(p2):
		return "partial", "Municipality enrichment completed with partial coverage."
	default:
		return "failed", "Municipality enrichment failed."
	}
}

// postOutputNotice summarizes the fallback situation in a single line.
func (e *municipalityEngine) postOutputNotice() (string, []string) {
	warnings := []string{}
	if n := e.geomStats.fallbackToStraight; n > 0 {
		warnings = append(warnings, fmt.Sprintf("WARNING: Municipality tracing used straight-line fallback in %d segment(s) because OSRM route geometry was unavailable.", n))
	}
	if counts, ok := e.phase1Report["counts"].(map[string]interface{}); ok {
		unknown, _ := counts["unknown"].(int)
		failed, _ := counts["failed"].(int)
		if unknown+failed > 0 {
			warnings = append(warnings, fmt.Sprintf("WARNING: Municipality phase 1 has unresolved coordinates (unknown=%d, failed=%d).", unknown, failed))
		}
	}
	if status, _ := e.overallStatus(); status != "ok" {
		warnings = append(warnings, fmt.Sprintf("WARNING: Municipality API status is '%s'. Review municipality_api.phase1/phase2.", status))
	}

	if len(warnings) == 0 {
		return "Municipality fallback warning: none. Municipality tracing completed without fallback.", warnings
	}
	return strings.Join(warnings, " | "), warnings
}

func disabledMunicipalityAPI() map[string]interface{} {
	return map[string]interface{}{
		"enabled": false,
		"status":  "disabled",
		"message": "Municipality enrichment disabled.",
		"phase1":  map[string]interface{}{"status": "disabled", "message": "Municipality phase 1 disabled."},
		"phase2":  map[string]interface{}{"status": "disabled", "message": "Municipality phase 2 disabled."},
		"errors":  []string{},
	}
}

func reportStatus(report map[string]interface{}) string {
	if report == nil {
		return "empty"
	}
	status, _ := report["status"].(string)
	return status
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// tracedSample is a query point along a segment with its arc position.
type tracedSample struct {
	index               int
	position            string
	distanceFromStartKm float64
	point               geo.Point
}

func samplePosition(index, last int) string {
	switch index {
	case 0:
		return "start"
	case last:
		return "end"
	default:
		return "along"
	}
}

// straightLineSamples interpolates evenly between the endpoints using the
// segment's solved distance for spacing.
func straightLineSamples(start, end geo.Point, distanceKm, stepKm float64) []tracedSample {
	steps := 1
	if stepKm >= 1 {
		steps = maxInt(1, int(math.Ceil(distanceKm/stepKm)))
	}
	samples := make([]tracedSample, 0, steps+1)
	for i := 0; i <= steps; i++ {
		ratio := float64(i) / float64(steps)
		samples = append(samples, tracedSample{
			index:               i,
			position:            samplePosition(i, steps),
			distanceFromStartKm: distanceKm * ratio,
			point:               geo.Interpolate(start, end, ratio),
		})
	}
	return samples
}

// polylineSamples walks the road shape at the configured arc spacing.
func polylineSamples(shape []geo.Point, stepKm float64) []tracedSample {
	resampled := geo.ResamplePolyline(shape, stepKm)
	total := geo.PolylineLengthKm(shape)
	last := len(resampled) - 1
	samples := make([]tracedSample, 0, len(resampled))
	for i, point := range resampled {
		distance := 0.0
		if last > 0 {
			distance = total * float64(i) / float64(last)
		}
		samples = append(samples, tracedSample{
			index:               i,
			position:            samplePosition(i, last),
			distanceFromStartKm: distance,
			point:               point,
		})
	}
	return samples
}

// limitTracedSamples thins a sample run to at most max entries while always
// keeping the endpoints.
func limitTracedSamples(samples []tracedSample, max int) []tracedSample {
	if max < 2 || len(samples) <= max {
		return samples
	}
	limited := make([]tracedSample, 0, max)
	last := len(samples) - 1
	seen := map[int]bool{}
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * float64(last) / float64(max-1)))
		if seen[idx] {
			continue
		}
		seen[idx] = true
		limited = append(limited, samples[idx])
	}
	return limited
}
