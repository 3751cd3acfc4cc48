// Package geocode resolves coordinates to administrative addresses through
// Nominatim-compatible reverse geocoding endpoints. One resolver instance is
// shared per request so the address book and the polite-use pacing cover
// every lookup the pipeline makes.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/httpclient"
	"github.com/richxcame/fleet-routing/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeoutSec    = 8
	DefaultMinIntervalMs = 1100

	defaultUserAgent = "softOptimizationVRP/municipality-reverse-geocoder"
	// Pause between endpoint attempts inside one lookup.
	endpointRetryPause = 150 * time.Millisecond
)

// DefaultEndpoints is the public Nominatim instance.
var DefaultEndpoints = []string{"https://nominatim.openstreetmap.org"}

// municipalityAddressPriority orders the address fields that can name a
// municipality, most specific administrative unit first.
var municipalityAddressPriority = []string{
	"municipality",
	"city",
	"town",
	"village",
	"city_district",
	"district",
	"borough",
	"suburb",
	"quarter",
	"hamlet",
	"neighbourhood",
	"locality",
}

// nonMunicipalityAdminFields are address keys that alone cannot identify a
// municipality. An address made only of these gets a distinct note so
// callers can tell "rural gap" from "service gave nothing".
var nonMunicipalityAdminFields = map[string]bool{
	"country":        true,
	"country_code":   true,
	"state":          true,
	"state_district": true,
	"province":       true,
	"region":         true,
	"county":         true,
}

var provinceAddressPriority = []string{
	"province",
	"state",
	"state_district",
	"region",
	"county",
}

// AdminResolution is one reverse-geocoded coordinate in the address book.
type AdminResolution struct {
	Status                  string                 `json:"status"`
	Source                  string                 `json:"source"`
	SourceEndpoint          *string                `json:"source_endpoint"`
	Lat                     float64                `json:"lat"`
	Lng                     float64                `json:"lng"`
	MunicipalityName        *string                `json:"municipality_name"`
	MunicipalitySourceField *string                `json:"municipality_source_field"`
	DisplayName             interface{}            `json:"display_name"`
	Address                 map[string]interface{} `json:"address"`
	OSMType                 *string                `json:"osm_type"`
	OSMID                   interface{}            `json:"osm_id"`
	OSMRef                  *string                `json:"osm_ref"`
	PlaceID                 interface{}            `json:"place_id"`
	Category                interface{}            `json:"category"`
	Type                    interface{}            `json:"type"`
	ResolutionNote          string                 `json:"resolution_note"`
	StopIDs                 []interface{}          `json:"stop_ids"`
	CustomerIDs             []interface{}          `json:"customer_ids"`
	SourceTags              []string               `json:"source_tags"`
	Error                   *string                `json:"error,omitempty"`
}

// MunicipalityOrEmpty returns the resolved municipality name or "".
func (r *AdminResolution) MunicipalityOrEmpty() string {
	if r == nil || r.MunicipalityName == nil {
		return ""
	}
	return strings.TrimSpace(*r.MunicipalityName)
}

// PointMeta carries registry metadata merged into the address book entry.
type PointMeta struct {
	StopIDs     []interface{}
	CustomerIDs []interface{}
	SourceTags  []string
}

// Stats is a snapshot of the resolver counters.
type Stats struct {
	HTTPRequests int64 `json:"http_requests"`
	CacheHits    int64 `json:"cache_hits"`
}

// Options configures a Resolver. Zero values fall back to defaults.
type Options struct {
	Endpoints     []string
	TimeoutSec    int
	MinIntervalMs int
	UserAgent     string
}

// Resolver reverse-geocodes coordinates with an in-process address book,
// single-flight deduplication, and a minimum interval between outbound
// requests.
type Resolver struct {
	endpoints []string
	clients   []*httpclient.Client

	minInterval time.Duration

	// requestMu serializes outbound requests so the pacing interval holds
	// across concurrent resolves.
	requestMu   sync.Mutex
	lastRequest time.Time

	mu    sync.Mutex
	book  map[string]*AdminResolution
	group singleflight.Group

	httpRequests atomic.Int64
	cacheHits    atomic.Int64
}

// NewResolver builds a resolver over the given endpoint list, tried in
// order per lookup.
func NewResolver(opts Options) *Resolver {
	endpoints := make([]string, 0, len(opts.Endpoints))
	for _, raw := range opts.Endpoints {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, DefaultEndpoints...)
	}

	timeout := opts.TimeoutSec
	if timeout <= 0 {
		timeout = DefaultTimeoutSec
	} else if timeout < 2 {
		timeout = 2
	}
	interval := opts.MinIntervalMs
	if interval < 0 {
		interval = 0
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}

	clients := make([]*httpclient.Client, len(endpoints))
	for i, endpoint := range endpoints {
		clients[i] = httpclient.NewClient(endpoint, time.Duration(timeout)*time.Second,
			httpclient.WithUserAgent(agent))
	}

	return &Resolver{
		endpoints:   endpoints,
		clients:     clients,
		minInterval: time.Duration(interval) * time.Millisecond,
		book:        make(map[string]*AdminResolution),
	}
}

// Resolve returns the administrative resolution for the coordinate, serving
// repeats from the address book. Failures are stored as error entries and
// returned, never surfaced as Go errors; callers inspect Status.
func (r *Resolver) Resolve(ctx context.Context, lat, lng float64, meta PointMeta) *AdminResolution {
	key := geo.CoordKey(lat, lng)

	r.mu.Lock()
	cached, ok := r.book[key]
	r.mu.Unlock()
	if ok {
		r.cacheHits.Add(1)
		metrics.RecordProviderCacheHit("nominatim")
		r.mergeMeta(cached, meta)
		return cached
	}

	value, _, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		entry, ok := r.book[key]
		r.mu.Unlock()
		if ok {
			r.cacheHits.Add(1)
			return entry, nil
		}

		entry = r.fetch(ctx, lat, lng)
		r.httpRequests.Add(1)

		r.mu.Lock()
		r.book[key] = entry
		r.mu.Unlock()
		return entry, nil
	})

	entry := value.(*AdminResolution)
	r.mergeMeta(entry, meta)
	return entry
}

// Lookup returns the address book entry for a canonical coordinate key.
func (r *Resolver) Lookup(key string) (*AdminResolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.book[key]
	return entry, ok
}

// Book returns a shallow copy of the address book keyed by coordinate.
func (r *Resolver) Book() map[string]*AdminResolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*AdminResolution, len(r.book))
	for key, entry := range r.book {
		out[key] = entry
	}
	return out
}

// Stats returns the counter snapshot used for phase accounting.
func (r *Resolver) Stats() Stats {
	return Stats{
		HTTPRequests: r.httpRequests.Load(),
		CacheHits:    r.cacheHits.Load(),
	}
}

// Size returns the number of address book entries.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.book)
}

func (r *Resolver) fetch(ctx context.Context, lat, lng float64) *AdminResolution {
	query := url.Values{
		"format":         []string{"jsonv2"},
		"lat":            []string{formatCoord(lat)},
		"lon":            []string{formatCoord(lng)},
		"addressdetails": []string{"1"},
		"zoom":           []string{"10"},
		"namedetails":    []string{"1"},
	}

	r.requestMu.Lock()
	defer r.requestMu.Unlock()
	r.pace(ctx)
	defer func() { r.lastRequest = time.Now() }()

	var lastError string
	for i, client := range r.clients {
		metrics.RecordProviderRequest("nominatim", "reverse")
		body, err := client.GetWithQuery(ctx, "/reverse", query, map[string]string{"Accept": "application/json"})
		if err != nil {
			lastError = fmt.Sprintf("%s: %v", r.endpoints[i], err)
			if i < len(r.clients)-1 {
				sleepCtx(ctx, endpointRetryPause)
			}
			continue
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			lastError = fmt.Sprintf("%s: unexpected reverse geocoder payload", r.endpoints[i])
			continue
		}
		if msg := strings.TrimSpace(stringify(payload["error"])); msg != "" {
			lastError = fmt.Sprintf("%s: %s", r.endpoints[i], msg)
			continue
		}
		return buildResolution(payload, r.endpoints[i], lat, lng)
	}

	if lastError == "" {
		lastError = "no reverse geocoder endpoint available"
	}
	return errorResolution(lat, lng, lastError)
}

// pace blocks until the minimum interval since the previous outbound
// request has elapsed. Callers hold requestMu.
func (r *Resolver) pace(ctx context.Context) {
	if r.minInterval <= 0 || r.lastRequest.IsZero() {
		return
	}
	elapsed := time.Since(r.lastRequest)
	if elapsed < r.minInterval {
		sleepCtx(ctx, r.minInterval-elapsed)
	}
}

func (r *Resolver) mergeMeta(entry *AdminResolution, meta PointMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range meta.StopIDs {
		entry.StopIDs = appendUniqueValue(entry.StopIDs, id)
	}
	for _, id := range meta.CustomerIDs {
		entry.CustomerIDs = appendUniqueValue(entry.CustomerIDs, id)
	}
	for _, tag := range meta.SourceTags {
		entry.SourceTags = appendUniqueString(entry.SourceTags, tag)
	}
}

func buildResolution(payload map[string]interface{}, endpoint string, lat, lng float64) *AdminResolution {
	address, _ := payload["address"].(map[string]interface{})
	if address == nil {
		address = map[string]interface{}{}
	}

	municipalityName, sourceField := municipalityFromAddress(address)

	osmType := strings.TrimSpace(stringify(payload["osm_type"]))
	var osmTypePtr, osmRefPtr *string
	if osmType != "" {
		osmTypePtr = &osmType
	}
	osmID := payload["osm_id"]
	if osmTypePtr != nil && osmID != nil {
		ref := fmt.Sprintf("%s/%s", osmType, stringify(osmID))
		osmRefPtr = &ref
	}

	note := "resolved"
	if municipalityName == nil {
		note = "municipality_not_found"
		if len(address) > 0 && onlyNonMunicipalityFields(address) {
			note = "non_municipality_admin_only"
		}
	}

	status := "unknown"
	if municipalityName != nil {
		status = "resolved"
	}

	return &AdminResolution{
		Status:                  status,
		Source:                  "nominatim_reverse",
		SourceEndpoint:          &endpoint,
		Lat:                     round6(lat),
		Lng:                     round6(lng),
		MunicipalityName:        municipalityName,
		MunicipalitySourceField: sourceField,
		DisplayName:             payload["display_name"],
		Address:                 address,
		OSMType:                 osmTypePtr,
		OSMID:                   osmID,
		OSMRef:                  osmRefPtr,
		PlaceID:                 payload["place_id"],
		Category:                payload["category"],
		Type:                    payload["type"],
		ResolutionNote:          note,
		StopIDs:                 []interface{}{},
		CustomerIDs:             []interface{}{},
		SourceTags:              []string{},
	}
}

func errorResolution(lat, lng float64, message string) *AdminResolution {
	return &AdminResolution{
		Status:         "error",
		Source:         "nominatim_reverse",
		Lat:            round6(lat),
		Lng:            round6(lng),
		Address:        map[string]interface{}{},
		ResolutionNote: "request_failed",
		StopIDs:        []interface{}{},
		CustomerIDs:    []interface{}{},
		SourceTags:     []string{},
		Error:          &message,
	}
}

func municipalityFromAddress(address map[string]interface{}) (*string, *string) {
	for _, key := range municipalityAddressPriority {
		value := strings.TrimSpace(stringify(address[key]))
		if value != "" {
			field := key
			return &value, &field
		}
	}
	return nil, nil
}

func onlyNonMunicipalityFields(address map[string]interface{}) bool {
	for key := range address {
		if !nonMunicipalityAdminFields[strings.ToLower(strings.TrimSpace(key))] {
			return false
		}
	}
	return true
}

// ExtractProvince picks the province-level name from an address map,
// returning the value and its source field, or empty strings.
func ExtractProvince(address map[string]interface{}) (string, string) {
	for _, key := range provinceAddressPriority {
		value := strings.TrimSpace(stringify(address[key]))
		if value != "" {
			return value, key
		}
	}
	return "", ""
}

// ExtractCountryCode returns the upper-cased ISO country code from an
// address map, or "".
func ExtractCountryCode(address map[string]interface{}) string {
	return strings.ToUpper(strings.TrimSpace(stringify(address["country_code"])))
}

func appendUniqueValue(items []interface{}, value interface{}) []interface{} {
	if value == nil {
		return items
	}
	for _, existing := range items {
		if reflect.DeepEqual(existing, value) {
			return items
		}
	}
	return append(items, value)
}

func appendUniqueString(items []string, value string) []string {
	if value == "" {
		return items
	}
	for _, existing := range items {
		if existing == value {
			return items
		}
	}
	return append(items, value)
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(round6(v), 'f', -1, 64)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
