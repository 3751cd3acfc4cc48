// Package overpass queries the OpenStreetMap Overpass API for populated
// places around route samples and for province capitals extracted from
// administrative boundary relations.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/httpclient"
	"github.com/richxcame/fleet-routing/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeoutSec = 8

	placesUserAgent   = "softOptimizationVRP/municipality-enricher"
	capitalsUserAgent = "softOptimizationVRP/province-capital-resolver"

	// Pause between endpoint attempts inside one lookup.
	endpointRetryPause = 150 * time.Millisecond
)

// DefaultEndpoints are public Overpass interpreters, tried in order.
var DefaultEndpoints = []string{
	"https://overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
}

// placeWeights ranks place classes by administrative significance.
var placeWeights = map[string]int{
	"city":          5,
	"town":          4,
	"municipality":  4,
	"village":       3,
	"borough":       3,
	"suburb":        2,
	"quarter":       2,
	"hamlet":        1,
	"neighbourhood": 1,
}

const placeRegex = "city|town|municipality|village|borough|suburb|quarter|hamlet|neighbourhood"

// capitalMemberRoles orders the relation member roles that can mark a
// province capital.
var capitalMemberRoles = []string{"admin_centre", "capital", "label"}

// Place is a populated place candidate near a sample point.
type Place struct {
	OSMRef     string  `json:"osm_ref"`
	Name       string  `json:"name"`
	Place      string  `json:"place"`
	Population int     `json:"population"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// PlaceMatch is a place selected for a specific sample point.
type PlaceMatch struct {
	Place
	DistanceKm float64 `json:"distance_km"`
}

// ProvinceCapital is the cached outcome of one capital lookup.
type ProvinceCapital struct {
	Status        string      `json:"status"`
	ProvinceName  *string     `json:"province_name"`
	CountryCode   *string     `json:"country_code"`
	CapitalName   *string     `json:"capital_name"`
	CapitalOSMRef *string     `json:"capital_osm_ref"`
	CapitalLat    *float64    `json:"capital_lat"`
	CapitalLng    *float64    `json:"capital_lng"`
	Source        *string     `json:"source"`
	MemberRole    *string     `json:"member_role,omitempty"`
	Error         interface{} `json:"error"`
}

// CapitalNameOrEmpty returns the resolved capital name or "".
func (c *ProvinceCapital) CapitalNameOrEmpty() string {
	if c == nil || c.CapitalName == nil {
		return ""
	}
	return *c.CapitalName
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Endpoints  []string
	TimeoutSec int
}

// Client issues Overpass queries with a shared province-capital cache.
type Client struct {
	endpoints []string
	clients   []*httpclient.Client

	mu       sync.Mutex
	capitals map[string]*ProvinceCapital
	group    singleflight.Group
}

// NewClient builds an Overpass client over the given interpreter list.
func NewClient(opts Options) *Client {
	endpoints := make([]string, 0, len(opts.Endpoints))
	for _, raw := range opts.Endpoints {
		trimmed := strings.TrimSpace(raw)
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

	clients := make([]*httpclient.Client, len(endpoints))
	for i, endpoint := range endpoints {
		clients[i] = httpclient.NewClient(endpoint, time.Duration(timeout)*time.Second)
	}

	return &Client{
		endpoints: endpoints,
		clients:   clients,
		capitals:  make(map[string]*ProvinceCapital),
	}
}

type overpassElement struct {
	Type   string   `json:"type"`
	ID     int64    `json:"id"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Center *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"center"`
	Tags    map[string]interface{} `json:"tags"`
	Members []struct {
		Type string `json:"type"`
		Ref  int64  `json:"ref"`
		Role string `json:"role"`
	} `json:"members"`
}

type overpassPayload struct {
	Remark   string            `json:"remark"`
	Elements []overpassElement `json:"elements"`
}

// PlacesWithin runs one batched around-query covering every sample point
// and returns deduplicated place candidates ranked by population and class.
func (c *Client) PlacesWithin(ctx context.Context, samples []geo.Point, radiusKm float64, timeoutSec int) ([]Place, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	radiusM := int(math.Max(1000, radiusKm*1000))

	var clauses strings.Builder
	for _, sample := range samples {
		for _, kind := range []string{"node", "way", "relation"} {
			fmt.Fprintf(&clauses, "%s(around:%d,%v,%v)[\"place\"~\"%s\"];\n",
				kind, radiusM, sample.Lat, sample.Lng, placeRegex)
		}
	}
	query := fmt.Sprintf("[out:json][timeout:%d];\n(\n%s);\nout tags center;", maxInt(5, timeoutSec), clauses.String())

	payload, err := c.query(ctx, query, placesUserAgent, "places")
	if err != nil {
		return nil, err
	}

	candidates := extractPlaceCandidates(payload.Elements)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Population != b.Population {
			return a.Population > b.Population
		}
		wa, wb := placeWeights[a.Place], placeWeights[b.Place]
		if wa != wb {
			return wa > wb
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return candidates, nil
}

// PickBest selects the candidate closest to the sample within the radius,
// breaking ties by place class weight, population, then name.
func PickBest(sample geo.Point, candidates []Place, radiusKm float64) *PlaceMatch {
	var best *PlaceMatch
	for _, candidate := range candidates {
		distance := geo.Haversine(sample, geo.Point{Lat: candidate.Lat, Lng: candidate.Lng})
		if distance > radiusKm {
			continue
		}
		match := &PlaceMatch{Place: candidate, DistanceKm: math.Round(distance*1000) / 1000}
		if best == nil || lessMatch(match, best) {
			best = match
		}
	}
	return best
}

func lessMatch(a, b *PlaceMatch) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	wa, wb := placeWeights[a.Place.Place], placeWeights[b.Place.Place]
	if wa != wb {
		return wa > wb
	}
	if a.Population != b.Population {
		return a.Population > b.Population
	}
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}

// ResolveProvinceCapital finds the capital of an administrative province by
// boundary relation. Results, including failures, are cached by country
// code and case-folded name. The second return value reports whether this
// call performed the lookup rather than serving the cache.
func (c *Client) ResolveProvinceCapital(ctx context.Context, provinceName, countryCode string, timeoutSec int) (*ProvinceCapital, bool) {
	name := strings.TrimSpace(provinceName)
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	if name == "" {
		result := &ProvinceCapital{Status: "unknown"}
		if cc != "" {
			result.CountryCode = &cc
		}
		return result, false
	}

	key := cc + "|" + strings.ToLower(name)

	c.mu.Lock()
	cached, ok := c.capitals[key]
	c.mu.Unlock()
	if ok {
		return cached, false
	}

	// Freshness is tracked by the closure itself: singleflight's shared
	// flag also covers the executing caller, so it cannot distinguish the
	// goroutine that performed the lookup from the ones that waited on it.
	fresh := false
	value, _, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		entry, ok := c.capitals[key]
		c.mu.Unlock()
		if ok {
			return entry, nil
		}

		entry = c.lookupCapital(ctx, name, cc, timeoutSec)
		fresh = true
		c.mu.Lock()
		c.capitals[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	return value.(*ProvinceCapital), fresh
}

// Capitals returns a shallow copy of the province-capital cache.
func (c *Client) Capitals() map[string]*ProvinceCapital {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*ProvinceCapital, len(c.capitals))
	for key, entry := range c.capitals {
		out[key] = entry
	}
	return out
}

func (c *Client) lookupCapital(ctx context.Context, name, cc string, timeoutSec int) *ProvinceCapital {
	escaped := escapeLiteral(name)
	query := fmt.Sprintf("[out:json][timeout:%d];\n(\n"+
		"  relation[\"boundary\"=\"administrative\"][\"name\"=\"%s\"][\"admin_level\"~\"4|5|6|7|8\"];\n"+
		"  relation[\"type\"=\"boundary\"][\"name\"=\"%s\"][\"admin_level\"~\"4|5|6|7|8\"];\n"+
		");\nout body;\n>;\nout body;", maxInt(5, timeoutSec), escaped, escaped)

	base := capitalBase(name, cc)
	source := "overpass_relation_member"

	payload, err := c.query(ctx, query, capitalsUserAgent, "capital")
	if err != nil {
		base.Status = "error"
		base.Source = &source
		base.Error = err.Error()
		return base
	}

	relation := pickProvinceRelation(payload.Elements, name, cc)
	if relation == nil {
		base.Status = "unknown"
		base.Source = &source
		base.Error = "province_relation_not_found"
		return base
	}

	capital := extractCapital(relation, payload.Elements)
	if capital == nil {
		base.Status = "unknown"
		base.Source = &source
		base.Error = "province_capital_not_found"
		return base
	}

	base.Status = "resolved"
	base.CapitalName = &capital.name
	base.CapitalOSMRef = &capital.osmRef
	base.CapitalLat = capital.lat
	base.CapitalLng = capital.lng
	base.Source = &source
	base.MemberRole = &capital.role
	return base
}

func capitalBase(name, cc string) *ProvinceCapital {
	result := &ProvinceCapital{ProvinceName: &name}
	if cc != "" {
		result.CountryCode = &cc
	}
	return result
}

func (c *Client) query(ctx context.Context, query, userAgent, endpointLabel string) (*overpassPayload, error) {
	form := url.Values{"data": []string{query}}
	headers := map[string]string{"User-Agent": userAgent}

	var lastError error
	for i, client := range c.clients {
		metrics.RecordProviderRequest("overpass", endpointLabel)
		body, err := client.PostForm(ctx, "", form, headers)
		if err != nil {
			lastError = fmt.Errorf("%s: %w", c.endpoints[i], err)
			if i < len(c.clients)-1 {
				sleepCtx(ctx, endpointRetryPause)
			}
			continue
		}

		var payload overpassPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			lastError = fmt.Errorf("%s: unexpected Overpass payload", c.endpoints[i])
			continue
		}
		if remark := strings.TrimSpace(payload.Remark); remark != "" {
			lastError = fmt.Errorf("%s: Overpass remark: %s", c.endpoints[i], remark)
			continue
		}
		return &payload, nil
	}
	if lastError == nil {
		lastError = fmt.Errorf("no Overpass endpoint available")
	}
	return nil, lastError
}

func extractPlaceCandidates(elements []overpassElement) []Place {
	byRef := make(map[string]Place)
	for _, element := range elements {
		name := strings.TrimSpace(tagString(element.Tags, "name"))
		if name == "" {
			continue
		}
		place := strings.ToLower(strings.TrimSpace(tagString(element.Tags, "place")))
		if _, ok := placeWeights[place]; !ok {
			continue
		}

		lat, lng := elementCoordinate(element)
		if lat == nil || lng == nil {
			continue
		}

		ref := fmt.Sprintf("%s/%d", element.Type, element.ID)
		candidate := Place{
			OSMRef:     ref,
			Name:       name,
			Place:      place,
			Population: parsePopulation(tagString(element.Tags, "population")),
			Lat:        *lat,
			Lng:        *lng,
		}
		previous, exists := byRef[ref]
		if !exists || outranksPlace(candidate, previous) {
			byRef[ref] = candidate
		}
	}

	out := make([]Place, 0, len(byRef))
	for _, candidate := range byRef {
		out = append(out, candidate)
	}
	return out
}

// outranksPlace orders duplicate refs by population, then place class weight.
func outranksPlace(a, b Place) bool {
	if a.Population != b.Population {
		return a.Population > b.Population
	}
	return placeWeights[a.Place] > placeWeights[b.Place]
}

type capitalMember struct {
	name   string
	lat    *float64
	lng    *float64
	osmRef string
	role   string
}

func pickProvinceRelation(elements []overpassElement, provinceName, cc string) *overpassElement {
	type scored struct {
		key  [4]int
		name string
		elem *overpassElement
	}
	var candidates []scored
	for i := range elements {
		element := &elements[i]
		if element.Type != "relation" {
			continue
		}
		relationName := strings.TrimSpace(tagString(element.Tags, "name"))
		nameScore := nameMatchScore(relationName, provinceName)
		if nameScore >= 90 {
			continue
		}

		isoCode := strings.ToUpper(strings.TrimSpace(tagString(element.Tags, "ISO3166-2")))
		countryScore := 0
		if cc != "" {
			if strings.HasPrefix(isoCode, cc+"-") {
				countryScore = 0
			} else {
				countryScore = 1
			}
		}

		level := parsePopulation(tagString(element.Tags, "admin_level"))
		if level == 0 {
			level = 99
		}
		levelScore := level - 6
		if levelScore < 0 {
			levelScore = -levelScore
		}

		hasCapitalMember := 1
		for _, member := range element.Members {
			role := strings.ToLower(strings.TrimSpace(member.Role))
			for _, wanted := range capitalMemberRoles {
				if role == wanted {
					hasCapitalMember = 0
					break
				}
			}
			if hasCapitalMember == 0 {
				break
			}
		}

		candidates = append(candidates, scored{
			key:  [4]int{nameScore, countryScore, levelScore, hasCapitalMember},
			name: strings.ToLower(relationName),
			elem: element,
		})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].key != candidates[j].key {
			for k := 0; k < 4; k++ {
				if candidates[i].key[k] != candidates[j].key[k] {
					return candidates[i].key[k] < candidates[j].key[k]
				}
			}
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].elem
}

func nameMatchScore(candidate, target string) int {
	cand := strings.ToLower(strings.TrimSpace(candidate))
	tgt := strings.ToLower(strings.TrimSpace(target))
	if cand == "" || tgt == "" {
		return 99
	}
	if cand == tgt {
		return 0
	}
	if strings.Contains(cand, tgt) {
		return 1
	}
	if strings.Contains(tgt, cand) {
		return 2
	}
	return 99
}

func extractCapital(relation *overpassElement, elements []overpassElement) *capitalMember {
	type refKey struct {
		kind string
		id   int64
	}
	byRef := make(map[refKey]*overpassElement, len(elements))
	for i := range elements {
		element := &elements[i]
		kind := strings.ToLower(strings.TrimSpace(element.Type))
		if kind != "" {
			byRef[refKey{kind, element.ID}] = element
		}
	}

	for _, role := range capitalMemberRoles {
		for _, member := range relation.Members {
			if strings.ToLower(strings.TrimSpace(member.Role)) != role {
				continue
			}
			kind := strings.ToLower(strings.TrimSpace(member.Type))
			if kind == "" {
				continue
			}
			element, ok := byRef[refKey{kind, member.Ref}]
			if !ok {
				continue
			}
			name := strings.TrimSpace(tagString(element.Tags, "name"))
			if name == "" {
				continue
			}
			lat, lng := elementCoordinate(*element)
			return &capitalMember{
				name:   name,
				lat:    roundPtr(lat),
				lng:    roundPtr(lng),
				osmRef: fmt.Sprintf("%s/%d", kind, member.Ref),
				role:   role,
			}
		}
	}
	return nil
}

func elementCoordinate(element overpassElement) (*float64, *float64) {
	if element.Lat != nil && element.Lon != nil {
		return element.Lat, element.Lon
	}
	if element.Center != nil && element.Center.Lat != nil && element.Center.Lon != nil {
		return element.Center.Lat, element.Center.Lon
	}
	return nil, nil
}

func tagString(tags map[string]interface{}, key string) string {
	switch v := tags[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func parsePopulation(raw string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return 0
	}
	var value int
	for _, r := range digits {
		value = value*10 + int(r-'0')
		if value > 1<<31 {
			return 1 << 31
		}
	}
	return value
}

func escapeLiteral(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	rounded := math.Round(*v*1e6) / 1e6
	return &rounded
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
