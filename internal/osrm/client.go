// Package osrm is a thin client for an OSRM-compatible routing service. The
// solver uses the table endpoint for on-road distance matrices and the
// municipality resolver uses the route endpoint for segment polylines.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/httpclient"
	"github.com/richxcame/fleet-routing/pkg/metrics"
)

const (
	// DefaultBaseURL is the public demo server. Production deployments
	// should point OSRM_BASE_URL at their own instance.
	DefaultBaseURL = "https://router.project-osrm.org"

	DefaultTableTimeoutSec = 10
	DefaultRouteTimeoutSec = 10
)

// Client issues table and route requests against one OSRM base URL.
type Client struct {
	http *httpclient.Client
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	TimeoutSec int
	UserAgent  string
}

// NewClient builds an OSRM client with the provider retry profile.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.TimeoutSec
	if timeout <= 0 {
		timeout = DefaultTableTimeoutSec
	} else if timeout < 2 {
		timeout = 2
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = "fleet-routing/0.9 (route enrichment)"
	}
	return &Client{
		http: httpclient.NewClient(base, time.Duration(timeout)*time.Second,
			httpclient.WithProviderRetry(),
			httpclient.WithUserAgent(agent)),
	}
}

// Matrix holds pairwise on-road distances in kilometers. A nil entry means
// the service could not route between that pair.
type Matrix struct {
	DistancesKm [][]*float64
}

// Complete reports whether every leg of the matrix has a distance.
func (m *Matrix) Complete() bool {
	for _, row := range m.DistancesKm {
		for _, cell := range row {
			if cell == nil {
				return false
			}
		}
	}
	return true
}

type tableResponse struct {
	Code      string       `json:"code"`
	Distances [][]*float64 `json:"distances"`
}

// Table fetches the full distance matrix for the given points.
func (c *Client) Table(ctx context.Context, points []geo.Point) (*Matrix, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("osrm table needs at least 2 points, got %d", len(points))
	}
	for _, p := range points {
		if !p.Valid() {
			return nil, fmt.Errorf("osrm table: invalid coordinate %s", p.Key())
		}
	}

	path := "/table/v1/driving/" + coordinatePath(points)
	query := url.Values{"annotations": []string{"distance"}}

	metrics.RecordProviderRequest("osrm", "table")
	body, err := c.http.GetWithQuery(ctx, path, query, nil)
	if err != nil {
		return nil, fmt.Errorf("osrm table request failed: %w", err)
	}

	var parsed tableResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("osrm table payload unreadable: %w", err)
	}
	if parsed.Code != "Ok" {
		return nil, fmt.Errorf("osrm table code=%s", parsed.Code)
	}
	if len(parsed.Distances) != len(points) {
		return nil, fmt.Errorf("osrm table returned %d rows for %d points", len(parsed.Distances), len(points))
	}

	matrix := &Matrix{DistancesKm: make([][]*float64, len(parsed.Distances))}
	for i, row := range parsed.Distances {
		if len(row) != len(points) {
			return nil, fmt.Errorf("osrm table row %d has %d cells for %d points", i, len(row), len(points))
		}
		cells := make([]*float64, len(row))
		for j, meters := range row {
			if meters == nil {
				continue
			}
			km := *meters / 1000.0
			cells[j] = &km
		}
		matrix.DistancesKm[i] = cells
	}
	return matrix, nil
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// RouteGeometry fetches the road polyline between two coordinates. The
// returned points are in lat/lng order with consecutive duplicates removed.
func (c *Client) RouteGeometry(ctx context.Context, start, end geo.Point) ([]geo.Point, error) {
	if !start.Valid() || !end.Valid() {
		return nil, fmt.Errorf("invalid coordinates for route geometry")
	}

	path := "/route/v1/driving/" + coordinatePath([]geo.Point{start, end})
	query := url.Values{
		"overview":   []string{"full"},
		"geometries": []string{"geojson"},
		"steps":      []string{"false"},
	}

	metrics.RecordProviderRequest("osrm", "route")
	body, err := c.http.GetWithQuery(ctx, path, query, nil)
	if err != nil {
		return nil, fmt.Errorf("osrm route request failed: %w", err)
	}

	var parsed routeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("osrm route payload unreadable: %w", err)
	}
	if parsed.Code != "Ok" {
		return nil, fmt.Errorf("osrm route code=%s", parsed.Code)
	}
	if len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("osrm route missing routes")
	}

	coords := parsed.Routes[0].Geometry.Coordinates
	points := make([]geo.Point, 0, len(coords))
	for _, pair := range coords {
		if len(pair) < 2 {
			continue
		}
		p := geo.Point{Lat: pair[1], Lng: pair[0]}
		if n := len(points); n > 0 && samePoint(points[n-1], p) {
			continue
		}
		points = append(points, p)
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("osrm route geometry has insufficient valid points")
	}
	return points, nil
}

func coordinatePath(points []geo.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%v,%v", p.Lng, p.Lat)
	}
	return strings.Join(parts, ";")
}

func samePoint(a, b geo.Point) bool {
	const eps = 1e-9
	return a.Lat-b.Lat < eps && b.Lat-a.Lat < eps && a.Lng-b.Lng < eps && b.Lng-a.Lng < eps
}
