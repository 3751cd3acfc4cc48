package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for all distance math.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is a finite coordinate inside WGS84 bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Key returns the canonical cache key for the point, rounded to 6 decimals.
func (p Point) Key() string {
	return CoordKey(p.Lat, p.Lng)
}

// CoordKey canonicalizes a coordinate pair to its 6-decimal string form.
func CoordKey(lat, lng float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lng)
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Midpoint returns the linear mean of the two endpoints. Segments are short
// enough that the planar midpoint is an acceptable stand-in for the
// great-circle one.
func Midpoint(a, b Point) Point {
	return Point{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}

// Interpolate returns the point at fraction t along the straight line from a
// to b. t is clamped to [0,1].
func Interpolate(a, b Point, t float64) Point {
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
}

// PointToSegmentKm returns the distance in km from p to the segment a-b.
// The three points are projected into a local equirectangular frame whose
// reference latitude is their mean, and the projection parameter is clamped
// to the segment.
func PointToSegmentKm(p, a, b Point) float64 {
	refLat := (p.Lat + a.Lat + b.Lat) / 3 * math.Pi / 180
	cosRef := math.Cos(refLat)
	toXY := func(pt Point) (float64, float64) {
		x := pt.Lng * math.Pi / 180 * cosRef * EarthRadiusKm
		y := pt.Lat * math.Pi / 180 * EarthRadiusKm
		return x, y
	}

	px, py := toXY(p)
	ax, ay := toXY(a)
	bx, by := toXY(b)

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = ((px-ax)*dx + (py-ay)*dy) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}

	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(px-cx, py-cy)
}

// PolylineLengthKm sums the haversine lengths of successive edges.
func PolylineLengthKm(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1], points[i])
	}
	return total
}

// ResamplePolyline walks the polyline and emits samples spaced uniformly by
// arc length, one per stepKm, endpoints always included. A degenerate
// polyline (zero total length) yields just the two endpoints.
func ResamplePolyline(points []Point, stepKm float64) []Point {
	if len(points) == 0 {
		return nil
	}
	if len(points) == 1 {
		return []Point{points[0]}
	}
	if stepKm <= 0 {
		stepKm = 1
	}

	cumulative := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		cumulative[i] = cumulative[i-1] + Haversine(points[i-1], points[i])
	}
	total := cumulative[len(points)-1]
	if total == 0 {
		return []Point{points[0], points[len(points)-1]}
	}

	intervals := int(math.Ceil(total / stepKm))
	if intervals < 1 {
		intervals = 1
	}

	samples := make([]Point, 0, intervals+1)
	samples = append(samples, points[0])
	edge := 1
	for i := 1; i < intervals; i++ {
		target := total * float64(i) / float64(intervals)
		for edge < len(points)-1 && cumulative[edge] < target {
			edge++
		}
		span := cumulative[edge] - cumulative[edge-1]
		t := 0.0
		if span > 0 {
			t = (target - cumulative[edge-1]) / span
		}
		samples = append(samples, Interpolate(points[edge-1], points[edge], t))
	}
	samples = append(samples, points[len(points)-1])
	return samples
}
