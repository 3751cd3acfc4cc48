// Package vrp holds the capacitated routing core: a nearest-neighbor solver
// over a pluggable distance matrix, with an on-road matrix source that falls
// back to direct great-circle distances.
package vrp

import (
	"github.com/richxcame/fleet-routing/pkg/geo"
)

// Stop is a depot or customer coordinate. IDs are caller-opaque and echoed
// back untouched, so they stay as raw JSON values.
type Stop struct {
	ID     interface{} `json:"id"`
	Lat    float64     `json:"lat"`
	Lng    float64     `json:"lng"`
	Demand *int        `json:"demand,omitempty"`
}

// Point returns the stop's coordinate.
func (s Stop) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// DemandOrDefault returns the stop demand, defaulting to 1 when absent.
func (s Stop) DemandOrDefault() int {
	if s.Demand == nil {
		return 1
	}
	return *s.Demand
}

// Route is one vehicle's tour, starting and ending at the depot.
type Route struct {
	Vehicle           int           `json:"vehicle"`
	Capacity          int           `json:"capacity"`
	Used              int           `json:"used"`
	DistanceKm        float64       `json:"distance_km"`
	Stops             []Stop        `json:"stops"`
	ServedCustomerIDs []interface{} `json:"served_customer_ids"`
}

// Summary aggregates the solve outcome.
type Summary struct {
	Vehicles        int     `json:"vehicles"`
	Customers       int     `json:"customers"`
	Served          int     `json:"served"`
	Unserved        int     `json:"unserved"`
	TotalDistanceKm float64 `json:"total_distance_km"`
	DistanceSource  string  `json:"distance_source"`
}

// Result is the routing answer before enrichment.
type Result struct {
	Routes              []Route       `json:"routes"`
	UnservedCustomerIDs []interface{} `json:"unserved_customer_ids"`
	Warnings            []string      `json:"warnings"`
	Summary             Summary       `json:"summary"`
}
