package vrp

import (
	"math"
)

// Solve runs a greedy nearest-neighbor assignment: each vehicle in turn
// serves the closest feasible customer until none fit its remaining
// capacity, then returns to the depot. The matrix is indexed with the depot
// at 0 and customer i at i+1.
func Solve(depot Stop, customers []Stop, vehicles, capacity int, matrix [][]float64, distanceSource string) *Result {
	pending := make([]int, len(customers))
	for i := range customers {
		pending[i] = i
	}

	routes := make([]Route, 0, vehicles)
	totalDistance := 0.0

	for vehicle := 1; vehicle <= vehicles; vehicle++ {
		current := 0 // depot
		loadLeft := capacity
		stops := []Stop{depot}
		served := make([]interface{}, 0)
		routeDistance := 0.0

		for len(pending) > 0 {
			bestPos := -1
			bestDistance := math.Inf(1)
			for pos, idx := range pending {
				if customers[idx].DemandOrDefault() > loadLeft {
					continue
				}
				d := matrix[current][idx+1]
				if d < bestDistance {
					bestDistance = d
					bestPos = pos
				}
			}
			if bestPos == -1 {
				break
			}

			idx := pending[bestPos]
			routeDistance += matrix[current][idx+1]
			stops = append(stops, customers[idx])
			served = append(served, customers[idx].ID)
			loadLeft -= customers[idx].DemandOrDefault()
			current = idx + 1
			pending = append(pending[:bestPos], pending[bestPos+1:]...)
		}

		routeDistance += matrix[current][0]
		if len(stops) == 1 {
			// Empty tour: depot to depot is zero regardless of matrix noise.
			routeDistance = 0
		}
		stops = append(stops, depot)

		routes = append(routes, Route{
			Vehicle:           vehicle,
			Capacity:          capacity,
			Used:              capacity - loadLeft,
			DistanceKm:        round3(routeDistance),
			Stops:             stops,
			ServedCustomerIDs: served,
		})
		totalDistance += round3(routeDistance)
	}

	unserved := make([]interface{}, 0, len(pending))
	for _, idx := range pending {
		unserved = append(unserved, customers[idx].ID)
	}

	return &Result{
		Routes:              routes,
		UnservedCustomerIDs: unserved,
		Warnings:            []string{},
		Summary: Summary{
			Vehicles:        vehicles,
			Customers:       len(customers),
			Served:          len(customers) - len(unserved),
			Unserved:        len(unserved),
			TotalDistanceKm: round3(totalDistance),
			DistanceSource:  distanceSource,
		},
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
