package semantic

import (
	"fmt"
	"math"
	"sort"

	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/geo"
)

// Relevance weights for corridor candidates.
const (
	proximityWeight     = 0.65
	categoryWeight      = 0.35
	categoryMatchScore  = 1.0
	categoryOtherScore  = 0.25
	detourDistanceRatio = 2.0
)

// ScoredLocation is a candidate location admitted to the route corridor,
// annotated with the context of its nearest segment.
type ScoredLocation struct {
	ID                  interface{}            `json:"id"`
	Name                interface{}            `json:"name"`
	Lat                 float64                `json:"lat"`
	Lng                 float64                `json:"lng"`
	Source              interface{}            `json:"source"`
	SemanticCategory    string                 `json:"semantic_category"`
	DistanceToRouteKm   float64                `json:"distance_to_route_km"`
	EstimatedDetourKm   float64                `json:"estimated_detour_km"`
	NearestSegmentIndex int                    `json:"nearest_segment_index"`
	RelevanceScore      float64                `json:"relevance_score"`
	Tags                map[string]interface{} `json:"tags"`
	Weather             map[string]interface{} `json:"weather,omitempty"`
	Traffic             map[string]interface{} `json:"traffic,omitempty"`
}

// scoreHook, when set by tests, runs before each corridor scoring pass.
var scoreHook func()

// scoreLocationsForRoute filters the candidates to the corridor around the
// route and ranks them. A route with fewer than two stops has no corridor
// and admits nothing.
func scoreLocationsForRoute(stops []vrp.Stop, candidates []Location, radiusKm float64, categories map[string]bool, topK int) []*ScoredLocation {
	if scoreHook != nil {
		scoreHook()
	}
	if len(stops) < 2 {
		return []*ScoredLocation{}
	}

	scored := make([]*ScoredLocation, 0, len(candidates))
	for _, candidate := range candidates {
		point := candidate.Point()
		bestDist := math.Inf(1)
		bestSegment := 0
		for i := 0; i < len(stops)-1; i++ {
			dist := geo.PointToSegmentKm(point, stops[i].Point(), stops[i+1].Point())
			if dist < bestDist {
				bestDist = dist
				bestSegment = i
			}
		}
		if bestDist > radiusKm {
			continue
		}

		proximity := math.Max(0, 1-bestDist/radiusKm)
		affinity := categoryOtherScore
		if len(categories) == 0 || categories[candidate.Category] {
			affinity = categoryMatchScore
		}
		score := proximityWeight*proximity + categoryWeight*affinity

		scored = append(scored, &ScoredLocation{
			ID:                  candidate.ID,
			Name:                candidate.Name,
			Lat:                 candidate.Lat,
			Lng:                 candidate.Lng,
			Source:              candidate.Source,
			SemanticCategory:    candidate.Category,
			DistanceToRouteKm:   round3(bestDist),
			EstimatedDetourKm:   round3(detourDistanceRatio * bestDist),
			NearestSegmentIndex: bestSegment,
			RelevanceScore:      math.Round(score*10000) / 10000,
			Tags:                candidate.Tags,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.DistanceToRouteKm != b.DistanceToRouteKm {
			return a.DistanceToRouteKm < b.DistanceToRouteKm
		}
		return fmt.Sprint(a.ID) < fmt.Sprint(b.ID)
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// attachSegmentContext copies the nearest segment's weather and traffic
// blocks onto each admitted location.
func attachSegmentContext(locations []*ScoredLocation, contexts []*SegmentContext) {
	for _, location := range locations {
		idx := location.NearestSegmentIndex
		if idx < 0 || idx >= len(contexts) {
			continue
		}
		location.Weather = contexts[idx].Weather
		location.Traffic = contexts[idx].Traffic
	}
}
