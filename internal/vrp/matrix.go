package vrp

import (
	"context"
	"fmt"

	"github.com/richxcame/fleet-routing/internal/osrm"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/richxcame/fleet-routing/pkg/logger"
	"go.uber.org/zap"
)

// Distance matrix sources reported in the solve summary.
const (
	SourceDirect    = "direct"
	SourceOSRMTable = "osrm_table"
)

// TableClient is the part of the OSRM client the matrix builder needs.
type TableClient interface {
	Table(ctx context.Context, points []geo.Point) (*osrm.Matrix, error)
}

// BuildMatrix assembles the (n+1)x(n+1) distance matrix for the depot plus
// customers. In "osrm" mode it asks the routing service for on-road
// distances and degrades to direct great-circle distances when the table is
// unavailable or has unreachable legs, recording a warning either way. The
// returned error is non-nil only for the strict on-road case where no
// fallback is wanted.
func BuildMatrix(ctx context.Context, depot Stop, customers []Stop, mode string, strict bool, client TableClient) ([][]float64, string, []string, error) {
	points := make([]geo.Point, 0, len(customers)+1)
	points = append(points, depot.Point())
	for _, c := range customers {
		points = append(points, c.Point())
	}

	if mode == "osrm" && client != nil {
		matrix, err := client.Table(ctx, points)
		switch {
		case err != nil:
			if strict {
				return nil, "", nil, fmt.Errorf("routing service unreachable: %w", err)
			}
			logger.WithContext(ctx).Warn("OSRM table unavailable, degrading to direct distances", zap.Error(err))
			return directMatrix(points), SourceDirect,
				[]string{fmt.Sprintf("OSRM table lookup failed (%v); using direct distances", err)}, nil
		case !matrix.Complete():
			logger.WithContext(ctx).Warn("OSRM table has unreachable legs, degrading to direct distances")
			return directMatrix(points), SourceDirect,
				[]string{"OSRM table returned unreachable legs; using direct distances"}, nil
		default:
			km := make([][]float64, len(points))
			for i, row := range matrix.DistancesKm {
				km[i] = make([]float64, len(points))
				for j, cell := range row {
					km[i][j] = *cell
				}
			}
			return km, SourceOSRMTable, nil, nil
		}
	}

	return directMatrix(points), SourceDirect, nil, nil
}

func directMatrix(points []geo.Point) [][]float64 {
	matrix := make([][]float64, len(points))
	for i := range points {
		matrix[i] = make([]float64, len(points))
		for j := range points {
			if i == j {
				continue
			}
			matrix[i][j] = geo.Haversine(points[i], points[j])
		}
	}
	return matrix
}
