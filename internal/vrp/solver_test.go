package vrp

import (
	"context"
	"fmt"
	"testing"

	"github.com/richxcame/fleet-routing/internal/osrm"
	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func directFor(t *testing.T, depot Stop, customers []Stop) [][]float64 {
	t.Helper()
	matrix, source, warnings, err := BuildMatrix(context.Background(), depot, customers, "direct", false, nil)
	require.NoError(t, err)
	require.Equal(t, SourceDirect, source)
	require.Empty(t, warnings)
	return matrix
}

func TestSolveSingleVehicleSingleCustomer(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 40.0, Lng: -3.0}
	customers := []Stop{{ID: 1, Lat: 40.1, Lng: -3.1, Demand: intPtr(1)}}

	matrix := directFor(t, depot, customers)
	result := Solve(depot, customers, 1, 5, matrix, SourceDirect)

	require.Len(t, result.Routes, 1)
	route := result.Routes[0]
	assert.Equal(t, 1, route.Vehicle)
	assert.Equal(t, 1, route.Used)
	require.Len(t, route.Stops, 3)
	assert.Equal(t, "depot", route.Stops[0].ID)
	assert.Equal(t, 1, route.Stops[1].ID)
	assert.Equal(t, "depot", route.Stops[2].ID)
	assert.InDelta(t, 28.08, route.DistanceKm, 0.05)
	assert.Empty(t, result.UnservedCustomerIDs)
	assert.Equal(t, 1, result.Summary.Served)
	assert.Equal(t, result.Summary.TotalDistanceKm, route.DistanceKm)
}

func TestSolveCapacityForcesSplit(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 0, Lng: 0}
	customers := []Stop{
		{ID: "c1", Lat: 0, Lng: 1, Demand: intPtr(3)},
		{ID: "c2", Lat: 1, Lng: 0, Demand: intPtr(3)},
		{ID: "c3", Lat: 0, Lng: -1, Demand: intPtr(3)},
		{ID: "c4", Lat: -1, Lng: 0, Demand: intPtr(3)},
	}

	matrix := directFor(t, depot, customers)
	result := Solve(depot, customers, 2, 6, matrix, SourceDirect)

	require.Len(t, result.Routes, 2)
	usedTotal := 0
	for _, route := range result.Routes {
		assert.Len(t, route.ServedCustomerIDs, 2)
		assert.LessOrEqual(t, route.Used, route.Capacity)
		usedTotal += route.Used
	}
	assert.Equal(t, 12, usedTotal)
	assert.Empty(t, result.UnservedCustomerIDs)
	assert.Equal(t, 4, result.Summary.Served)
	assert.Equal(t, 0, result.Summary.Unserved)
}

func TestSolveLeavesInfeasibleCustomersUnserved(t *testing.T) {
	depot := Stop{ID: "d", Lat: 0, Lng: 0}
	customers := []Stop{
		{ID: "small", Lat: 0, Lng: 0.1, Demand: intPtr(2)},
		{ID: "huge", Lat: 0.1, Lng: 0, Demand: intPtr(9)},
	}

	matrix := directFor(t, depot, customers)
	result := Solve(depot, customers, 1, 5, matrix, SourceDirect)

	require.Len(t, result.Routes, 1)
	assert.Equal(t, []interface{}{"small"}, result.Routes[0].ServedCustomerIDs)
	assert.Equal(t, []interface{}{"huge"}, result.UnservedCustomerIDs)
	assert.Equal(t, 1, result.Summary.Served)
	assert.Equal(t, 1, result.Summary.Unserved)
}

func TestSolveDemandDefaultsToOne(t *testing.T) {
	depot := Stop{ID: "d", Lat: 0, Lng: 0}
	customers := []Stop{
		{ID: "a", Lat: 0, Lng: 0.1},
		{ID: "b", Lat: 0, Lng: 0.2},
	}

	matrix := directFor(t, depot, customers)
	result := Solve(depot, customers, 1, 2, matrix, SourceDirect)

	require.Len(t, result.Routes, 1)
	assert.Equal(t, 2, result.Routes[0].Used)
	assert.Empty(t, result.UnservedCustomerIDs)
}

type fakeTableClient struct {
	matrix *osrm.Matrix
	err    error
}

func (f *fakeTableClient) Table(_ context.Context, points []geo.Point) (*osrm.Matrix, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matrix, nil
}

func TestBuildMatrixFallsBackOnUnreachableLegs(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 40.0, Lng: -3.0}
	customers := []Stop{{ID: 1, Lat: 40.1, Lng: -3.1, Demand: intPtr(1)}}

	zero := 0.0
	incomplete := &osrm.Matrix{DistancesKm: [][]*float64{
		{&zero, nil},
		{nil, &zero},
	}}

	matrix, source, warnings, err := BuildMatrix(context.Background(), depot, customers, "osrm", false, &fakeTableClient{matrix: incomplete})
	require.NoError(t, err)
	assert.Equal(t, SourceDirect, source)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "using direct distances")

	result := Solve(depot, customers, 1, 5, matrix, source)
	assert.Empty(t, result.UnservedCustomerIDs)
	assert.InDelta(t, 28.08, result.Routes[0].DistanceKm, 0.05)
}

func TestBuildMatrixFallsBackOnRequestFailure(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 40.0, Lng: -3.0}
	customers := []Stop{{ID: 1, Lat: 40.1, Lng: -3.1}}

	_, source, warnings, err := BuildMatrix(context.Background(), depot, customers, "osrm", false, &fakeTableClient{err: fmt.Errorf("connection refused")})
	require.NoError(t, err)
	assert.Equal(t, SourceDirect, source)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "using direct distances")
}

func TestBuildMatrixStrictSurfacesUnreachableService(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 40.0, Lng: -3.0}
	customers := []Stop{{ID: 1, Lat: 40.1, Lng: -3.1}}

	_, _, _, err := BuildMatrix(context.Background(), depot, customers, "osrm", true, &fakeTableClient{err: fmt.Errorf("connection refused")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing service unreachable")
}

func TestBuildMatrixUsesOSRMDistances(t *testing.T) {
	depot := Stop{ID: "depot", Lat: 40.0, Lng: -3.0}
	customers := []Stop{{ID: 1, Lat: 40.1, Lng: -3.1}}

	zero, out, back := 0.0, 16.0, 15.5
	complete := &osrm.Matrix{DistancesKm: [][]*float64{
		{&zero, &out},
		{&back, &zero},
	}}

	matrix, source, warnings, err := BuildMatrix(context.Background(), depot, customers, "osrm", false, &fakeTableClient{matrix: complete})
	require.NoError(t, err)
	assert.Equal(t, SourceOSRMTable, source)
	assert.Empty(t, warnings)

	result := Solve(depot, customers, 1, 5, matrix, source)
	assert.InDelta(t, 31.5, result.Routes[0].DistanceKm, 0.001)
	assert.Equal(t, SourceOSRMTable, result.Summary.DistanceSource)
}
