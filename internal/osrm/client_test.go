package osrm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/richxcame/fleet-routing/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableParsesDistances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/table/v1/driving/"))
		assert.Equal(t, "distance", r.URL.Query().Get("annotations"))
		fmt.Fprint(w, `{"code":"Ok","distances":[[0,14100.5],[13900.2,0]]}`)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	matrix, err := client.Table(context.Background(), []geo.Point{
		{Lat: 40.0, Lng: -3.0},
		{Lat: 40.1, Lng: -3.1},
	})
	require.NoError(t, err)
	require.True(t, matrix.Complete())
	assert.InDelta(t, 14.1005, *matrix.DistancesKm[0][1], 0.0001)
	assert.InDelta(t, 13.9002, *matrix.DistancesKm[1][0], 0.0001)
}

func TestTableKeepsNullLegs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","distances":[[0,null],[null,0]]}`)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	matrix, err := client.Table(context.Background(), []geo.Point{
		{Lat: 40.0, Lng: -3.0},
		{Lat: 40.1, Lng: -3.1},
	})
	require.NoError(t, err)
	assert.False(t, matrix.Complete())
	assert.Nil(t, matrix.DistancesKm[0][1])
}

func TestTableRejectsBadCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoTable"}`)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	_, err := client.Table(context.Background(), []geo.Point{
		{Lat: 40.0, Lng: -3.0},
		{Lat: 40.1, Lng: -3.1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoTable")
}

func TestRouteGeometryDeduplicatesPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/"))
		assert.Equal(t, "full", r.URL.Query().Get("overview"))
		assert.Equal(t, "geojson", r.URL.Query().Get("geometries"))
		fmt.Fprint(w, `{"code":"Ok","routes":[{"geometry":{"coordinates":[[-3.0,40.0],[-3.0,40.0],[-3.05,40.05],[-3.1,40.1]]}}]}`)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	points, err := client.RouteGeometry(context.Background(), geo.Point{Lat: 40, Lng: -3}, geo.Point{Lat: 40.1, Lng: -3.1})
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, geo.Point{Lat: 40, Lng: -3}, points[0])
	assert.Equal(t, geo.Point{Lat: 40.1, Lng: -3.1}, points[2])
}

func TestRouteGeometryRejectsDegeneratePolyline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","routes":[{"geometry":{"coordinates":[[-3.0,40.0]]}}]}`)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	_, err := client.RouteGeometry(context.Background(), geo.Point{Lat: 40, Lng: -3}, geo.Point{Lat: 40.1, Lng: -3.1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient")
}
