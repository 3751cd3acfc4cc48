package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richxcame/fleet-routing/pkg/config"
)

func testRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if cfg == nil {
		cfg = &config.Config{}
	}
	router := gin.New()
	NewHandler(cfg).RegisterRoutes(router)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func solvePayload(extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"depot": map[string]interface{}{"id": "depot", "lat": 40.0, "lng": -3.0},
		"customers": []interface{}{
			map[string]interface{}{"id": "c1", "lat": 40.1, "lng": -3.0},
			map[string]interface{}{"id": "c2", "lat": 40.2, "lng": -3.0},
		},
		"vehicles": 1,
		"capacity": 10,
	}
	for key, value := range extra {
		payload[key] = value
	}
	return payload
}

func TestSolveVRPRejectsMalformedJSON(t *testing.T) {
	router := testRouter(nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/solve_vrp", bytes.NewReader([]byte("{not json")))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestSolveVRPRejectsMissingFields(t *testing.T) {
	router := testRouter(nil)

	for _, payload := range []map[string]interface{}{
		{"customers": []interface{}{map[string]interface{}{"lat": 40.0, "lng": -3.0}}, "vehicles": 1, "capacity": 5},
		{"depot": map[string]interface{}{"lat": 40.0, "lng": -3.0}, "vehicles": 1, "capacity": 5},
		solvePayload(map[string]interface{}{"vehicles": 0}),
		solvePayload(map[string]interface{}{"capacity": 0}),
	} {
		w, decoded := postJSON(t, router, "/solve_vrp", payload)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, decoded["error"])
	}
}

func TestSolveVRPRejectsBadCoordinates(t *testing.T) {
	router := testRouter(nil)
	payload := solvePayload(map[string]interface{}{
		"depot": map[string]interface{}{"id": "depot", "lat": 123.0, "lng": -3.0},
	})
	w, decoded := postJSON(t, router, "/solve_vrp", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decoded["error"], "out of range")
}

func TestSolveVRPDirectWithoutSemanticLayer(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	router := testRouter(nil)

	w, decoded := postJSON(t, router, "/solve_vrp", solvePayload(map[string]interface{}{
		"include_semantic_layer": false,
	}))
	require.Equal(t, http.StatusOK, w.Code)

	summary := decoded["summary"].(map[string]interface{})
	assert.Equal(t, "direct", summary["distance_source"])
	assert.Equal(t, float64(2), summary["served"])

	routes := decoded["routes"].([]interface{})
	require.Len(t, routes, 1)
	_, hasLayer := decoded["semantic_layer"]
	assert.False(t, hasLayer)
}

func TestSolveVRPAttachesSemanticLayer(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	router := testRouter(nil)

	w, decoded := postJSON(t, router, "/solve_vrp", solvePayload(nil))
	require.Equal(t, http.StatusOK, w.Code)

	layer := decoded["semantic_layer"].(map[string]interface{})
	assert.Equal(t, "0.9", layer["version"])
	assert.Equal(t, "ok", layer["status"])
	layerCfg := layer["config"].(map[string]interface{})
	assert.Equal(t, "direct", layerCfg["distance_source"])
	assert.Equal(t, false, layerCfg["use_here_platform"])
	_, hasErr := decoded["semantic_layer_error"]
	assert.False(t, hasErr)
}

func TestSolveVRPStrictRoutingUnreachable(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "routing backend down", http.StatusInternalServerError)
	}))
	defer broken.Close()

	router := testRouter(nil)
	w, decoded := postJSON(t, router, "/solve_vrp", solvePayload(map[string]interface{}{
		"distance_mode":          "osrm",
		"osrm_base_url":          broken.URL,
		"osrm_strict":            true,
		"include_semantic_layer": false,
	}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decoded["error"], "routing service unreachable")
}

func TestSolveVRPFallsBackToDirectDistances(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "routing backend down", http.StatusInternalServerError)
	}))
	defer broken.Close()

	router := testRouter(nil)
	w, decoded := postJSON(t, router, "/solve_vrp", solvePayload(map[string]interface{}{
		"distance_mode":          "osrm",
		"osrm_base_url":          broken.URL,
		"include_semantic_layer": false,
	}))
	require.Equal(t, http.StatusOK, w.Code)

	summary := decoded["summary"].(map[string]interface{})
	assert.Equal(t, "direct", summary["distance_source"])

	warnings := decoded["warnings"].([]interface{})
	require.NotEmpty(t, warnings)
	assert.LessOrEqual(t, len(warnings), 5)
	assert.Contains(t, warnings[0], "using direct distances")
}

func TestEnrichMunicipalityRequiresResult(t *testing.T) {
	router := testRouter(nil)
	w, decoded := postJSON(t, router, "/enrich_municipality", map[string]interface{}{
		"payload": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decoded["error"], "vrp_result")
}

func TestEnrichMunicipalityMergesLayer(t *testing.T) {
	t.Setenv("HERE_API_KEY", "")
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"address": {"town": "Getafe", "state": "Comunidad de Madrid", "country_code": "es"}}`)
	}))
	defer nominatim.Close()

	cfg := &config.Config{}
	cfg.Providers.NominatimEndpoints = []string{nominatim.URL}
	cfg.Providers.OverpassEndpoint = "http://127.0.0.1:0"
	router := testRouter(cfg)

	// Solve first without enrichment, then feed the result back.
	w, solved := postJSON(t, router, "/solve_vrp", solvePayload(map[string]interface{}{
		"include_semantic_layer": false,
	}))
	require.Equal(t, http.StatusOK, w.Code)

	w, enriched := postJSON(t, router, "/enrich_municipality", map[string]interface{}{
		"payload": solvePayload(map[string]interface{}{
			"municipality_reverse_min_interval_ms": 0,
			"province_capital_lookup_enabled":      false,
		}),
		"vrp_result": solved,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The routing fields pass through untouched.
	assert.Equal(t, solved["summary"], enriched["summary"])

	layer := enriched["semantic_layer"].(map[string]interface{})
	api := layer["municipality_api"].(map[string]interface{})
	assert.Equal(t, "ok", api["status"])
	assert.Equal(t, false, layer["config"].(map[string]interface{})["use_here_platform"])

	book := layer["municipality_address_book"].(map[string]interface{})
	assert.NotEmpty(t, book)

	routes := layer["routes"].([]interface{})
	route := routes[0].(map[string]interface{})
	assert.Contains(t, route["municipality_vector"], "Getafe")
}
