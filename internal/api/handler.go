// Package api exposes the routing and enrichment endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/richxcame/fleet-routing/internal/geocode"
	"github.com/richxcame/fleet-routing/internal/here"
	"github.com/richxcame/fleet-routing/internal/osrm"
	"github.com/richxcame/fleet-routing/internal/overpass"
	"github.com/richxcame/fleet-routing/internal/semantic"
	"github.com/richxcame/fleet-routing/internal/vrp"
	"github.com/richxcame/fleet-routing/pkg/common"
	"github.com/richxcame/fleet-routing/pkg/config"
	"github.com/richxcame/fleet-routing/pkg/logger"
)

// requestDeadline bounds one solve-and-enrich request end to end.
const requestDeadline = 60 * time.Second

// maxWarnings caps the warnings echoed on the solve response.
const maxWarnings = 5

// SolveRequest is the strict part of the solve payload. Enrichment keys are
// read permissively from the raw body and never fail validation.
type SolveRequest struct {
	Depot     *vrp.Stop  `json:"depot" validate:"required"`
	Customers []vrp.Stop `json:"customers" validate:"required,min=1"`
	Vehicles  int        `json:"vehicles" validate:"required,min=1"`
	Capacity  int        `json:"capacity" validate:"required,min=1"`

	IncludeSemanticLayer *bool `json:"include_semantic_layer"`
	OSRMStrict           bool  `json:"osrm_strict"`
}

// EnrichRequest re-runs municipality enrichment over an existing result.
type EnrichRequest struct {
	Payload   map[string]interface{} `json:"payload"`
	VRPResult map[string]interface{} `json:"vrp_result" validate:"required"`
}

// Handler wires the routing endpoints to their external clients.
type Handler struct {
	cfg      *config.Config
	validate *validator.Validate
}

// NewHandler builds the endpoint handler.
func NewHandler(cfg *config.Config) *Handler {
	return &Handler{cfg: cfg, validate: validator.New()}
}

// RegisterRoutes attaches the endpoints to the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/solve_vrp", h.SolveVRP)
	r.POST("/enrich_municipality", h.EnrichMunicipality)
}

// SolveVRP solves the capacitated routing problem and, unless the caller
// opts out, attaches the semantic enrichment layer.
func (h *Handler) SolveVRP(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "unable to read request body")
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	var req SolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "request body does not match the solve schema")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "depot, customers, vehicles, and capacity are required")
		return
	}
	if !req.Depot.Point().Valid() {
		common.ErrorResponse(c, http.StatusBadRequest, "depot coordinates are out of range")
		return
	}
	for _, customer := range req.Customers {
		if !customer.Point().Valid() {
			common.ErrorResponse(c, http.StatusBadRequest, "customer coordinates are out of range")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestDeadline)
	defer cancel()

	semCfg := semantic.ParseConfig(raw)
	provider := h.buildProvider(semCfg)
	prefetch := semantic.PrefetchProviderData(ctx, semCfg, *req.Depot, req.Customers, provider, nil)

	var tableClient vrp.TableClient
	if semCfg.DistanceMode == "osrm" {
		tableClient = h.osrmClient(semCfg)
	}
	matrix, distanceSource, warnings, err := vrp.BuildMatrix(ctx, *req.Depot, req.Customers, semCfg.DistanceMode, req.OSRMStrict, tableClient)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadGateway, err.Error())
		return
	}

	result := vrp.Solve(*req.Depot, req.Customers, req.Vehicles, req.Capacity, matrix, distanceSource)
	if len(warnings) > maxWarnings {
		warnings = warnings[:maxWarnings]
	}
	result.Warnings = warnings

	response := gin.H{
		"routes":                result.Routes,
		"unserved_customer_ids": result.UnservedCustomerIDs,
		"warnings":              result.Warnings,
		"summary":               result.Summary,
	}
	if prefetch != nil {
		response["here_prefetch"] = prefetch
	}

	if req.IncludeSemanticLayer == nil || *req.IncludeSemanticLayer {
		layer, layerErr := semantic.BuildLayerSafe(ctx, semCfg, *req.Depot, req.Customers, result, h.dependencies(semCfg, provider))
		response["semantic_layer"] = layer
		if layerErr != "" {
			response["semantic_layer_error"] = layerErr
			logger.WithContext(ctx).Error("semantic layer failed", zap.String("error", layerErr))
		}
	}

	c.JSON(http.StatusOK, response)
}

// EnrichMunicipality re-runs the municipality pass over a previously solved
// result and merges it into that result's semantic layer.
func (h *Handler) EnrichMunicipality(c *gin.Context) {
	var req EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil || len(req.VRPResult) == 0 {
		common.ErrorResponse(c, http.StatusBadRequest, "vrp_result is required")
		return
	}

	var result vrp.Result
	if err := remarshal(req.VRPResult, &result); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "vrp_result does not match the routing schema")
		return
	}

	depot, customers := solveInputsFromPayload(req.Payload)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestDeadline)
	defer cancel()

	semCfg := semantic.ParseConfig(req.Payload)
	semCfg.MunicipalityEnabled = true
	semCfg.UseHerePlatform = false
	semCfg.HereEnabled = false
	semCfg.HereAPIKeySource = "disabled"

	layer, layerErr := semantic.BuildLayerSafe(ctx, semCfg, depot, customers, &result, h.dependencies(semCfg, nil))

	response := make(gin.H, len(req.VRPResult))
	for key, value := range req.VRPResult {
		response[key] = value
	}
	response["semantic_layer"] = semantic.MergeLayers(req.VRPResult["semantic_layer"], layer)
	if layerErr != "" {
		response["semantic_layer_error"] = layerErr
	}
	c.JSON(http.StatusOK, response)
}

// buildProvider picks the live client or the emulator per the request.
func (h *Handler) buildProvider(cfg *semantic.Config) here.Provider {
	if !cfg.HereEnabled {
		return nil
	}
	if cfg.HereDataSource == "emulator" {
		return here.NewEmulator(here.EmulatorOptions{
			Seed:                cfg.HereEmulatorSeed,
			TimeoutSec:          cfg.HereTimeoutSec,
			TrafficRadiusM:      cfg.HereTrafficRadiusM,
			ForecastWindowHours: cfg.HereForecastWindowHours,
			ForecastStepMin:     cfg.HereForecastIntervalMin,
		})
	}
	return here.NewClient(here.ClientOptions{
		APIKey:              cfg.HereAPIKey,
		TimeoutSec:          cfg.HereTimeoutSec,
		TrafficRadiusM:      cfg.HereTrafficRadiusM,
		ForecastWindowHours: cfg.HereForecastWindowHours,
		ForecastStepMin:     cfg.HereForecastIntervalMin,
	})
}

func (h *Handler) osrmClient(cfg *semantic.Config) *osrm.Client {
	baseURL := cfg.OSRMBaseURL
	if baseURL == "" {
		baseURL = h.cfg.Providers.OSRMBaseURL
	}
	return osrm.NewClient(osrm.Options{
		BaseURL:    baseURL,
		TimeoutSec: cfg.RouteGeometryTimeoutSec,
		UserAgent:  h.cfg.Providers.UserAgent,
	})
}

// dependencies assembles the enrichment clients a request needs. Municipality
// clients are only built when that pass will run.
func (h *Handler) dependencies(cfg *semantic.Config, provider here.Provider) semantic.Dependencies {
	deps := semantic.Dependencies{Provider: provider}
	if !cfg.MunicipalityEnabled {
		return deps
	}

	deps.Geocoder = geocode.NewResolver(geocode.Options{
		Endpoints:     h.cfg.Providers.NominatimEndpoints,
		TimeoutSec:    cfg.MunicipalityTimeoutSec,
		MinIntervalMs: cfg.MunicipalityReverseMinInterval,
	})
	deps.Overpass = overpass.NewClient(overpass.Options{
		Endpoints:  []string{h.cfg.Providers.OverpassEndpoint},
		TimeoutSec: cfg.MunicipalityTimeoutSec,
	})
	if cfg.MunicipalityUseRouteGeometry && cfg.DistanceMode == "osrm" {
		deps.Geometry = h.osrmClient(cfg)
	}
	return deps
}

func remarshal(src, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// solveInputsFromPayload recovers the depot and customer stops from the
// original request payload when the caller includes them.
func solveInputsFromPayload(payload map[string]interface{}) (vrp.Stop, []vrp.Stop) {
	var depot vrp.Stop
	var customers []vrp.Stop
	if payload == nil {
		return depot, customers
	}
	_ = remarshal(payload["depot"], &depot)
	_ = remarshal(payload["customers"], &customers)
	return depot, customers
}
