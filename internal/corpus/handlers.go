package corpus

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/validation"
)

// Handler exposes corpus builds over HTTP. All routes are admin routes.
type Handler struct {
	manager  *Manager
	defaults Params
	now      func() time.Time
}

// NewHandler creates a corpus handler. defaults supplies windows and
// parallelism when a request leaves them out.
func NewHandler(manager *Manager, defaults Params) *Handler {
	return &Handler{manager: manager, defaults: defaults, now: time.Now}
}

// RegisterAdminRoutes sets up corpus build routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/corpus/builds", h.StartBuild)
	r.GET("/corpus/builds", h.ListBuilds)
	r.GET("/corpus/builds/:id", h.GetBuild)
	r.DELETE("/corpus/builds/:id", h.CancelBuild)
}

// StartBuildRequest mirrors the corpus CLI flags. Durations are Go duration
// strings, times are RFC 3339. An omitted range means the 30 days before now.
type StartBuildRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Cadence     string   `json:"cadence"`
	Warmup      string   `json:"warmup"`
	Lookback    string   `json:"lookback"`
	Horizon     string   `json:"horizon"`
	Strategy    string   `json:"strategy"`
	Parallelism int      `json:"parallelism"`
	DeviceIDs   []string `json:"deviceIds"`
}

func (h *Handler) params(req StartBuildRequest) (Params, validation.ValidationErrors) {
	checks := []func() *validation.ValidationError{
		validation.Timestamp("from", req.From),
		validation.Timestamp("to", req.To),
		validation.PositiveDuration("cadence", req.Cadence),
		validation.PositiveDuration("warmup", req.Warmup),
		validation.PositiveDuration("lookback", req.Lookback),
		validation.PositiveDuration("horizon", req.Horizon),
	}
	for _, id := range req.DeviceIDs {
		checks = append(checks, validation.ValidDeviceID("deviceIds", id))
	}
	strategy, err := features.ParseStrategy(req.Strategy)
	if err != nil {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "strategy", Message: "must be sliding or rescan"}
		})
	}
	if req.Parallelism < 0 || req.Parallelism > 64 {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "parallelism", Message: "must be between 1 and 64"}
		})
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return Params{}, errs
	}

	p := h.defaults
	p.Strategy = strategy
	p.DeviceIDs = req.DeviceIDs
	if req.Parallelism > 0 {
		p.Parallelism = req.Parallelism
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{req.Cadence, &p.Cadence},
		{req.Warmup, &p.Warmup},
		{req.Lookback, &p.Lookback},
		{req.Horizon, &p.Horizon},
	} {
		if d.raw != "" {
			*d.dst, _ = time.ParseDuration(d.raw)
		}
	}

	p.To = h.now().UTC()
	if req.To != "" {
		p.To, _ = time.Parse(time.RFC3339Nano, req.To)
	}
	p.From = p.To.Add(-DefaultSpan)
	if req.From != "" {
		p.From, _ = time.Parse(time.RFC3339Nano, req.From)
	}
	return p, nil
}

// StartBuild handles POST /v1/admin/corpus/builds
func (h *Handler) StartBuild(c *gin.Context) {
	var req StartBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, verrs := h.params(req)
	if len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	build, err := h.manager.Start(p)
	switch {
	case errors.Is(err, ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_params",
			"message": err.Error(),
		})
	case errors.Is(err, ErrBuildRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "build_running",
			"message": "Another corpus build is in progress",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to start corpus build",
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{"build": build})
	}
}

// ListBuilds handles GET /v1/admin/corpus/builds
func (h *Handler) ListBuilds(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	builds, err := h.manager.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list corpus builds",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"builds": builds,
		"count":  len(builds),
	})
}

// GetBuild handles GET /v1/admin/corpus/builds/:id
func (h *Handler) GetBuild(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidBuildID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_build_id",
			"message": "Invalid build id",
		})
		return
	}
	build, err := h.manager.Get(c.Request.Context(), id)
	if errors.Is(err, ErrBuildNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Corpus build not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load corpus build",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"build": build})
}

// CancelBuild handles DELETE /v1/admin/corpus/builds/:id
func (h *Handler) CancelBuild(c *gin.Context) {
	id := c.Param("id")
	err := h.manager.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrBuildNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Corpus build not found",
		})
	case errors.Is(err, ErrBuildNotRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_running",
			"message": "Corpus build already finished",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to cancel corpus build",
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
	}
}
