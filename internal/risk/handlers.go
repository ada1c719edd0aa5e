package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/pagination"
	"github.com/ncrp/atmrisk/internal/validation"
)

// MaxBatchRows caps the rows accepted by one scoring request.
const MaxBatchRows = 10000

// Handler provides HTTP endpoints for scoring.
type Handler struct {
	service  *Service
	lookback time.Duration
}

// NewHandler creates a scoring handler. lookback is the default window for
// device-based endpoints.
func NewHandler(service *Service, lookback time.Duration) *Handler {
	return &Handler{service: service, lookback: lookback}
}

// RegisterRoutes sets up public scoring routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.Score)
	r.POST("/score/devices", h.ScoreDevices)
	r.GET("/devices/:id/features", h.GetDeviceFeatures)
	r.GET("/devices/:id/assessments", h.ListAssessments)
	r.GET("/contract", h.GetContract)
	r.GET("/model", h.GetModel)
}

// RegisterAdminRoutes sets up routes that require the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/model/reload", h.ReloadModel)
}

// decodeRecords accepts {"rows": [...]} or a bare array. Numbers are kept as
// json.Number so integer fields are checked exactly.
func decodeRecords(body io.Reader) ([]contract.Record, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Rows json.RawMessage `json:"rows"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if wrapped.Rows == nil {
			return nil, errors.New(`body must be an array or an object with "rows"`)
		}
		raw = wrapped.Rows
	}

	var recs []contract.Record
	inner := json.NewDecoder(bytes.NewReader(raw))
	inner.UseNumber()
	if err := inner.Decode(&recs); err != nil {
		return nil, fmt.Errorf("rows must be an array of objects: %w", err)
	}
	return recs, nil
}

// Score handles POST /v1/score
func (h *Handler) Score(c *gin.Context) {
	recs, err := decodeRecords(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if len(recs) > MaxBatchRows {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "batch_too_large",
			"message": fmt.Sprintf("at most %d rows per request", MaxBatchRows),
		})
		return
	}

	batch, err := h.service.Score(c.Request.Context(), recs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// ScoreDevicesRequest asks for online features and scores of devices.
type ScoreDevicesRequest struct {
	DeviceIDs []string `json:"deviceIds" binding:"required,min=1,max=1000"`
	At        string   `json:"at"`       // RFC 3339, default now
	Lookback  string   `json:"lookback"` // Go duration, default configured lookback
}

// ScoreDevices handles POST /v1/score/devices
func (h *Handler) ScoreDevices(c *gin.Context) {
	var req ScoreDevicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deviceIds must list 1 to 1000 device ids",
		})
		return
	}
	for _, id := range req.DeviceIDs {
		if !validation.IsValidDeviceID(id) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_device_id",
				"message": fmt.Sprintf("invalid device id %q", id),
			})
			return
		}
	}
	at, lookback, err := h.window(req.At, req.Lookback)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	batch, err := h.service.ScoreDevices(c.Request.Context(), req.DeviceIDs, at, lookback)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// GetDeviceFeatures handles GET /v1/devices/:id/features?at=&lookback=
func (h *Handler) GetDeviceFeatures(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidDeviceID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_device_id",
			"message": "Invalid device id",
		})
		return
	}
	at, lookback, err := h.window(c.Query("at"), c.Query("lookback"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	row, err := h.service.DeviceFeatures(c.Request.Context(), id, at, lookback)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contractVersion": h.service.Contract().Version,
		"lookback":        lookback.String(),
		"features":        h.service.Contract().ToRecord(row),
	})
}

// ListAssessments handles GET /v1/devices/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidDeviceID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_device_id",
			"message": "Invalid device id",
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	as, err := h.service.Assessments(c.Request.Context(), id, after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	as, next := pagination.ComputePage(as, limit, func(a Assessment) (time.Time, string) {
		return a.ScoredAt, a.ID
	})
	resp := gin.H{
		"assessments": as,
		"count":       len(as),
		"has_more":    next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetContract handles GET /v1/contract
func (h *Handler) GetContract(c *gin.Context) {
	ct := h.service.Contract()
	c.JSON(http.StatusOK, gin.H{
		"contract": ct,
		"features": ct.FeatureNames(),
	})
}

// GetModel handles GET /v1/model
func (h *Handler) GetModel(c *gin.Context) {
	info, ok := h.service.Registry().Info()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": "No model is loaded",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": info})
}

// ReloadModel handles POST /v1/admin/model/reload
func (h *Handler) ReloadModel(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	info, err := h.service.Registry().Reload(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
			"loaded":  h.service.Registry().Loaded(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": info})
}

func (h *Handler) window(atParam, lookbackParam string) (time.Time, time.Duration, error) {
	var at time.Time
	if atParam != "" {
		t, err := time.Parse(time.RFC3339Nano, atParam)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("at must be an RFC 3339 timestamp")
		}
		at = t.UTC()
	}
	lookback := h.lookback
	if lookbackParam != "" {
		d, err := time.ParseDuration(lookbackParam)
		if err != nil || d <= 0 {
			return time.Time{}, 0, fmt.Errorf("lookback must be a positive duration such as 168h")
		}
		lookback = d
	}
	return at, lookback, nil
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var violation *contract.ViolationError
	switch {
	case errors.As(err, &violation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "contract_violation",
			"message": err.Error(),
			"index":   violation.Index,
			"field":   violation.Field,
		})
	case errors.Is(err, contract.ErrContractViolation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "contract_violation",
			"message": err.Error(),
		})
	case errors.Is(err, ErrModelUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, events.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, events.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "device_not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoAggregator):
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": err.Error(),
		})
	case errors.Is(err, events.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Scoring failed",
		})
	}
}
