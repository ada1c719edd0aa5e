package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/risk"
)

// Config holds the configuration for connecting to the scoring service.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on admin calls
}

// Client is a pure HTTP client for the scoring service API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the scoring service.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// ScoreBatch is the response of the scoring endpoints.
type ScoreBatch struct {
	Results []map[string]any `json:"results"`
	Model   risk.ModelInfo   `json:"model"`
}

// DeviceFeatures is the response of the device features endpoint.
type DeviceFeatures struct {
	ContractVersion string         `json:"contractVersion"`
	Lookback        string         `json:"lookback"`
	Features        map[string]any `json:"features"`
}

// doRequest makes an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any, admin bool) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Field != "" {
				return fmt.Errorf("API error (%d): %s (field %s)", resp.StatusCode, apiErr.Message, apiErr.Field)
			}
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Score scores contract records.
func (c *Client) Score(ctx context.Context, rows []map[string]any) (*ScoreBatch, error) {
	var out ScoreBatch
	err := c.doRequest(ctx, http.MethodPost, "/v1/score", nil, map[string]any{"rows": rows}, &out, false)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ScoreDevices computes online features for devices and scores them.
func (c *Client) ScoreDevices(ctx context.Context, deviceIDs []string, at, lookback string) (*ScoreBatch, error) {
	body := risk.ScoreDevicesRequest{DeviceIDs: deviceIDs, At: at, Lookback: lookback}
	var out ScoreBatch
	if err := c.doRequest(ctx, http.MethodPost, "/v1/score/devices", nil, body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceFeatures returns a device's feature record at an instant.
func (c *Client) DeviceFeatures(ctx context.Context, deviceID, at, lookback string) (*DeviceFeatures, error) {
	q := url.Values{}
	if at != "" {
		q.Set("at", at)
	}
	if lookback != "" {
		q.Set("lookback", lookback)
	}
	var out DeviceFeatures
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/features"
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assessments lists recent scores of a device, newest first.
func (c *Client) Assessments(ctx context.Context, deviceID string, limit int) ([]risk.Assessment, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Assessments []risk.Assessment `json:"assessments"`
	}
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/assessments"
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Assessments, nil
}

// Model returns the active model.
func (c *Client) Model(ctx context.Context) (*risk.ModelInfo, error) {
	var out struct {
		Model risk.ModelInfo `json:"model"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/model", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out.Model, nil
}

// StartBuild starts a background corpus build.
func (c *Client) StartBuild(ctx context.Context, req corpus.StartBuildRequest) (*corpus.Build, error) {
	var out struct {
		Build corpus.Build `json:"build"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/admin/corpus/builds", nil, req, &out, true); err != nil {
		return nil, err
	}
	return &out.Build, nil
}

// GetBuild returns a corpus build with live progress.
func (c *Client) GetBuild(ctx context.Context, id string) (*corpus.Build, error) {
	var out struct {
		Build corpus.Build `json:"build"`
	}
	path := "/v1/admin/corpus/builds/" + url.PathEscape(id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out.Build, nil
}
