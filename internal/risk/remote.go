package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ncrp/atmrisk/internal/circuitbreaker"
	"github.com/ncrp/atmrisk/internal/contract"
)

// maxRemoteResponse bounds how much of an inference response is read.
const maxRemoteResponse = 8 << 20

// RemoteModel calls an HTTP inference endpoint:
//
//	POST {base}/predict   {"instances": [[...], ...]} -> {"probabilities": [...]}
//	GET  {base}/metadata  -> ModelInfo fields
//
// Calls go through a circuit breaker keyed on the base URL.
type RemoteModel struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewRemoteModel creates a client for the endpoint at baseURL. A nil breaker
// gets a default one.
func NewRemoteModel(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *RemoteModel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &RemoteModel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

type predictRequest struct {
	Instances [][]float64 `json:"instances"`
}

type predictResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

func (m *RemoteModel) Predict(ctx context.Context, x []float64) (float64, error) {
	ps, err := m.PredictBatch(ctx, [][]float64{x})
	if err != nil {
		return 0, err
	}
	return ps[0], nil
}

func (m *RemoteModel) PredictBatch(ctx context.Context, xs [][]float64) ([]float64, error) {
	if len(xs) == 0 {
		return []float64{}, nil
	}
	var out predictResponse
	err := m.breaker.Do(m.baseURL, func() error {
		return m.call(ctx, http.MethodPost, "/predict", predictRequest{Instances: xs}, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("remote model %s: %w", m.baseURL, err)
	}
	if len(out.Probabilities) != len(xs) {
		return nil, fmt.Errorf("remote model %s: got %d probabilities for %d rows", m.baseURL, len(out.Probabilities), len(xs))
	}
	return out.Probabilities, nil
}

// Metadata fetches the endpoint's model description.
func (m *RemoteModel) Metadata(ctx context.Context) (ModelInfo, error) {
	var info ModelInfo
	err := m.breaker.Do(m.baseURL, func() error {
		return m.call(ctx, http.MethodGet, "/metadata", nil, &info)
	})
	if err != nil {
		return ModelInfo{}, fmt.Errorf("remote model %s metadata: %w", m.baseURL, err)
	}
	return info, nil
}

func (m *RemoteModel) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RemoteLoader returns a Loader that checks the endpoint's metadata against
// the contract before handing out the client.
func RemoteLoader(m *RemoteModel, c *contract.Contract) Loader {
	return func(ctx context.Context) (Model, ModelInfo, error) {
		info, err := m.Metadata(ctx)
		if err != nil {
			return nil, ModelInfo{}, err
		}
		if want := c.FeatureNames(); !slices.Equal(info.Features, want) {
			return nil, ModelInfo{}, fmt.Errorf("remote model %s: features %v do not match contract %s features %v", m.baseURL, info.Features, c.Version, want)
		}
		if info.Kind == "" {
			info.Kind = "remote"
		}
		info.ContractVersion = c.Version
		info.Source = m.baseURL
		info.LoadedAt = time.Now().UTC()
		return m, info, nil
	}
}
