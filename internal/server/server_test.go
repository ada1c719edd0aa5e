package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ncrp/atmrisk/internal/config"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// constModel scores every row the same.
type constModel float64

func (m constModel) Predict(context.Context, []float64) (float64, error) { return float64(m), nil }

func constLoader(p float64) risk.Loader {
	return func(context.Context) (risk.Model, risk.ModelInfo, error) {
		return constModel(p), risk.ModelInfo{Name: "const", Version: "v1", Kind: "test"}, nil
	}
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		AdminSecret:      "s3cret",
		Lookback:         config.DefaultLookback,
		Horizon:          config.DefaultHorizon,
		Cadence:          config.DefaultCadence,
		BuildParallelism: 2,
	}
}

// newTestServer creates a server on an in-memory event store
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithEventStore(events.NewMemoryStore()), WithDrainDelay(0)}, opts...)
	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, WithModelLoader(constLoader(0.5)))

	w := serve(s, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if !resp.ModelLoaded || resp.ModelVersion != "v1" {
		t.Errorf("Expected model v1 loaded, got loaded=%v version=%q", resp.ModelLoaded, resp.ModelVersion)
	}
}

func TestHealthEndpoint_NoModel(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a model, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "degraded" || resp.ModelLoaded {
		t.Errorf("Expected degraded without model, got %+v", resp)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, WithModelLoader(constLoader(0.5)))

	w := serve(s, httptest.NewRequest("GET", "/health/ready", nil))
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	w = serve(s, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 once running with a model, got %d", w.Code)
	}
}

func TestReadinessEndpoint_NoModel(t *testing.T) {
	s := newTestServer(t)
	s.ready.Store(true)

	w := serve(s, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a model, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/score",
		"POST:/v1/score/devices",
		"GET:/v1/devices/:id/features",
		"GET:/v1/devices/:id/assessments",
		"GET:/v1/contract",
		"GET:/v1/model",
		"POST:/v1/admin/model/reload",
		"POST:/v1/admin/corpus/builds",
		"GET:/v1/admin/corpus/builds",
		"GET:/v1/admin/corpus/builds/:id",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Scoring and admin tests
// ---------------------------------------------------------------------------

const oneRow = `{"rows": [{"device_id": "ATM-1", "recent_txn_count": 3, "recent_avg_amount": 12.5,
	"recent_fraud_count": 0, "unique_source_accounts": 2, "recent_complaint_count": 0,
	"device_lat": 1.5, "device_lon": 2.5}]}`

func TestScoreEndpoint(t *testing.T) {
	s := newTestServer(t, WithModelLoader(constLoader(0.25)))

	req := httptest.NewRequest("POST", "/v1/score", strings.NewReader(oneRow))
	req.Header.Set("Content-Type", "application/json")
	w := serve(s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0][risk.ScoreField] != 0.25 {
		t.Errorf("Expected one result scored 0.25, got %v", resp.Results)
	}
}

func TestScoreEndpoint_NoModel(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/score", strings.NewReader(oneRow))
	req.Header.Set("Content-Type", "application/json")
	w := serve(s, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t, WithModelLoader(constLoader(0.5)))

	w := serve(s, httptest.NewRequest("POST", "/v1/admin/model/reload", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/admin/model/reload", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	w = serve(s, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, httptest.NewRequest("GET", "/v1/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://user:hunter2@db:5432/atmrisk?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Errorf("Expected password masked, got %s", got)
	}
	if maskDSN("://bad") != "***" {
		t.Error("Expected unparsable DSN fully masked")
	}
}
