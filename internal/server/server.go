// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ncrp/atmrisk/internal/auth"
	"github.com/ncrp/atmrisk/internal/config"
	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/health"
	"github.com/ncrp/atmrisk/internal/idgen"
	"github.com/ncrp/atmrisk/internal/logging"
	"github.com/ncrp/atmrisk/internal/metrics"
	"github.com/ncrp/atmrisk/internal/ratelimit"
	"github.com/ncrp/atmrisk/internal/realtime"
	"github.com/ncrp/atmrisk/internal/risk"
	"github.com/ncrp/atmrisk/internal/security"
	"github.com/ncrp/atmrisk/internal/traces"
	"github.com/ncrp/atmrisk/internal/validation"
)

// Version is stamped at build time with -ldflags "-X ...server.Version=...".
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	stores      *Stores
	contract    *contract.Contract
	registry    *risk.Registry
	service     *risk.Service
	builds      *corpus.Manager
	notifier    *corpus.AMQPNotifier
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	eventStore     events.Store
	loader         risk.Loader
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEventStore replaces the configured event store (for testing)
func WithEventStore(store events.Store) Option {
	return func(s *Server) {
		s.eventStore = store
	}
}

// WithModelLoader replaces the configured model source (for testing)
func WithModelLoader(loader risk.Loader) Option {
	return func(s *Server) {
		s.loader = loader
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		contract:   contract.V1(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, "atmrisk", Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if s.eventStore != nil {
		s.stores = &Stores{Events: s.eventStore, Corpus: corpus.NewMemoryStore(), logger: s.logger}
	} else {
		st, err := OpenStores(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.stores = st
	}

	// Model lifecycle: load once at startup, reload on SIGHUP or admin call.
	if s.loader == nil {
		s.loader = s.configuredLoader()
	}
	s.registry = risk.NewRegistry(s.loader, s.logger)
	if s.loader != nil {
		if info, err := s.registry.Reload(ctx); err != nil {
			s.logger.Warn("no model loaded at startup, scoring returns 503 until a reload succeeds", "error", err)
		} else {
			s.logger.Info("model loaded", "name", info.Name, "version", info.Version, "kind", info.Kind)
		}
	} else {
		s.logger.Warn("no model source configured (MODEL_PATH or MODEL_URL)")
	}

	var assessments risk.AssessmentStore = risk.NewMemoryStore()
	if s.stores.DB != nil {
		assessments = risk.NewPostgresStore(s.stores.DB)
	}
	s.service = risk.NewService(s.contract, s.registry,
		risk.WithAggregator(features.NewAggregator(s.stores.Events)),
		risk.WithAssessmentStore(assessments),
		risk.WithLogger(s.logger),
	)

	builderOpts := []corpus.BuilderOption{corpus.WithLogger(s.logger)}
	if cfg.RabbitMQURL != "" {
		n, err := corpus.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			s.logger.Warn("rabbitmq unavailable, build notifications disabled", "error", err)
		} else {
			s.notifier = n
			builderOpts = append(builderOpts, corpus.WithNotifier(n))
			s.logger.Info("build notifications enabled", "exchange", cfg.RabbitMQExchange)
		}
	}
	builder := corpus.NewBuilder(s.stores.Events, s.contract, builderOpts...)
	s.builds = corpus.NewManager(builder, s.stores.Corpus, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	builder.Observe(func(b *corpus.Build) {
		s.realtimeHub.BroadcastBuild(b.ID, b.Done(), b)
	})
	s.registry.OnSwap(func(info risk.ModelInfo) {
		s.realtimeHub.BroadcastModelSwap(info)
	})

	s.health = health.NewRegistry()
	s.health.Register("model", health.Condition("model", s.registry.Loaded, "no model loaded"))
	s.stores.RegisterHealth(s.health)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) configuredLoader() risk.Loader {
	switch {
	case s.cfg.ModelPath != "":
		return risk.FileLoader(s.cfg.ModelPath, s.contract)
	case s.cfg.ModelURL != "":
		return risk.RemoteLoader(risk.NewRemoteModel(s.cfg.ModelURL, 0, nil), s.contract)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	limits := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limits.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limits)

	riskHandler := risk.NewHandler(s.service, s.cfg.Lookback)
	v1 := s.router.Group("/v1", s.rateLimiter.Middleware(), validation.DeviceParamMiddleware())
	riskHandler.RegisterRoutes(v1)

	admin := s.router.Group("/v1/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	riskHandler.RegisterAdminRoutes(admin)
	corpus.NewHandler(s.builds, s.buildDefaults()).RegisterAdminRoutes(admin)
}

func (s *Server) buildDefaults() corpus.Params {
	return corpus.Params{
		Cadence:     s.cfg.Cadence,
		Lookback:    s.cfg.Lookback,
		Horizon:     s.cfg.Horizon,
		Parallelism: s.cfg.BuildParallelism,
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	ModelLoaded  bool            `json:"model_loaded"`
	ModelVersion string          `json:"model_version,omitempty"`
	Checks       []health.Status `json:"checks"`
	Timestamp    string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if info, ok := s.registry.Info(); ok {
		resp.ModelLoaded = true
		resp.ModelVersion = info.Version
	}

	httpStatus := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports ready once the server runs with a model in service.
func (s *Server) readinessHandler(c *gin.Context) {
	switch {
	case !s.ready.Load():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	case !s.registry.Loaded():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "no model loaded"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown. SIGHUP reloads the model.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.stores.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.stores.DB, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-errChan:
			return fmt.Errorf("server error: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				s.reloadModel(runCtx)
				continue
			}
			s.logger.Info("shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
			s.logger.Info("context cancelled")
		}
		return s.Shutdown()
	}
}

func (s *Server) reloadModel(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	info, err := s.registry.Reload(ctx)
	if err != nil {
		s.logger.Error("model reload on SIGHUP failed", "error", err)
		return
	}
	s.logger.Info("model reloaded", "name", info.Name, "version", info.Version)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Running corpus builds are cancelled and still leave an audit record.
	if err := s.builds.Shutdown(ctx); err != nil {
		s.logger.Error("corpus build shutdown error", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Error("rabbitmq close error", "error", err)
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.stores.Close()

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
