package risk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ncrp/atmrisk/internal/metrics"
)

type loaded struct {
	model Model
	info  ModelInfo
}

// Registry holds the process-wide scoring model. Swaps are atomic: a request
// that fetched the current model keeps using it even if a reload lands
// mid-batch.
type Registry struct {
	current atomic.Pointer[loaded]
	loader  Loader
	logger  *slog.Logger

	reloadMu sync.Mutex // serializes Reload

	mu     sync.Mutex
	onSwap []func(ModelInfo)
}

// NewRegistry creates an empty registry. loader may be nil, in which case
// Reload fails with ErrModelUnavailable.
func NewRegistry(loader Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.ModelLoaded.Set(0)
	return &Registry{loader: loader, logger: logger}
}

// OnSwap registers a callback fired after every successful swap.
func (r *Registry) OnSwap(fn func(ModelInfo)) {
	r.mu.Lock()
	r.onSwap = append(r.onSwap, fn)
	r.mu.Unlock()
}

// Swap installs m as the current model.
func (r *Registry) Swap(m Model, info ModelInfo) {
	r.current.Store(&loaded{model: m, info: info})
	metrics.ModelLoaded.Set(1)
	metrics.ModelSwapsTotal.WithLabelValues("success").Inc()
	r.logger.Info("model swapped", "name", info.Name, "version", info.Version, "kind", info.Kind, "source", info.Source)

	r.mu.Lock()
	hooks := append([]func(ModelInfo){}, r.onSwap...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(info)
	}
}

// Unload clears the current model; scoring fails until the next swap.
func (r *Registry) Unload() {
	r.current.Store(nil)
	metrics.ModelLoaded.Set(0)
}

// Current returns the model in service, or ErrModelUnavailable.
func (r *Registry) Current() (Model, ModelInfo, error) {
	l := r.current.Load()
	if l == nil {
		return nil, ModelInfo{}, ErrModelUnavailable
	}
	return l.model, l.info, nil
}

func (r *Registry) Loaded() bool { return r.current.Load() != nil }

// Info describes the current model. ok is false when none is loaded.
func (r *Registry) Info() (ModelInfo, bool) {
	l := r.current.Load()
	if l == nil {
		return ModelInfo{}, false
	}
	return l.info, true
}

// Reload runs the loader and swaps in its result. On failure the previous
// model stays in service.
func (r *Registry) Reload(ctx context.Context) (ModelInfo, error) {
	if r.loader == nil {
		return ModelInfo{}, ErrModelUnavailable
	}
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	m, info, err := r.loader(ctx)
	if err != nil {
		metrics.ModelSwapsTotal.WithLabelValues("failure").Inc()
		r.logger.Error("model reload failed, keeping previous model", "loaded", r.Loaded(), "error", err)
		return ModelInfo{}, err
	}
	r.Swap(m, info)
	return info, nil
}
