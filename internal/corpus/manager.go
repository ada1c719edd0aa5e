package corpus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrBuildNotRunning = errors.New("corpus: build is not running")

type run struct {
	cancel context.CancelFunc
	latest *Build
	done   chan struct{}
}

// Manager runs corpus builds in the background, one at a time, writing them
// to a versioned Store.
type Manager struct {
	builder *Builder
	store   Store
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[string]*run
}

// NewManager creates a manager. Builds outlive the request that started them
// and stop only on Cancel or Shutdown.
func NewManager(builder *Builder, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		builder: builder,
		store:   store,
		logger:  logger,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[string]*run),
	}
	builder.Observe(m.track)
	return m
}

func (m *Manager) track(b *Build) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.running[b.ID]; ok {
		r.latest = b
	}
}

// Start validates p, fills defaults and launches the build. It returns the
// initial build record.
func (m *Manager) Start(p Params) (*Build, error) {
	build, err := m.builder.NewBuild(p.WithDefaults())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.running) > 0 {
		m.mu.Unlock()
		return nil, ErrBuildRunning
	}
	// The returned record is taken before Run starts mutating build.
	initial := build.Clone()
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel, latest: initial.Clone(), done: make(chan struct{})}
	m.running[build.ID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		err := m.builder.Run(ctx, build, NewStoreSink(m.store))
		if err != nil {
			m.logger.Warn("corpus build did not complete", "build_id", build.ID, "status", build.Status, "error", err)
		}
		m.mu.Lock()
		delete(m.running, build.ID)
		m.mu.Unlock()
	}()
	return initial, nil
}

// Get returns the live record of a running build or the stored one.
func (m *Manager) Get(ctx context.Context, id string) (*Build, error) {
	m.mu.Lock()
	if r, ok := m.running[id]; ok {
		b := r.latest.Clone()
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	return m.store.GetBuild(ctx, id)
}

// List returns recent builds, newest first, with live progress for running ones.
func (m *Manager) List(ctx context.Context, limit int) ([]*Build, error) {
	builds, err := m.store.ListBuilds(ctx, limit)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(builds))
	for i, b := range builds {
		seen[b.ID] = true
		if r, ok := m.running[b.ID]; ok {
			builds[i] = r.latest.Clone()
		}
	}
	// A build that has not reached its sink yet is only known here.
	for id, r := range m.running {
		if !seen[id] {
			builds = append([]*Build{r.latest.Clone()}, builds...)
		}
	}
	if limit > 0 && len(builds) > limit {
		builds = builds[:limit]
	}
	return builds, nil
}

// Cancel stops a running build. Rows of devices already written stay.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}
	if _, err := m.store.GetBuild(ctx, id); err != nil {
		return err
	}
	return ErrBuildNotRunning
}

// Wait blocks until build id is no longer running or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports the number of builds in progress.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown cancels running builds and waits for them to record their status.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	m.mu.Lock()
	var done []chan struct{}
	for _, r := range m.running {
		done = append(done, r.done)
	}
	m.mu.Unlock()
	for _, d := range done {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
