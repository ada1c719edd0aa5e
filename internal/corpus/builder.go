package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/idgen"
	"github.com/ncrp/atmrisk/internal/labels"
	"github.com/ncrp/atmrisk/internal/metrics"
	"github.com/ncrp/atmrisk/internal/traces"
)

// Observer receives a copy of the build after every emitted device and once
// more when the build finishes.
type Observer func(*Build)

// Builder walks devices across a snapshot schedule and emits labeled rows.
type Builder struct {
	store      events.Store
	contract   *contract.Contract
	aggregator *features.Aggregator
	labeler    *labels.Assigner
	logger     *slog.Logger
	observers  []Observer
	notifier   Notifier
	now        func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// WithObserver registers a progress callback.
func WithObserver(o Observer) BuilderOption {
	return func(b *Builder) { b.observers = append(b.observers, o) }
}

// WithNotifier announces completed builds.
func WithNotifier(n Notifier) BuilderOption {
	return func(b *Builder) { b.notifier = n }
}

// NewBuilder creates a builder reading events from store.
func NewBuilder(store events.Store, c *contract.Contract, opts ...BuilderOption) *Builder {
	b := &Builder{
		store:      store,
		contract:   c,
		aggregator: features.NewAggregator(store),
		labeler:    labels.NewAssigner(store),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBuild validates params and returns a fresh running build record.
func (b *Builder) NewBuild(p Params) (*Build, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sched, _ := p.Schedule()
	return &Build{
		ID:              idgen.WithPrefix("build_"),
		Params:          p,
		ContractVersion: b.contract.Version,
		Status:          StatusRunning,
		Snapshots:       sched.Len(),
		StartedAt:       b.now().UTC(),
	}, nil
}

// Build runs a complete build and writes it to sink.
func (b *Builder) Build(ctx context.Context, p Params, sink Sink) (*Build, error) {
	build, err := b.NewBuild(p)
	if err != nil {
		return nil, err
	}
	err = b.Run(ctx, build, sink)
	return build, err
}

// Run executes a build created by NewBuild. The build record is updated in
// place; observers get copies. Devices reach the sink whole and in device-id
// order. The first device failure cancels the rest.
func (b *Builder) Run(ctx context.Context, build *Build, sink Sink) (err error) {
	start := time.Now()
	metrics.ActiveCorpusBuilds.Inc()
	ctx, span := traces.StartSpan(ctx, "corpus.build",
		traces.BuildID(build.ID),
		traces.ContractVersion(b.contract.Version),
		traces.Snapshots(build.Snapshots),
	)
	logger := b.logger.With("build_id", build.ID)

	var opened Sink
	defer func() {
		if ferr := b.finish(ctx, build, opened, err); ferr != nil && err == nil {
			err = ferr
		}
		metrics.ActiveCorpusBuilds.Dec()
		metrics.CorpusBuildDuration.WithLabelValues(string(build.Status)).Observe(time.Since(start).Seconds())
		traces.End(span, err)
		logger.Info("corpus build finished",
			"status", build.Status,
			"devices", build.DevicesDone,
			"rows", build.Rows,
			"changed", build.RowsChanged,
			"positives", build.Positives,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}()

	sched, err := build.Params.Schedule()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	instants := sched.Instants()

	// A build cancelled before it starts still leaves an audit record.
	if err := sink.Open(context.WithoutCancel(ctx), build.Clone()); err != nil {
		return fmt.Errorf("corpus: open sink: %w", err)
	}
	opened = sink
	if err := ctx.Err(); err != nil {
		return err
	}

	devices, err := b.devices(ctx, build.Params.DeviceIDs)
	if err != nil {
		return err
	}
	build.Devices = len(devices)
	logger.Info("corpus build started",
		"schedule", sched.String(),
		"devices", len(devices),
		"snapshots", len(instants),
		"strategy", build.Params.Strategy,
		"parallelism", build.Params.Parallelism,
	)

	em := &emitter{
		sink:    sink,
		build:   build,
		pending: make(map[int][]LabeledRow),
		ids:     make([]string, len(devices)),
		observe: b.observe,
	}
	for i, d := range devices {
		em.ids[i] = d.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(build.Params.Parallelism)
	for i, device := range devices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := b.device(gctx, build, device, instants)
			if err != nil {
				metrics.CorpusDevicesTotal.WithLabelValues("failed").Inc()
				return err
			}
			metrics.CorpusDevicesTotal.WithLabelValues("ok").Inc()
			logger.Debug("device pass complete", "device_id", device.ID, "rows", len(rows))
			return em.deliver(gctx, i, rows)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// errgroup stops launching on cancellation without reporting it.
	return ctx.Err()
}

func (b *Builder) devices(ctx context.Context, ids []string) ([]events.Device, error) {
	if len(ids) == 0 {
		devices, err := b.store.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("corpus: list devices: %w", err)
		}
		slices.SortFunc(devices, func(a, b events.Device) int { return strings.Compare(a.ID, b.ID) })
		return devices, nil
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	devices := make([]events.Device, 0, len(sorted))
	for _, id := range sorted {
		d, err := b.store.GetDevice(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("corpus: device %s: %w", id, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// device computes all rows of one device. Instants are processed in
// increasing order on the device's own cursors.
func (b *Builder) device(ctx context.Context, build *Build, device events.Device, instants []time.Time) (_ []LabeledRow, err error) {
	ctx, span := traces.StartSpan(ctx, "corpus.device", traces.DeviceID(device.ID), traces.Snapshots(len(instants)))
	defer func() { traces.End(span, err) }()

	p := build.Params
	rows, err := b.aggregator.Series(ctx, device, instants, p.Lookback, p.Strategy)
	if err != nil {
		return nil, err
	}
	ls, err := b.labeler.Series(ctx, device.ID, instants, p.Horizon)
	if err != nil {
		return nil, err
	}
	if err := b.contract.ValidateRows(rows); err != nil {
		return nil, fmt.Errorf("corpus: device %s: %w", device.ID, err)
	}

	out := make([]LabeledRow, len(rows))
	for i := range rows {
		out[i] = LabeledRow{Row: rows[i], Label: ls[i]}
	}
	return out, nil
}

// Observe registers a progress callback. It must be called before any build
// starts.
func (b *Builder) Observe(o Observer) {
	b.observers = append(b.observers, o)
}

func (b *Builder) observe(build *Build) {
	for _, o := range b.observers {
		o(build.Clone())
	}
}

// finish settles the final status and closes the sink. A sink that fails to
// close turns a completed build into a failed one.
func (b *Builder) finish(ctx context.Context, build *Build, sink Sink, err error) (closeErr error) {
	now := b.now().UTC()
	build.FinishedAt = &now
	switch {
	case err == nil:
		build.Status = StatusCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		build.Status = StatusCancelled
		build.Error = err.Error()
	default:
		build.Status = StatusFailed
		build.Error = err.Error()
	}

	// The caller's context may be cancelled; bookkeeping still has to land.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if sink != nil {
		if cerr := sink.Close(closeCtx, build.Clone()); cerr != nil {
			b.logger.Error("failed to close corpus sink", "build_id", build.ID, "error", cerr)
			closeErr = fmt.Errorf("corpus: close sink: %w", cerr)
			if build.Status == StatusCompleted {
				build.Status = StatusFailed
				build.Error = closeErr.Error()
			}
		}
	}
	if b.notifier != nil && build.Status == StatusCompleted {
		if nerr := b.notifier.BuildCompleted(closeCtx, build.Clone()); nerr != nil {
			b.logger.Warn("failed to announce corpus build", "build_id", build.ID, "error", nerr)
		}
	}
	b.observe(build)
	return closeErr
}

// emitter is a reorder buffer: workers finish in any order, the sink sees
// devices in index order.
type emitter struct {
	mu      sync.Mutex
	sink    Sink
	build   *Build
	ids     []string
	next    int
	pending map[int][]LabeledRow
	observe func(*Build)
}

func (e *emitter) deliver(ctx context.Context, index int, rows []LabeledRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending[index] = rows
	for {
		ready, ok := e.pending[e.next]
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		delete(e.pending, e.next)
		changed, err := e.sink.WriteDevice(ctx, e.ids[e.next], ready)
		if err != nil {
			return fmt.Errorf("corpus: write device %s: %w", e.ids[e.next], err)
		}
		e.build.DevicesDone++
		e.build.Rows += len(ready)
		e.build.RowsChanged += changed
		for _, r := range ready {
			if r.Label == labels.Positive {
				e.build.Positives++
			}
		}
		metrics.CorpusRowsTotal.Add(float64(len(ready)))
		e.next++
		e.observe(e.build)
	}
}
