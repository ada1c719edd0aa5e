// Package corpus builds the labeled training corpus: every device is walked
// across the snapshot schedule, each snapshot gets its feature row and its
// look-ahead label, and the rows are written to one or more sinks.
package corpus

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/labels"
	"github.com/ncrp/atmrisk/internal/snapshot"
)

var (
	ErrInvalidParams = errors.New("corpus: invalid build parameters")
	ErrBuildNotFound = errors.New("corpus: build not found")
	ErrBuildRunning  = errors.New("corpus: a build is already running")
)

// Defaults match the windows the production model was trained with.
const (
	DefaultLookback    = 7 * 24 * time.Hour
	DefaultHorizon     = 24 * time.Hour
	DefaultCadence     = 12 * time.Hour
	DefaultParallelism = 4
	DefaultSpan        = 30 * 24 * time.Hour

	// Precision is the finest snapshot time the versioned store keeps.
	Precision = time.Microsecond
)

// Params describes one build.
type Params struct {
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
	Cadence  time.Duration `json:"cadence"`
	Warmup   time.Duration `json:"warmup,omitempty"` // zero means one cadence
	Lookback time.Duration `json:"lookback"`
	Horizon  time.Duration `json:"horizon"`

	Strategy    features.Strategy `json:"strategy"`
	Parallelism int               `json:"parallelism"`
	// DeviceIDs restricts the build to these devices; empty means all.
	DeviceIDs []string `json:"deviceIds,omitempty"`
}

// WithDefaults fills unset windows and parallelism and truncates the range
// to Precision.
func (p Params) WithDefaults() Params {
	p.From = p.From.Truncate(Precision)
	p.To = p.To.Truncate(Precision)
	if p.Cadence == 0 {
		p.Cadence = DefaultCadence
	}
	if p.Lookback == 0 {
		p.Lookback = DefaultLookback
	}
	if p.Horizon == 0 {
		p.Horizon = DefaultHorizon
	}
	if p.Parallelism == 0 {
		p.Parallelism = DefaultParallelism
	}
	return p
}

// Validate checks the parameters without touching any store.
func (p Params) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidParams)
	}
	if _, err := p.Schedule(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.Lookback <= 0 {
		return fmt.Errorf("%w: %w: lookback %s must be positive", ErrInvalidParams, events.ErrInvalidWindow, p.Lookback)
	}
	if p.Horizon <= 0 {
		return fmt.Errorf("%w: %w: horizon %s must be positive", ErrInvalidParams, events.ErrInvalidWindow, p.Horizon)
	}
	// Corpus rows are keyed by snapshot time at Precision and by whole-second
	// windows; anything finer would collide once stored.
	if !p.From.Truncate(Precision).Equal(p.From) || !p.To.Truncate(Precision).Equal(p.To) {
		return fmt.Errorf("%w: from and to must be whole microseconds", ErrInvalidParams)
	}
	if p.Cadence%Precision != 0 || p.Warmup%Precision != 0 {
		return fmt.Errorf("%w: cadence and warmup must be whole microseconds", ErrInvalidParams)
	}
	if p.Lookback%time.Second != 0 || p.Horizon%time.Second != 0 {
		return fmt.Errorf("%w: lookback and horizon must be whole seconds", ErrInvalidParams)
	}
	if p.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1, got %d", ErrInvalidParams, p.Parallelism)
	}
	if p.Strategy != features.Sliding && p.Strategy != features.Rescan {
		return fmt.Errorf("%w: unknown strategy %s", ErrInvalidParams, p.Strategy)
	}
	return nil
}

// Schedule returns the snapshot schedule the build walks.
func (p Params) Schedule() (*snapshot.Schedule, error) {
	var opts []snapshot.Option
	if p.Warmup != 0 {
		opts = append(opts, snapshot.WithWarmup(p.Warmup))
	}
	return snapshot.New(p.From, p.To, p.Cadence, opts...)
}

// Status is the lifecycle state of a build.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Build is the audit record of one corpus build.
type Build struct {
	ID              string `json:"id"`
	Params          Params `json:"params"`
	ContractVersion string `json:"contractVersion"`
	Status          Status `json:"status"`

	Snapshots   int `json:"snapshots"` // instants per device
	Devices     int `json:"devices"`
	DevicesDone int `json:"devicesDone"`
	Rows        int `json:"rows"`
	RowsChanged int `json:"rowsChanged"`
	Positives   int `json:"positives"`

	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b *Build) Clone() *Build {
	c := *b
	c.Params.DeviceIDs = slices.Clone(b.Params.DeviceIDs)
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Done reports whether the build has reached a final status.
func (b *Build) Done() bool { return b.Status != StatusRunning }

// LabeledRow is one corpus row: features at a snapshot plus its label.
type LabeledRow struct {
	features.Row
	Label labels.Label `json:"label"`
}
