// Package snapshot generates the evaluation instants at which device features
// are computed.
package snapshot

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	ErrInvalidCadence = errors.New("snapshot: cadence must be positive")
	ErrInvalidRange   = errors.New("snapshot: invalid range")
)

// Schedule is a finite, strictly increasing sequence of instants
// start+warmup, start+warmup+cadence, ... bounded by end (inclusive).
// A Schedule is immutable and may be iterated any number of times.
type Schedule struct {
	start   time.Time
	end     time.Time
	cadence time.Duration
	warmup  time.Duration
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithWarmup sets the offset of the first instant from the range start.
// The default is one cadence period, so the first snapshot already has a
// lookback of history behind it.
func WithWarmup(d time.Duration) Option {
	return func(s *Schedule) {
		s.warmup = d
	}
}

// New creates a schedule over [start, end].
func New(start, end time.Time, cadence time.Duration, opts ...Option) (*Schedule, error) {
	if cadence <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidCadence, cadence)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	s := &Schedule{start: start, end: end, cadence: cadence, warmup: cadence}
	for _, opt := range opts {
		opt(s)
	}
	if s.warmup < 0 {
		return nil, fmt.Errorf("%w: negative warm-up %s", ErrInvalidRange, s.warmup)
	}
	return s, nil
}

// Trailing builds the schedule covering the span that ends at end, the shape
// used for periodic corpus refreshes ("the last 30 days of activity").
func Trailing(end time.Time, span, cadence time.Duration, opts ...Option) (*Schedule, error) {
	if span < 0 {
		return nil, fmt.Errorf("%w: negative span %s", ErrInvalidRange, span)
	}
	return New(end.Add(-span), end, cadence, opts...)
}

func (s *Schedule) Start() time.Time       { return s.start }
func (s *Schedule) End() time.Time         { return s.end }
func (s *Schedule) Cadence() time.Duration { return s.cadence }
func (s *Schedule) Warmup() time.Duration  { return s.warmup }

// First returns the first instant. ok is false when the warm-up already
// reaches past the range end.
func (s *Schedule) First() (time.Time, bool) {
	first := s.start.Add(s.warmup)
	return first, !first.After(s.end)
}

// All yields the instants lazily in increasing order.
func (s *Schedule) All() iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		at, ok := s.First()
		if !ok {
			return
		}
		for !at.After(s.end) {
			if !yield(at) {
				return
			}
			at = at.Add(s.cadence)
		}
	}
}

// Len returns the number of instants without generating them.
func (s *Schedule) Len() int {
	first, ok := s.First()
	if !ok {
		return 0
	}
	return int(s.end.Sub(first)/s.cadence) + 1
}

// Instants materializes the schedule.
func (s *Schedule) Instants() []time.Time {
	out := make([]time.Time, 0, s.Len())
	for at := range s.All() {
		out = append(out, at)
	}
	return out
}

func (s *Schedule) String() string {
	return fmt.Sprintf("snapshot.Schedule{start=%s end=%s cadence=%s warmup=%s n=%d}",
		s.start.Format(time.RFC3339), s.end.Format(time.RFC3339), s.cadence, s.warmup, s.Len())
}
