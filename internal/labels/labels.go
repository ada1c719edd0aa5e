// Package labels assigns training labels to device snapshots: whether a
// fraud-flagged transaction occurs at the device within the horizon that
// starts at the snapshot instant.
//
// Labels only look forward. Nothing in the online scoring path imports this
// package.
package labels

import (
	"context"
	"fmt"
	"time"

	"github.com/ncrp/atmrisk/internal/events"
)

// Label is the binary training target of a snapshot.
type Label int

const (
	Negative Label = 0
	Positive Label = 1
)

// Assigner computes labels from an event store.
type Assigner struct {
	store events.Store
}

// NewAssigner creates a label assigner reading from store.
func NewAssigner(store events.Store) *Assigner {
	return &Assigner{store: store}
}

// AssignLabel returns Positive if deviceID has a fraud-flagged transaction in
// [instant, instant+horizon).
func (a *Assigner) AssignLabel(ctx context.Context, deviceID string, instant time.Time, horizon time.Duration) (Label, error) {
	r, err := events.HorizonRange(instant, horizon)
	if err != nil {
		return Negative, err
	}
	txns, err := a.store.Transactions(ctx, deviceID, r)
	if err != nil {
		return Negative, fmt.Errorf("labels: device %s at %s: %w", deviceID, instant.Format(time.RFC3339), err)
	}
	for _, t := range txns {
		if t.Fraud && r.Contains(t.Time) {
			return Positive, nil
		}
	}
	return Negative, nil
}

// Series labels a device at each instant, fetching the horizon span once.
// Instants must be non-decreasing.
func (a *Assigner) Series(ctx context.Context, deviceID string, instants []time.Time, horizon time.Duration) ([]Label, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon %s must be positive", events.ErrInvalidWindow, horizon)
	}
	if len(instants) == 0 {
		return []Label{}, nil
	}

	span := events.Range{Start: instants[0], End: instants[len(instants)-1].Add(horizon)}
	txns, err := a.store.Transactions(ctx, deviceID, span)
	if err != nil {
		return nil, fmt.Errorf("labels: device %s range %s: %w", deviceID, span, err)
	}

	cur, err := NewCursor(deviceID, txns, horizon)
	if err != nil {
		return nil, err
	}
	out := make([]Label, 0, len(instants))
	for _, at := range instants {
		l, err := cur.Advance(at)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Cursor walks the fraud-flagged transactions of one device forward in time.
// Transactions must be sorted by time.
type Cursor struct {
	deviceID string
	horizon  time.Duration
	frauds   []time.Time
	next     int

	last    time.Time
	started bool
}

// NewCursor creates a label cursor. Non-fraud transactions are dropped up front.
func NewCursor(deviceID string, txns []events.Transaction, horizon time.Duration) (*Cursor, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon %s must be positive", events.ErrInvalidWindow, horizon)
	}
	frauds := make([]time.Time, 0)
	for _, t := range txns {
		if t.Fraud {
			frauds = append(frauds, t.Time)
		}
	}
	return &Cursor{deviceID: deviceID, horizon: horizon, frauds: frauds}, nil
}

// Advance labels the snapshot at instant. Fraud before instant is skipped for
// good, so instants must not go backwards.
func (c *Cursor) Advance(instant time.Time) (Label, error) {
	if c.started && instant.Before(c.last) {
		return Negative, fmt.Errorf("labels: device %s: instant %s before %s",
			c.deviceID, instant.Format(time.RFC3339Nano), c.last.Format(time.RFC3339Nano))
	}
	c.started = true
	c.last = instant

	for c.next < len(c.frauds) && c.frauds[c.next].Before(instant) {
		c.next++
	}
	if c.next < len(c.frauds) && c.frauds[c.next].Before(instant.Add(c.horizon)) {
		return Positive, nil
	}
	return Negative, nil
}
