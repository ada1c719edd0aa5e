package features

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ncrp/atmrisk/internal/events"
)

// Strategy selects how a series of rows is computed.
type Strategy int

const (
	// Sliding fetches the device's events once and advances a Cursor.
	Sliding Strategy = iota
	// Rescan queries the store for every instant. It is the reference
	// implementation Sliding is checked against.
	Rescan
)

func (s Strategy) String() string {
	switch s {
	case Sliding:
		return "sliding"
	case Rescan:
		return "rescan"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStrategy parses "sliding" or "rescan".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sliding":
		return Sliding, nil
	case "rescan":
		return Rescan, nil
	default:
		return 0, fmt.Errorf("features: unknown strategy %q", s)
	}
}

// Aggregator computes feature rows from an event store. It is shared by the
// offline corpus builder and online scoring, so both see the same features.
// Store errors are propagated unchanged apart from added context; retries are
// the store's concern.
type Aggregator struct {
	store events.Store
}

// NewAggregator creates an aggregator reading from store.
func NewAggregator(store events.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate computes the row of deviceID at instant over
// [instant-lookback, instant). Device location is the registry's current value.
func (a *Aggregator) Aggregate(ctx context.Context, deviceID string, instant time.Time, lookback time.Duration) (Row, error) {
	r, err := events.LookbackRange(instant, lookback)
	if err != nil {
		return Row{}, err
	}
	device, err := a.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Row{}, fmt.Errorf("features: device %s at %s: %w", deviceID, instant.Format(time.RFC3339), err)
	}
	return a.aggregateDevice(ctx, device, instant, r)
}

func (a *Aggregator) aggregateDevice(ctx context.Context, device events.Device, instant time.Time, r events.Range) (Row, error) {
	txns, err := a.store.Transactions(ctx, device.ID, r)
	if err != nil {
		return Row{}, fmt.Errorf("features: device %s at %s: %w", device.ID, instant.Format(time.RFC3339), err)
	}
	comps, err := a.store.Complaints(ctx, device.ID, r)
	if err != nil {
		return Row{}, fmt.Errorf("features: device %s at %s: %w", device.ID, instant.Format(time.RFC3339), err)
	}
	return computeRow(device, txns, comps, instant, r), nil
}

// Series computes one row per instant for a device. Instants must be in
// non-decreasing order.
func (a *Aggregator) Series(ctx context.Context, device events.Device, instants []time.Time, lookback time.Duration, strategy Strategy) ([]Row, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("%w: lookback %s must be positive", events.ErrInvalidWindow, lookback)
	}
	if len(instants) == 0 {
		return []Row{}, nil
	}

	switch strategy {
	case Rescan:
		rows := make([]Row, 0, len(instants))
		for i, at := range instants {
			if i > 0 && at.Before(instants[i-1]) {
				return nil, fmt.Errorf("%w: device %s at index %d", ErrNotMonotonic, device.ID, i)
			}
			r, _ := events.LookbackRange(at, lookback)
			row, err := a.aggregateDevice(ctx, device, at, r)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil

	case Sliding:
		span := events.Range{Start: instants[0].Add(-lookback), End: instants[len(instants)-1]}
		txns, err := a.store.Transactions(ctx, device.ID, span)
		if err != nil {
			return nil, fmt.Errorf("features: device %s range %s: %w", device.ID, span, err)
		}
		comps, err := a.store.Complaints(ctx, device.ID, span)
		if err != nil {
			return nil, fmt.Errorf("features: device %s range %s: %w", device.ID, span, err)
		}
		cur, err := NewCursor(device, txns, comps, lookback)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(instants))
		for _, at := range instants {
			row, err := cur.Advance(at)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil

	default:
		return nil, fmt.Errorf("features: unknown strategy %s", strategy)
	}
}
