// Package events provides read-only access to the three device event streams:
// the device registry, the transaction log and the complaint log.
//
// All range queries are half-open: an event at exactly Range.End is excluded.
// Results are ordered by time with ties broken by event id, so two reads of
// the same range always return the same sequence.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrStoreUnavailable = errors.New("events: store unavailable")
	ErrDeviceNotFound   = errors.New("events: device not found")
	ErrInvalidWindow    = errors.New("events: invalid window parameters")
	ErrUnknownEntity    = errors.New("events: unknown entity type")
)

// EntityType names one of the time-indexed event streams.
type EntityType string

const (
	EntityTransactions EntityType = "transactions"
	EntityComplaints   EntityType = "complaints"
)

// Device is a registered point-of-sale or ATM terminal.
type Device struct {
	ID         string  `json:"id"`
	Registrant string  `json:"registrant"` // bank or operator id
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Address    string  `json:"address,omitempty"`
}

// Transaction is a single recorded transaction at a device.
// Fraud is only known retrospectively.
type Transaction struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"deviceId"`
	Time        time.Time       `json:"time"`
	Amount      decimal.Decimal `json:"amount"`
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Fraud       bool            `json:"fraud"`
}

// Complaint is a victim report tied to a device.
type Complaint struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	Time          time.Time `json:"time"`
	VictimAccount string    `json:"victimAccount"`
	Narrative     string    `json:"narrative,omitempty"`
}

// Event is the entity-agnostic view of a stream record returned by Query.
type Event interface {
	EventID() string
	EventTime() time.Time
	EventDevice() string
}

func (t Transaction) EventID() string      { return t.ID }
func (t Transaction) EventTime() time.Time { return t.Time }
func (t Transaction) EventDevice() string  { return t.DeviceID }

func (c Complaint) EventID() string      { return c.ID }
func (c Complaint) EventTime() time.Time { return c.Time }
func (c Complaint) EventDevice() string  { return c.DeviceID }

// Store is the read-only event store contract. Implementations must return
// events in time order (ties by id) and an empty slice, not an error, when
// nothing matches. Failures to reach the backing store satisfy
// errors.Is(err, ErrStoreUnavailable).
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error)
	Complaints(ctx context.Context, deviceID string, r Range) ([]Complaint, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Query returns the events of one entity stream for a device within r.
func Query(ctx context.Context, s Store, entity EntityType, deviceID string, r Range) ([]Event, error) {
	switch entity {
	case EntityTransactions:
		txns, err := s.Transactions(ctx, deviceID, r)
		if err != nil {
			return nil, err
		}
		out := make([]Event, len(txns))
		for i := range txns {
			out[i] = txns[i]
		}
		return out, nil
	case EntityComplaints:
		comps, err := s.Complaints(ctx, deviceID, r)
		if err != nil {
			return nil, err
		}
		out := make([]Event, len(comps))
		for i := range comps {
			out[i] = comps[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
}

// Range is a half-open time interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// LookbackRange returns [instant-lookback, instant).
func LookbackRange(instant time.Time, lookback time.Duration) (Range, error) {
	if lookback <= 0 {
		return Range{}, fmt.Errorf("%w: lookback %s must be positive", ErrInvalidWindow, lookback)
	}
	return Range{Start: instant.Add(-lookback), End: instant}, nil
}

// HorizonRange returns [instant, instant+horizon).
func HorizonRange(instant time.Time, horizon time.Duration) (Range, error) {
	if horizon <= 0 {
		return Range{}, fmt.Errorf("%w: horizon %s must be positive", ErrInvalidWindow, horizon)
	}
	return Range{Start: instant, End: instant.Add(horizon)}, nil
}

// Contains reports whether t lies in [Start, End).
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Empty reports whether the range selects nothing.
func (r Range) Empty() bool {
	return !r.Start.Before(r.End)
}

func (r Range) String() string {
	return "[" + r.Start.UTC().Format(time.RFC3339Nano) + ", " + r.End.UTC().Format(time.RFC3339Nano) + ")"
}

// SortTransactions orders transactions by time, then id.
func SortTransactions(txns []Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		return eventLess(txns[i].Time, txns[i].ID, txns[j].Time, txns[j].ID)
	})
}

// SortComplaints orders complaints by time, then id.
func SortComplaints(comps []Complaint) {
	sort.Slice(comps, func(i, j int) bool {
		return eventLess(comps[i].Time, comps[i].ID, comps[j].Time, comps[j].ID)
	})
}

func eventLess(ti time.Time, idi string, tj time.Time, idj string) bool {
	if ti.Equal(tj) {
		return idi < idj
	}
	return ti.Before(tj)
}

// unavailable wraps a backend failure so callers can match ErrStoreUnavailable
// while keeping the original cause. Context cancellation is passed through
// untouched: it is the caller giving up, not the store failing.
func unavailable(op, deviceID string, r Range, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if deviceID == "" {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	if r == (Range{}) {
		return fmt.Errorf("%w: %s device %s: %w", ErrStoreUnavailable, op, deviceID, err)
	}
	return fmt.Errorf("%w: %s device %s %s: %w", ErrStoreUnavailable, op, deviceID, r, err)
}

// NewestFinder is implemented by stores that can report the time of their
// most recent transaction. Trailing corpus schedules are anchored on it.
type NewestFinder interface {
	Newest(ctx context.Context) (time.Time, bool, error)
}
