package events

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and small fixtures.
// Per-device streams are kept sorted so range lookups are binary searches.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]Device
	txns    map[string][]Transaction
	comps   map[string][]Complaint
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]Device),
		txns:    make(map[string][]Transaction),
		comps:   make(map[string][]Complaint),
	}
}

// PutDevice registers or replaces a device.
func (s *MemoryStore) PutDevice(devices ...Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devices {
		s.devices[d.ID] = d
	}
}

// AddTransactions appends transactions, keeping each device's stream sorted.
func (s *MemoryStore) AddTransactions(txns ...Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]struct{})
	for _, t := range txns {
		s.txns[t.DeviceID] = append(s.txns[t.DeviceID], t)
		touched[t.DeviceID] = struct{}{}
	}
	for id := range touched {
		SortTransactions(s.txns[id])
	}
}

// AddComplaints appends complaints, keeping each device's stream sorted.
func (s *MemoryStore) AddComplaints(comps ...Complaint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]struct{})
	for _, c := range comps {
		s.comps[c.DeviceID] = append(s.comps[c.DeviceID], c)
		touched[c.DeviceID] = struct{}{}
	}
	for id := range touched {
		SortComplaints(s.comps[id])
	}
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRange(s.txns[deviceID], func(t Transaction) time.Time { return t.Time }, r), nil
}

func (s *MemoryStore) Complaints(ctx context.Context, deviceID string, r Range) ([]Complaint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRange(s.comps[deviceID], func(c Complaint) time.Time { return c.Time }, r), nil
}

// selectRange copies the items of a time-sorted slice that fall in r.
func selectRange[T any](items []T, at func(T) time.Time, r Range) []T {
	lo := sort.Search(len(items), func(i int) bool {
		return !at(items[i]).Before(r.Start)
	})
	hi := sort.Search(len(items), func(i int) bool {
		return !at(items[i]).Before(r.End)
	})
	if hi <= lo {
		return []T{}
	}
	return slices.Clone(items[lo:hi])
}

func (s *MemoryStore) Newest(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest time.Time
	found := false
	for _, txns := range s.txns {
		if len(txns) == 0 {
			continue
		}
		last := txns[len(txns)-1].Time
		if !found || last.After(newest) {
			newest = last
			found = true
		}
	}
	return newest, found, nil
}
