package risk

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ncrp/atmrisk/internal/pagination"
)

// Assessment is one scored row as kept in the audit log.
type Assessment struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"deviceId"`
	SnapshotTime    time.Time `json:"snapshotTime,omitzero"`
	Score           float64   `json:"score"`
	ModelVersion    string    `json:"modelVersion"`
	ContractVersion string    `json:"contractVersion"`
	ScoredAt        time.Time `json:"scoredAt"`
}

// AssessmentStore persists assessments. ListByDevice pages newest first by
// (ScoredAt, ID), starting after the cursor when one is given.
type AssessmentStore interface {
	Record(ctx context.Context, as []Assessment) error
	ListByDevice(ctx context.Context, deviceID string, after *pagination.Cursor, limit int) ([]Assessment, error)
}

// MemoryStore is an in-memory AssessmentStore for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]Assessment // deviceID → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, as []Assessment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range as {
		s.assessments[a.DeviceID] = append(s.assessments[a.DeviceID], a)
	}
	return nil
}

// ListByDevice returns the most recent assessments first, up to limit.
func (s *MemoryStore) ListByDevice(ctx context.Context, deviceID string, after *pagination.Cursor, limit int) ([]Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := slices.Clone(s.assessments[deviceID])
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b Assessment) int {
		if c := b.ScoredAt.Compare(a.ScoredAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	result := make([]Assessment, 0, min(len(all), max(limit, 0)))
	for _, a := range all {
		if limit > 0 && len(result) == limit {
			break
		}
		if after.After(a.ScoredAt, a.ID) {
			result = append(result, a)
		}
	}
	return result, nil
}
