package corpus

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Store is the versioned corpus: rows are keyed by contract version, device,
// snapshot time and the lookback/horizon windows, so a rebuild over the same
// range only touches rows whose values changed.
type Store interface {
	CreateBuild(ctx context.Context, b *Build) error
	FinishBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	ListBuilds(ctx context.Context, limit int) ([]*Build, error)

	// UpsertRows writes one device's rows under build and returns how many
	// were inserted or changed.
	UpsertRows(ctx context.Context, build *Build, rows []LabeledRow) (int, error)
	Rows(ctx context.Context, q RowQuery) ([]StoredRow, error)
}

// RowQuery selects corpus rows of one contract version and window pair.
type RowQuery struct {
	ContractVersion string
	Lookback        time.Duration
	Horizon         time.Duration
	DeviceID        string // optional
}

// StoredRow is a corpus row with its provenance.
type StoredRow struct {
	LabeledRow
	// BuildID is the build that last inserted or changed the row.
	BuildID   string    `json:"buildId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type rowKey struct {
	contractVersion string
	deviceID        string
	instant         int64
	lookback        time.Duration
	horizon         time.Duration
}

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	builds map[string]*Build
	rows   map[rowKey]StoredRow
	now    func() time.Time
}

// NewMemoryStore creates an in-memory corpus store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		builds: make(map[string]*Build),
		rows:   make(map[rowKey]StoredRow),
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateBuild(ctx context.Context, b *Build) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) FinishBuild(ctx context.Context, b *Build) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; !ok {
		return ErrBuildNotFound
	}
	s.builds[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, ErrBuildNotFound
	}
	return b.Clone(), nil
}

// ListBuilds returns the most recent builds first.
func (s *MemoryStore) ListBuilds(ctx context.Context, limit int) ([]*Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		result = append(result, b.Clone())
	}
	slices.SortFunc(result, func(a, b *Build) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) UpsertRows(ctx context.Context, build *Build, rows []LabeledRow) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	changed := 0
	for _, r := range rows {
		k := rowKey{
			contractVersion: build.ContractVersion,
			deviceID:        r.DeviceID,
			instant:         r.Instant.UnixNano(),
			lookback:        build.Params.Lookback,
			horizon:         build.Params.Horizon,
		}
		if prev, ok := s.rows[k]; ok && sameValues(prev.LabeledRow, r) {
			continue
		}
		s.rows[k] = StoredRow{LabeledRow: r, BuildID: build.ID, UpdatedAt: now}
		changed++
	}
	return changed, nil
}

// sameValues compares every stored column; the instant is part of the key.
func sameValues(a, b LabeledRow) bool {
	return a.RecentTxnCount == b.RecentTxnCount &&
		a.RecentAvgAmount == b.RecentAvgAmount &&
		a.RecentFraudCount == b.RecentFraudCount &&
		a.UniqueSourceAccounts == b.UniqueSourceAccounts &&
		a.RecentComplaintCount == b.RecentComplaintCount &&
		a.DeviceLat == b.DeviceLat &&
		a.DeviceLon == b.DeviceLon &&
		a.Label == b.Label
}

// Rows returns matching rows ordered by device id then snapshot time.
func (s *MemoryStore) Rows(ctx context.Context, q RowQuery) ([]StoredRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StoredRow
	for k, r := range s.rows {
		if k.contractVersion != q.ContractVersion || k.lookback != q.Lookback || k.horizon != q.Horizon {
			continue
		}
		if q.DeviceID != "" && k.deviceID != q.DeviceID {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b StoredRow) int {
		if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
			return c
		}
		return cmp.Compare(a.Instant.UnixNano(), b.Instant.UnixNano())
	})
	return out, nil
}
