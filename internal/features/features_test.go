package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/snapshot"
)

const week = 7 * 24 * time.Hour

var T = time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore() *events.MemoryStore {
	s := events.NewMemoryStore()
	s.PutDevice(
		events.Device{ID: "D1", Registrant: "bank-a", Lat: 55.7558, Lon: 37.6173},
		events.Device{ID: "D2", Registrant: "bank-b", Lat: 59.9343, Lon: 30.3351},
	)
	return s
}

func TestAggregate_D1(t *testing.T) {
	s := newStore()
	s.AddTransactions(
		events.Transaction{ID: "a", DeviceID: "D1", Time: T.Add(-48 * time.Hour), Amount: amount("500"), FromAccount: "acc-1"},
		events.Transaction{ID: "b", DeviceID: "D1", Time: T.Add(-2 * time.Hour), Amount: amount("1000"), FromAccount: "acc-2", Fraud: true},
	)
	s.AddComplaints(events.Complaint{ID: "c", DeviceID: "D1", Time: T.Add(-time.Hour), VictimAccount: "acc-2"})

	row, err := NewAggregator(s).Aggregate(context.Background(), "D1", T, week)
	require.NoError(t, err)

	assert.Equal(t, "D1", row.DeviceID)
	assert.Equal(t, T, row.Instant)
	assert.Equal(t, int64(2), row.RecentTxnCount)
	assert.Equal(t, 750.0, row.RecentAvgAmount)
	assert.Equal(t, int64(1), row.RecentFraudCount)
	assert.LessOrEqual(t, row.UniqueSourceAccounts, int64(2))
	assert.Equal(t, int64(2), row.UniqueSourceAccounts)
	assert.Equal(t, int64(1), row.RecentComplaintCount)
	assert.Equal(t, 55.7558, row.DeviceLat)
	assert.Equal(t, 37.6173, row.DeviceLon)
}

func TestAggregate_D2_EmptyWindow(t *testing.T) {
	s := newStore()
	// Outside the lookback on both sides.
	s.AddTransactions(
		events.Transaction{ID: "old", DeviceID: "D2", Time: T.Add(-week - time.Second), Amount: amount("10")},
		events.Transaction{ID: "new", DeviceID: "D2", Time: T.Add(time.Hour), Amount: amount("10")},
	)

	row, err := NewAggregator(s).Aggregate(context.Background(), "D2", T, week)
	require.NoError(t, err)

	assert.Zero(t, row.RecentTxnCount)
	assert.Equal(t, 0.0, row.RecentAvgAmount)
	assert.False(t, math.IsNaN(row.RecentAvgAmount))
	assert.Zero(t, row.RecentFraudCount)
	assert.Zero(t, row.UniqueSourceAccounts)
	assert.Zero(t, row.RecentComplaintCount)
}

func TestAggregate_NoLookahead(t *testing.T) {
	s := newStore()
	s.AddTransactions(
		events.Transaction{ID: "at-start", DeviceID: "D1", Time: T.Add(-week), Amount: amount("1"), FromAccount: "x"},
		events.Transaction{ID: "at-instant", DeviceID: "D1", Time: T, Amount: amount("1000"), Fraud: true, FromAccount: "y"},
		events.Transaction{ID: "after", DeviceID: "D1", Time: T.Add(time.Minute), Amount: amount("1000"), Fraud: true},
	)
	s.AddComplaints(events.Complaint{ID: "c-at-instant", DeviceID: "D1", Time: T})

	row, err := NewAggregator(s).Aggregate(context.Background(), "D1", T, week)
	require.NoError(t, err)

	assert.Equal(t, int64(1), row.RecentTxnCount, "window start is inclusive, instant is exclusive")
	assert.Equal(t, 1.0, row.RecentAvgAmount)
	assert.Zero(t, row.RecentFraudCount)
	assert.Zero(t, row.RecentComplaintCount)
}

func TestAggregate_Errors(t *testing.T) {
	agg := NewAggregator(newStore())

	_, err := agg.Aggregate(context.Background(), "D1", T, 0)
	assert.ErrorIs(t, err, events.ErrInvalidWindow)

	_, err = agg.Aggregate(context.Background(), "nope", T, week)
	assert.ErrorIs(t, err, events.ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "nope")
}

type downStore struct{ *events.MemoryStore }

func (downStore) Transactions(context.Context, string, events.Range) ([]events.Transaction, error) {
	return nil, fmt.Errorf("%w: connection reset", events.ErrStoreUnavailable)
}

func TestAggregate_PropagatesStoreUnavailable(t *testing.T) {
	agg := NewAggregator(downStore{newStore()})

	_, err := agg.Aggregate(context.Background(), "D1", T, week)
	require.Error(t, err)
	assert.True(t, errors.Is(err, events.ErrStoreUnavailable))
	assert.Contains(t, err.Error(), "D1")
	assert.Contains(t, err.Error(), "2025-03-08T12:00:00Z")
}

func TestAggregate_Deterministic(t *testing.T) {
	s := randomStore(7, 400)
	agg := NewAggregator(s)

	a, err := agg.Aggregate(context.Background(), "D1", T, week)
	require.NoError(t, err)
	b, err := agg.Aggregate(context.Background(), "D1", T, week)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCursor_NotMonotonic(t *testing.T) {
	cur, err := NewCursor(events.Device{ID: "D1"}, nil, nil, week)
	require.NoError(t, err)

	_, err = cur.Advance(T)
	require.NoError(t, err)
	_, err = cur.Advance(T)
	require.NoError(t, err, "repeating an instant is allowed")

	_, err = cur.Advance(T.Add(-time.Second))
	assert.ErrorIs(t, err, ErrNotMonotonic)

	_, err = NewCursor(events.Device{ID: "D1"}, nil, nil, 0)
	assert.ErrorIs(t, err, events.ErrInvalidWindow)
}

func TestCursor_DistinctSourcesLeaveWindow(t *testing.T) {
	txns := []events.Transaction{
		{ID: "1", Time: T.Add(-10 * time.Hour), Amount: amount("1"), FromAccount: "a"},
		{ID: "2", Time: T.Add(-5 * time.Hour), Amount: amount("1"), FromAccount: "a"},
		{ID: "3", Time: T.Add(-1 * time.Hour), Amount: amount("1"), FromAccount: "b"},
	}
	cur, err := NewCursor(events.Device{ID: "D1"}, txns, nil, 8*time.Hour)
	require.NoError(t, err)

	row, err := cur.Advance(T.Add(-2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.RecentTxnCount)
	assert.Equal(t, int64(1), row.UniqueSourceAccounts)

	row, err = cur.Advance(T)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.RecentTxnCount)
	assert.Equal(t, int64(2), row.UniqueSourceAccounts)

	row, err = cur.Advance(T.Add(4 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.RecentTxnCount)
	assert.Equal(t, int64(1), row.UniqueSourceAccounts)

	row, err = cur.Advance(T.Add(10 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, row.RecentTxnCount)
	assert.Equal(t, 0.0, row.RecentAvgAmount)
	assert.Zero(t, row.UniqueSourceAccounts)
}

// randomStore fills D1 with n transactions and n/10 complaints spread over
// roughly a month before T, with amounts that do not sum exactly in float64.
func randomStore(seed uint64, n int) *events.MemoryStore {
	rng := rand.New(rand.NewPCG(seed, seed))
	s := newStore()
	span := int64(30 * 24 * time.Hour)
	start := T.Add(-20 * 24 * time.Hour)

	for i := 0; i < n; i++ {
		s.AddTransactions(events.Transaction{
			ID:          fmt.Sprintf("t%04d", i),
			DeviceID:    "D1",
			Time:        start.Add(time.Duration(rng.Int64N(span)).Truncate(time.Minute)),
			Amount:      decimal.New(rng.Int64N(500000), -2),
			FromAccount: fmt.Sprintf("acc-%d", rng.IntN(40)),
			Fraud:       rng.IntN(20) == 0,
		})
	}
	for i := 0; i < n/10; i++ {
		s.AddComplaints(events.Complaint{
			ID:       fmt.Sprintf("c%04d", i),
			DeviceID: "D1",
			Time:     start.Add(time.Duration(rng.Int64N(span))),
		})
	}
	return s
}

func TestSeries_SlidingMatchesRescan(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			s := randomStore(seed, 600)
			agg := NewAggregator(s)
			device, err := s.GetDevice(context.Background(), "D1")
			require.NoError(t, err)

			sched, err := snapshot.New(T.Add(-20*24*time.Hour), T.Add(10*24*time.Hour), 12*time.Hour, snapshot.WithWarmup(time.Hour))
			require.NoError(t, err)
			instants := sched.Instants()

			sliding, err := agg.Series(context.Background(), device, instants, week, Sliding)
			require.NoError(t, err)
			rescan, err := agg.Series(context.Background(), device, instants, week, Rescan)
			require.NoError(t, err)

			require.Len(t, sliding, len(instants))
			require.Len(t, rescan, len(instants))
			for i := range instants {
				assert.Equal(t, rescan[i], sliding[i], "instant %s", instants[i])
				assert.Equal(t, math.Float64bits(rescan[i].RecentAvgAmount), math.Float64bits(sliding[i].RecentAvgAmount))
				if sliding[i].RecentTxnCount == 0 {
					assert.Equal(t, 0.0, sliding[i].RecentAvgAmount)
				}
			}
		})
	}
}

func TestSeries_SlidingMatchesAggregate(t *testing.T) {
	s := randomStore(9, 200)
	agg := NewAggregator(s)
	device, err := s.GetDevice(context.Background(), "D1")
	require.NoError(t, err)

	instants := []time.Time{T.Add(-3 * 24 * time.Hour), T, T.Add(36 * time.Hour)}
	rows, err := agg.Series(context.Background(), device, instants, week, Sliding)
	require.NoError(t, err)

	for i, at := range instants {
		want, err := agg.Aggregate(context.Background(), "D1", at, week)
		require.NoError(t, err)
		assert.Equal(t, want, rows[i])
	}
}

func TestSeries_Edges(t *testing.T) {
	s := newStore()
	agg := NewAggregator(s)
	device := events.Device{ID: "D1"}

	rows, err := agg.Series(context.Background(), device, nil, week, Sliding)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = agg.Series(context.Background(), device, []time.Time{T}, 0, Sliding)
	assert.ErrorIs(t, err, events.ErrInvalidWindow)

	backwards := []time.Time{T, T.Add(-time.Hour)}
	_, err = agg.Series(context.Background(), device, backwards, week, Sliding)
	assert.ErrorIs(t, err, ErrNotMonotonic)
	_, err = agg.Series(context.Background(), device, backwards, week, Rescan)
	assert.ErrorIs(t, err, ErrNotMonotonic)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": Sliding, "sliding": Sliding, "RESCAN": Rescan} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("bogus")
	assert.Error(t, err)
	assert.Equal(t, "rescan", Rescan.String())
}
