package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func txn(id, device string, at time.Duration, amount string, fraud bool) Transaction {
	return Transaction{
		ID:          id,
		DeviceID:    device,
		Time:        t0.Add(at),
		Amount:      decimal.RequireFromString(amount),
		FromAccount: "acc-" + id,
		ToAccount:   "merchant",
		Fraud:       fraud,
	}
}

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.PutDevice(
		Device{ID: "ATM-2", Registrant: "bank-b", Lat: 10, Lon: 20},
		Device{ID: "ATM-1", Registrant: "bank-a", Lat: 55.75, Lon: 37.61},
	)
	s.AddTransactions(
		txn("t3", "ATM-1", 3*time.Hour, "30.00", false),
		txn("t1", "ATM-1", 1*time.Hour, "10.00", false),
		txn("t2b", "ATM-1", 2*time.Hour, "20.00", true),
		txn("t2a", "ATM-1", 2*time.Hour, "21.00", false),
		txn("x1", "ATM-2", 1*time.Hour, "5.00", false),
	)
	s.AddComplaints(Complaint{ID: "c1", DeviceID: "ATM-1", Time: t0.Add(2 * time.Hour), VictimAccount: "v1"})
	return s
}

func TestRange_HalfOpen(t *testing.T) {
	r := Range{Start: t0, End: t0.Add(time.Hour)}
	assert.True(t, r.Contains(t0))
	assert.True(t, r.Contains(t0.Add(59*time.Minute)))
	assert.False(t, r.Contains(t0.Add(time.Hour)))
	assert.False(t, r.Contains(t0.Add(-time.Nanosecond)))
	assert.False(t, r.Empty())
	assert.True(t, Range{Start: t0, End: t0}.Empty())
}

func TestLookbackAndHorizonRanges(t *testing.T) {
	instant := t0.Add(24 * time.Hour)

	lb, err := LookbackRange(instant, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, instant.Add(-7*24*time.Hour), lb.Start)
	assert.Equal(t, instant, lb.End)
	assert.False(t, lb.Contains(instant), "instant belongs to the future window only")

	hz, err := HorizonRange(instant, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, hz.Contains(instant))

	_, err = LookbackRange(instant, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = HorizonRange(instant, -time.Hour)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestMemoryStore_TransactionsOrderedAndHalfOpen(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	got, err := s.Transactions(ctx, "ATM-1", Range{Start: t0.Add(time.Hour), End: t0.Add(3 * time.Hour)})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, tx := range got {
		ids[i] = tx.ID
	}
	assert.Equal(t, []string{"t1", "t2a", "t2b"}, ids, "end is exclusive and ties sort by id")
}

func TestMemoryStore_EmptyRangeIsNotAnError(t *testing.T) {
	s := seededStore()

	got, err := s.Transactions(context.Background(), "ATM-1", Range{Start: t0.Add(10 * time.Hour), End: t0.Add(11 * time.Hour)})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = s.Transactions(context.Background(), "unknown", Range{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := seededStore()
	r := Range{Start: t0, End: t0.Add(24 * time.Hour)}

	got, err := s.Transactions(context.Background(), "ATM-1", r)
	require.NoError(t, err)
	got[0].ID = "mutated"

	again, err := s.Transactions(context.Background(), "ATM-1", r)
	require.NoError(t, err)
	assert.Equal(t, "t1", again[0].ID)
}

func TestMemoryStore_Devices(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	d, err := s.GetDevice(ctx, "ATM-1")
	require.NoError(t, err)
	assert.Equal(t, 55.75, d.Lat)

	_, err = s.GetDevice(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	all, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ATM-1", all[0].ID)
	assert.Equal(t, "ATM-2", all[1].ID)
}

func TestMemoryStore_Newest(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.Newest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	s = seededStore()
	newest, ok, err := s.Newest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Hour), newest)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := seededStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transactions(ctx, "ATM-1", Range{Start: t0, End: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuery(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	r := Range{Start: t0, End: t0.Add(24 * time.Hour)}

	txns, err := Query(ctx, s, EntityTransactions, "ATM-1", r)
	require.NoError(t, err)
	require.Len(t, txns, 4)
	assert.Equal(t, "t1", txns[0].EventID())
	assert.Equal(t, "ATM-1", txns[0].EventDevice())

	comps, err := Query(ctx, s, EntityComplaints, "ATM-1", r)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, t0.Add(2*time.Hour), comps[0].EventTime())

	_, err = Query(ctx, s, EntityType("atms"), "ATM-1", r)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestUnavailable_WrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := unavailable("query transactions", "ATM-1", Range{Start: t0, End: t0.Add(time.Hour)}, cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ATM-1")
	assert.Contains(t, err.Error(), "2025-03-01T00:00:00Z")

	assert.Equal(t, context.Canceled, unavailable("x", "ATM-1", Range{}, context.Canceled))
}

// flakyStore fails the first n transaction reads with ErrStoreUnavailable.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.MemoryStore.Transactions(ctx, deviceID, r)
}

func TestRetryingStore_RetriesUnavailable(t *testing.T) {
	flaky := &flakyStore{
		MemoryStore: seededStore(),
		failures:    2,
		err:         unavailable("query transactions", "ATM-1", Range{}, errors.New("timeout")),
	}
	s := NewRetryingStore(flaky, 3, time.Millisecond)

	got, err := s.Transactions(context.Background(), "ATM-1", Range{Start: t0, End: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStore_GivesUpAfterAttempts(t *testing.T) {
	flaky := &flakyStore{
		MemoryStore: seededStore(),
		failures:    10,
		err:         unavailable("query transactions", "ATM-1", Range{}, errors.New("timeout")),
	}
	s := NewRetryingStore(flaky, 2, time.Millisecond)

	_, err := s.Transactions(context.Background(), "ATM-1", Range{Start: t0, End: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 2, flaky.calls)
}

func TestRetryingStore_OtherErrorsArePermanent(t *testing.T) {
	flaky := &flakyStore{MemoryStore: seededStore(), failures: 10, err: errors.New("bad query")}
	s := NewRetryingStore(flaky, 5, time.Millisecond)

	_, err := s.Transactions(context.Background(), "ATM-1", Range{Start: t0, End: t0.Add(time.Hour)})
	assert.EqualError(t, err, "bad query")
	assert.Equal(t, 1, flaky.calls)

	_, err = s.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

type fakeCache struct {
	data   map[string]string
	getErr error
	setErr error
	sets   int
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.sets++
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

// countingStore counts device lookups.
type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) GetDevice(ctx context.Context, id string) (Device, error) {
	c.gets++
	return c.MemoryStore.GetDevice(ctx, id)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := &countingStore{MemoryStore: seededStore()}
	cache := &fakeCache{data: map[string]string{}}
	s := NewCachedStore(backing, cache, time.Minute, nil)
	ctx := context.Background()

	d1, err := s.GetDevice(ctx, "ATM-1")
	require.NoError(t, err)
	d2, err := s.GetDevice(ctx, "ATM-1")
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, backing.gets, "second read is served from cache")
	assert.Equal(t, 1, cache.sets)
}

func TestCachedStore_RedisDownFallsBack(t *testing.T) {
	backing := &countingStore{MemoryStore: seededStore()}
	cache := &fakeCache{data: map[string]string{}, getErr: errors.New("dial tcp: refused"), setErr: errors.New("dial tcp: refused")}
	s := NewCachedStore(backing, cache, time.Minute, nil)

	d, err := s.GetDevice(context.Background(), "ATM-2")
	require.NoError(t, err)
	assert.Equal(t, "bank-b", d.Registrant)
	assert.Equal(t, 1, backing.gets)
}

func TestCachedStore_NotFoundIsNotCached(t *testing.T) {
	cache := &fakeCache{data: map[string]string{}}
	s := NewCachedStore(seededStore(), cache, time.Minute, nil)

	_, err := s.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Zero(t, cache.sets)
}

func TestCachedStore_PassesThroughStreams(t *testing.T) {
	s := NewCachedStore(seededStore(), &fakeCache{data: map[string]string{}}, 0, nil)

	got, err := s.Complaints(context.Background(), "ATM-1", Range{Start: t0, End: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
