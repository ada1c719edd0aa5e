//go:build integration

package corpus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/labels"
	"github.com/ncrp/atmrisk/internal/testutil"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	_, dsn := testutil.PGTest(t)
	pool, err := NewPool(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func TestPostgresStore_IncrementalBuilds(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)
	source := seedStore()
	builder := NewBuilder(source, contract.V1())

	first, err := builder.Build(ctx, testParams(), NewStoreSink(store))
	require.NoError(t, err)
	assert.Equal(t, 12, first.RowsChanged)

	second, err := builder.Build(ctx, testParams(), NewStoreSink(store))
	require.NoError(t, err)
	assert.Zero(t, second.RowsChanged)

	source.AddTransactions(txn("t5", "ATM-2", 44*time.Hour, 5, "acct-d", true))
	third, err := builder.Build(ctx, testParams(), NewStoreSink(store))
	require.NoError(t, err)
	assert.Equal(t, 2, third.RowsChanged)

	rows, err := store.Rows(ctx, RowQuery{ContractVersion: "v1", Lookback: 24 * time.Hour, Horizon: 12 * time.Hour, DeviceID: "ATM-2"})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, base.Add(36*time.Hour), rows[2].Instant)
	assert.Equal(t, labels.Positive, rows[2].Label)
	assert.Equal(t, third.ID, rows[2].BuildID)
	assert.Equal(t, first.ID, rows[0].BuildID)

	all, err := store.Rows(ctx, RowQuery{ContractVersion: "v1", Lookback: 24 * time.Hour, Horizon: 12 * time.Hour})
	require.NoError(t, err)
	assert.Len(t, all, 12)
}

func TestPostgresStore_BuildAudit(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	b, err := NewBuilder(seedStore(), contract.V1()).Build(ctx, testParams(), NewStoreSink(store))
	require.NoError(t, err)

	got, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Devices)
	assert.Equal(t, 3, got.DevicesDone)
	assert.Equal(t, 12, got.Rows)
	assert.Equal(t, 1, got.Positives)
	assert.Equal(t, testParams().Cadence, got.Params.Cadence)
	require.NotNil(t, got.FinishedAt)

	list, err := store.ListBuilds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	_, err = store.GetBuild(ctx, "build_missing")
	assert.ErrorIs(t, err, ErrBuildNotFound)
	assert.ErrorIs(t, store.FinishBuild(ctx, &Build{ID: "build_missing"}), ErrBuildNotFound)
}
