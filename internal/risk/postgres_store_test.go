//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrp/atmrisk/internal/pagination"
	"github.com/ncrp/atmrisk/internal/testutil"
)

func TestPostgresStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.PGTest(t)
	store := NewPostgresStore(db)

	scored := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	snap := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, []Assessment{
		{ID: "asm_1", DeviceID: "ATM-1", SnapshotTime: snap, Score: 0.2, ModelVersion: "m1", ContractVersion: "v1", ScoredAt: scored},
		{ID: "asm_2", DeviceID: "ATM-1", Score: 0.9, ModelVersion: "m2", ContractVersion: "v1", ScoredAt: scored.Add(time.Hour)},
		{ID: "asm_3", DeviceID: "ATM-2", Score: 0.5, ModelVersion: "m2", ContractVersion: "v1", ScoredAt: scored},
	}))
	require.NoError(t, store.Record(ctx, nil))

	got, err := store.ListByDevice(ctx, "ATM-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "asm_2", got[0].ID, "newest first")
	assert.True(t, got[0].SnapshotTime.IsZero())
	assert.Equal(t, "asm_1", got[1].ID)
	assert.True(t, snap.Equal(got[1].SnapshotTime))
	assert.InDelta(t, 0.2, got[1].Score, 1e-12)

	limited, err := store.ListByDevice(ctx, "ATM-1", nil, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	rest, err := store.ListByDevice(ctx, "ATM-1", &pagination.Cursor{At: limited[0].ScoredAt, ID: limited[0].ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "asm_1", rest[0].ID)

	none, err := store.ListByDevice(ctx, "ATM-9", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
