//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrp/atmrisk/internal/testutil"
)

func TestPostgresStore_Streams(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.PGTest(t)
	store := NewPostgresStore(db)

	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (id, registrant, lat, lon, address) VALUES
			('ATM-2', 'bank-b', 10, 20, ''),
			('ATM-1', 'bank-a', 55.75, 37.61, 'Tverskaya 1')`)
	require.NoError(t, err)
	for _, tx := range seededStore().txns["ATM-1"] {
		_, err := db.ExecContext(ctx, `
			INSERT INTO device_transactions (id, device_id, occurred_at, amount, from_account, to_account, is_fraud)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tx.ID, tx.DeviceID, tx.Time, tx.Amount.String(), tx.FromAccount, tx.ToAccount, tx.Fraud)
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO device_complaints (id, device_id, occurred_at, victim_account, narrative)
		VALUES ('c1', 'ATM-1', $1, 'v1', 'card retained')`, t0.Add(2*time.Hour))
	require.NoError(t, err)

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "ATM-1", devices[0].ID)

	d, err := store.GetDevice(ctx, "ATM-1")
	require.NoError(t, err)
	assert.Equal(t, 55.75, d.Lat)
	assert.Equal(t, "Tverskaya 1", d.Address)

	_, err = store.GetDevice(ctx, "ATM-9")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// [1h, 3h) excludes the transaction at exactly 3h.
	txns, err := store.Transactions(ctx, "ATM-1", Range{Start: t0.Add(time.Hour), End: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	ids := make([]string, len(txns))
	for i, tx := range txns {
		ids[i] = tx.ID
	}
	assert.Equal(t, []string{"t1", "t2a", "t2b"}, ids)
	assert.True(t, decimal.RequireFromString("21.00").Equal(txns[1].Amount))
	assert.True(t, txns[2].Fraud)

	comps, err := store.Complaints(ctx, "ATM-1", Range{Start: t0, End: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "card retained", comps[0].Narrative)

	newest, ok, err := store.Newest(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, t0.Add(3*time.Hour).Equal(newest))
}

func TestPostgresStore_NewestOnEmptyLog(t *testing.T) {
	db, _ := testutil.PGTest(t)
	_, ok, err := NewPostgresStore(db).Newest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
