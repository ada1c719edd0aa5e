package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/events"
)

func defaultOptions() options {
	return options{
		cadence:     12 * time.Hour,
		lookback:    7 * 24 * time.Hour,
		horizon:     24 * time.Hour,
		parallelism: 2,
		strategy:    "sliding",
	}
}

func TestBuildParams_TrailingAnchorKeepsNewestTransaction(t *testing.T) {
	last := time.Date(2025, 3, 8, 10, 0, 0, 999, time.UTC) // sub-microsecond timestamp
	store := events.NewMemoryStore()
	store.PutDevice(events.Device{ID: "ATM-1", Lat: 1, Lon: 2})
	store.AddTransactions(events.Transaction{ID: "t1", DeviceID: "ATM-1", Time: last, Amount: decimal.NewFromInt(10)})

	p, err := buildParams(context.Background(), defaultOptions(), store)
	require.NoError(t, err)

	assert.True(t, p.To.After(last), "anchor must follow the newest transaction")
	assert.Equal(t, p.To, p.To.Truncate(corpus.Precision), "anchor is storable without rounding")
	assert.Equal(t, last.Truncate(time.Microsecond).Add(time.Microsecond), p.To)
	assert.Equal(t, p.To.Add(-corpus.DefaultSpan), p.From)
}

func TestBuildParams_ExplicitRange(t *testing.T) {
	opts := defaultOptions()
	opts.from = "2025-03-01T00:00:00Z"
	opts.to = "2025-03-03T00:00:00.0000005Z"
	opts.strategy = "rescan"

	p, err := buildParams(context.Background(), opts, events.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), p.To.UTC())
	assert.Equal(t, "rescan", p.Strategy.String())
}

func TestBuildParams_Errors(t *testing.T) {
	_, err := buildParams(context.Background(), defaultOptions(), events.NewMemoryStore())
	assert.ErrorContains(t, err, "no transactions")

	opts := defaultOptions()
	opts.strategy = "bogus"
	_, err = buildParams(context.Background(), opts, events.NewMemoryStore())
	assert.Error(t, err)

	opts = defaultOptions()
	opts.to = "yesterday"
	_, err = buildParams(context.Background(), opts, events.NewMemoryStore())
	assert.ErrorContains(t, err, "-to")
}
