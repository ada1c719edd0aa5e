package contract

import (
	"fmt"
	"time"

	"github.com/ncrp/atmrisk/internal/features"
)

type accessor struct {
	get func(features.Row) any
	set func(*features.Row, any)
}

var accessors = map[string]accessor{
	FieldRecentTxnCount: {
		get: func(r features.Row) any { return r.RecentTxnCount },
		set: func(r *features.Row, v any) { r.RecentTxnCount, _ = asInt64(v) },
	},
	FieldRecentAvgAmount: {
		get: func(r features.Row) any { return r.RecentAvgAmount },
		set: func(r *features.Row, v any) { r.RecentAvgAmount, _ = asFloat64(v) },
	},
	FieldRecentFraudCount: {
		get: func(r features.Row) any { return r.RecentFraudCount },
		set: func(r *features.Row, v any) { r.RecentFraudCount, _ = asInt64(v) },
	},
	FieldUniqueSourceAccounts: {
		get: func(r features.Row) any { return r.UniqueSourceAccounts },
		set: func(r *features.Row, v any) { r.UniqueSourceAccounts, _ = asInt64(v) },
	},
	FieldRecentComplaintCount: {
		get: func(r features.Row) any { return r.RecentComplaintCount },
		set: func(r *features.Row, v any) { r.RecentComplaintCount, _ = asInt64(v) },
	},
	FieldDeviceLat: {
		get: func(r features.Row) any { return r.DeviceLat },
		set: func(r *features.Row, v any) { r.DeviceLat, _ = asFloat64(v) },
	},
	FieldDeviceLon: {
		get: func(r features.Row) any { return r.DeviceLon },
		set: func(r *features.Row, v any) { r.DeviceLon, _ = asFloat64(v) },
	},
}

// ToRecord renders a row as a wire record. The snapshot time is included
// only when set.
func (c *Contract) ToRecord(r features.Row) Record {
	rec := Record{FieldDeviceID: r.DeviceID}
	if !r.Instant.IsZero() {
		rec[FieldSnapshotTime] = r.Instant.UTC().Format(time.RFC3339Nano)
	}
	for _, name := range c.FeatureNames() {
		if a, ok := accessors[name]; ok {
			rec[name] = a.get(r)
		}
	}
	return rec
}

// FromRecord validates rec and converts it to a typed row.
func (c *Contract) FromRecord(rec Record) (features.Row, error) {
	if err := c.Validate(rec); err != nil {
		return features.Row{}, err
	}
	return c.fromValid(rec)
}

func (c *Contract) fromValid(rec Record) (features.Row, error) {
	row := features.Row{DeviceID: rec[FieldDeviceID].(string)}
	if v, ok := rec[FieldSnapshotTime]; ok {
		t, err := asTime(v)
		if err != nil {
			return features.Row{}, err
		}
		row.Instant = t
	}
	for _, name := range c.FeatureNames() {
		a, ok := accessors[name]
		if !ok {
			return features.Row{}, fmt.Errorf("contract %s: no row field for feature %q", c.Version, name)
		}
		a.set(&row, rec[name])
	}
	return row, nil
}

// FromBatch validates a whole batch before converting any of it.
func (c *Contract) FromBatch(recs []Record) ([]features.Row, error) {
	if err := c.ValidateBatch(recs); err != nil {
		return nil, err
	}
	rows := make([]features.Row, len(recs))
	for i, rec := range recs {
		row, err := c.fromValid(rec)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

// Vector returns the model inputs of r in contract order.
func (c *Contract) Vector(r features.Row) []float64 {
	names := c.FeatureNames()
	out := make([]float64, 0, len(names))
	for _, name := range names {
		a, ok := accessors[name]
		if !ok {
			continue
		}
		switch v := a.get(r).(type) {
		case int64:
			out = append(out, float64(v))
		case float64:
			out = append(out, v)
		}
	}
	return out
}
