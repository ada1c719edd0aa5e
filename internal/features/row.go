// Package features computes point-in-time device feature rows from the event
// store. A row for instant T only ever sees events strictly before T.
package features

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ncrp/atmrisk/internal/events"
)

// Row is the feature vector of one device at one snapshot instant.
type Row struct {
	DeviceID             string    `json:"device_id"`
	Instant              time.Time `json:"snapshot_time"`
	RecentTxnCount       int64     `json:"recent_txn_count"`
	RecentAvgAmount      float64   `json:"recent_avg_amount"`
	RecentFraudCount     int64     `json:"recent_fraud_count"`
	UniqueSourceAccounts int64     `json:"unique_source_accounts"`
	RecentComplaintCount int64     `json:"recent_complaint_count"`
	DeviceLat            float64   `json:"device_lat"`
	DeviceLon            float64   `json:"device_lon"`
}

// window holds the running aggregates of one lookback window. Events can be
// added and removed in any order; the resulting row depends only on the set of
// events currently inside.
type window struct {
	count      int64
	sum        decimal.Decimal
	fraud      int64
	sources    map[string]int
	complaints int64
}

func newWindow() *window {
	return &window{sources: make(map[string]int)}
}

func (w *window) addTxn(t events.Transaction) {
	w.count++
	w.sum = w.sum.Add(t.Amount)
	if t.Fraud {
		w.fraud++
	}
	if t.FromAccount != "" {
		w.sources[t.FromAccount]++
	}
}

func (w *window) removeTxn(t events.Transaction) {
	w.count--
	w.sum = w.sum.Sub(t.Amount)
	if t.Fraud {
		w.fraud--
	}
	if t.FromAccount != "" {
		if n := w.sources[t.FromAccount]; n <= 1 {
			delete(w.sources, t.FromAccount)
		} else {
			w.sources[t.FromAccount] = n - 1
		}
	}
}

func (w *window) addComplaint(events.Complaint)    { w.complaints++ }
func (w *window) removeComplaint(events.Complaint) { w.complaints-- }

// mean is computed from the exact decimal sum so that a window reached by
// sliding and one rebuilt from scratch give the same float64 bits.
func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum.InexactFloat64() / float64(w.count)
}

func (w *window) row(device events.Device, instant time.Time) Row {
	return Row{
		DeviceID:             device.ID,
		Instant:              instant,
		RecentTxnCount:       w.count,
		RecentAvgAmount:      w.mean(),
		RecentFraudCount:     w.fraud,
		UniqueSourceAccounts: int64(len(w.sources)),
		RecentComplaintCount: w.complaints,
		DeviceLat:            device.Lat,
		DeviceLon:            device.Lon,
	}
}

// computeRow rebuilds a window from scratch, keeping only events inside the
// lookback range of instant.
func computeRow(device events.Device, txns []events.Transaction, comps []events.Complaint, instant time.Time, r events.Range) Row {
	w := newWindow()
	for _, t := range txns {
		if r.Contains(t.Time) {
			w.addTxn(t)
		}
	}
	for _, c := range comps {
		if r.Contains(c.Time) {
			w.addComplaint(c)
		}
	}
	return w.row(device, instant)
}
