package features

import (
	"errors"
	"fmt"
	"time"

	"github.com/ncrp/atmrisk/internal/events"
)

var ErrNotMonotonic = errors.New("features: snapshot instants must not go backwards")

// Cursor slides a lookback window over one device's time-sorted event streams.
// Each event enters and leaves the window exactly once, so a full pass over n
// snapshots costs O(events + n) instead of O(events * n).
//
// A Cursor is not safe for concurrent use; each corpus worker owns its own.
type Cursor struct {
	device   events.Device
	lookback time.Duration
	txns     []events.Transaction
	comps    []events.Complaint

	txLo, txHi int
	cLo, cHi   int
	w          *window

	last    time.Time
	started bool
}

// NewCursor creates a cursor over pre-sorted events of a single device.
func NewCursor(device events.Device, txns []events.Transaction, comps []events.Complaint, lookback time.Duration) (*Cursor, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("%w: lookback %s must be positive", events.ErrInvalidWindow, lookback)
	}
	return &Cursor{
		device:   device,
		lookback: lookback,
		txns:     txns,
		comps:    comps,
		w:        newWindow(),
	}, nil
}

// Advance moves the window to [instant-lookback, instant) and returns the row.
func (c *Cursor) Advance(instant time.Time) (Row, error) {
	if c.started && instant.Before(c.last) {
		return Row{}, fmt.Errorf("%w: device %s: %s after %s", ErrNotMonotonic, c.device.ID,
			instant.Format(time.RFC3339Nano), c.last.Format(time.RFC3339Nano))
	}
	c.started = true
	c.last = instant
	start := instant.Add(-c.lookback)

	for c.txHi < len(c.txns) && c.txns[c.txHi].Time.Before(instant) {
		c.w.addTxn(c.txns[c.txHi])
		c.txHi++
	}
	for c.txLo < c.txHi && c.txns[c.txLo].Time.Before(start) {
		c.w.removeTxn(c.txns[c.txLo])
		c.txLo++
	}

	for c.cHi < len(c.comps) && c.comps[c.cHi].Time.Before(instant) {
		c.w.addComplaint(c.comps[c.cHi])
		c.cHi++
	}
	for c.cLo < c.cHi && c.comps[c.cLo].Time.Before(start) {
		c.w.removeComplaint(c.comps[c.cLo])
		c.cLo++
	}

	return c.w.row(c.device, instant), nil
}
