package corpus

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ncrp/atmrisk/internal/contract"
)

// Sink receives a build's rows one whole device at a time.
type Sink interface {
	// Open is called once before any rows.
	Open(ctx context.Context, build *Build) error
	// WriteDevice stores all rows of one device and reports how many were
	// new or changed.
	WriteDevice(ctx context.Context, deviceID string, rows []LabeledRow) (int, error)
	// Close is called once with the final build record, also on failure.
	Close(ctx context.Context, build *Build) error
}

// CSVSink writes the corpus as CSV with the contract's corpus header.
// Floats use the shortest representation that parses back to the same value.
type CSVSink struct {
	w        *csv.Writer
	contract *contract.Contract
	header   []string
}

// NewCSVSink creates a sink writing to w.
func NewCSVSink(w io.Writer, c *contract.Contract) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w), contract: c, header: c.CorpusHeader()}
}

func (s *CSVSink) Open(context.Context, *Build) error {
	if err := s.w.Write(s.header); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) WriteDevice(_ context.Context, _ string, rows []LabeledRow) (int, error) {
	for _, r := range rows {
		record, err := s.encode(r)
		if err != nil {
			return 0, err
		}
		if err := s.w.Write(record); err != nil {
			return 0, err
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *CSVSink) Close(context.Context, *Build) error {
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) encode(r LabeledRow) ([]string, error) {
	rec := s.contract.ToRecord(r.Row)
	out := make([]string, len(s.header))
	for i, col := range s.header {
		switch col {
		case contract.FieldSnapshotTime:
			out[i] = r.Instant.UTC().Format(time.RFC3339Nano)
		case contract.LabelColumn:
			out[i] = strconv.Itoa(int(r.Label))
		default:
			cell, err := formatCell(rec[col])
			if err != nil {
				return nil, fmt.Errorf("device %s column %s: %w", r.DeviceID, col, err)
			}
			out[i] = cell
		}
	}
	return out, nil
}

func formatCell(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case nil:
		return "", errors.New("missing value")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// StoreSink writes rows into a versioned corpus store and keeps the build
// audit record there.
type StoreSink struct {
	store Store
	build *Build
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Open(ctx context.Context, build *Build) error {
	s.build = build
	return s.store.CreateBuild(ctx, build)
}

func (s *StoreSink) WriteDevice(ctx context.Context, _ string, rows []LabeledRow) (int, error) {
	if s.build == nil {
		return 0, errors.New("store sink used before Open")
	}
	return s.store.UpsertRows(ctx, s.build, rows)
}

func (s *StoreSink) Close(ctx context.Context, build *Build) error {
	return s.store.FinishBuild(ctx, build)
}

// MultiSink fans out to several sinks. The changed count reported is the
// first sink's.
type MultiSink []Sink

func (m MultiSink) Open(ctx context.Context, build *Build) error {
	for _, s := range m {
		if err := s.Open(ctx, build); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) WriteDevice(ctx context.Context, deviceID string, rows []LabeledRow) (int, error) {
	changed := 0
	for i, s := range m {
		n, err := s.WriteDevice(ctx, deviceID, rows)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			changed = n
		}
	}
	return changed, nil
}

func (m MultiSink) Close(ctx context.Context, build *Build) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close(ctx, build))
	}
	return errors.Join(errs...)
}

// DiscardSink drops rows; used for dry runs.
type DiscardSink struct{}

func (DiscardSink) Open(context.Context, *Build) error { return nil }
func (DiscardSink) WriteDevice(_ context.Context, _ string, rows []LabeledRow) (int, error) {
	return len(rows), nil
}
func (DiscardSink) Close(context.Context, *Build) error { return nil }
