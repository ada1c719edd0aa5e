package risk

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/idgen"
	"github.com/ncrp/atmrisk/internal/metrics"
	"github.com/ncrp/atmrisk/internal/pagination"
	"github.com/ncrp/atmrisk/internal/traces"
)

// ScoreField is the key the score is returned under, next to the record.
const ScoreField = "risk_score"

// Scored is one input record with its score attached.
type Scored struct {
	Record contract.Record
	Row    features.Row
	Score  float64
}

// MarshalJSON flattens the record and the score into one object.
func (s Scored) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Record)+1)
	maps.Copy(out, s.Record)
	out[ScoreField] = s.Score
	return json.Marshal(out)
}

// Batch is the result of one scoring request.
type Batch struct {
	Results []Scored  `json:"results"`
	Model   ModelInfo `json:"model"`
}

// Service scores feature rows against the registry's current model.
type Service struct {
	contract    *contract.Contract
	registry    *Registry
	aggregator  *features.Aggregator
	assessments AssessmentStore
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAggregator enables scoring by device id.
func WithAggregator(a *features.Aggregator) Option {
	return func(s *Service) { s.aggregator = a }
}

// WithAssessmentStore records every returned score.
func WithAssessmentStore(st AssessmentStore) Option {
	return func(s *Service) { s.assessments = st }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a scoring service.
func NewService(c *contract.Contract, registry *Registry, opts ...Option) *Service {
	s := &Service{
		contract: c,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Contract() *contract.Contract { return s.contract }
func (s *Service) Registry() *Registry          { return s.registry }

// Score validates every record, scores them with one model and returns them
// by descending score. Ties keep input order. Any invalid record or model
// failure fails the whole batch.
func (s *Service) Score(ctx context.Context, recs []contract.Record) (*Batch, error) {
	ctx, span := traces.StartSpan(ctx, "risk.score", traces.BatchSize(len(recs)), traces.ContractVersion(s.contract.Version))
	batch, err := s.score(ctx, recs, func() ([]features.Row, error) {
		return s.contract.FromBatch(recs)
	})
	traces.End(span, err)
	return batch, err
}

// ScoreRows scores rows computed in-process, such as by the aggregator.
func (s *Service) ScoreRows(ctx context.Context, rows []features.Row) (*Batch, error) {
	ctx, span := traces.StartSpan(ctx, "risk.score_rows", traces.BatchSize(len(rows)), traces.ContractVersion(s.contract.Version))
	recs := make([]contract.Record, len(rows))
	for i, r := range rows {
		recs[i] = s.contract.ToRecord(r)
	}
	batch, err := s.score(ctx, recs, func() ([]features.Row, error) {
		if err := s.contract.ValidateRows(rows); err != nil {
			return nil, err
		}
		return rows, nil
	})
	traces.End(span, err)
	return batch, err
}

func (s *Service) score(ctx context.Context, recs []contract.Record, validate func() ([]features.Row, error)) (*Batch, error) {
	start := time.Now()
	defer func() { metrics.ScoringDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := validate()
	if err != nil {
		metrics.ScoringBatchesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// The model is pinned here; a concurrent reload does not affect this batch.
	model, info, err := s.registry.Current()
	if err != nil {
		metrics.ScoringBatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	xs := make([][]float64, len(rows))
	for i, r := range rows {
		xs[i] = s.contract.Vector(r)
	}
	scores, err := predictAll(ctx, model, xs)
	if err == nil && len(scores) != len(rows) {
		err = fmt.Errorf("model returned %d scores for %d rows", len(scores), len(rows))
	}
	if err == nil {
		err = checkScores(scores)
	}
	if err != nil {
		metrics.ScoringBatchesTotal.WithLabelValues("failed").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Error("model failed", "model", info.Name, "version", info.Version, "rows", len(rows), "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrModelUnavailable, info.Name, info.Version, err)
	}

	results := make([]Scored, len(rows))
	for i := range rows {
		results[i] = Scored{Record: recs[i], Row: rows[i], Score: scores[i]}
	}
	slices.SortStableFunc(results, func(a, b Scored) int {
		return cmp.Compare(b.Score, a.Score)
	})

	s.record(ctx, results, info)

	metrics.ScoringBatchesTotal.WithLabelValues("returned").Inc()
	metrics.RowsScoredTotal.Add(float64(len(results)))
	return &Batch{Results: results, Model: info}, nil
}

func checkScores(scores []float64) error {
	for i, p := range scores {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("row %d: score %v outside [0,1]", i, p)
		}
	}
	return nil
}

// record writes the audit log. Failures are logged and do not fail the batch.
func (s *Service) record(ctx context.Context, results []Scored, info ModelInfo) {
	if s.assessments == nil || len(results) == 0 {
		return
	}
	now := s.now().UTC()
	as := make([]Assessment, len(results))
	for i, r := range results {
		as[i] = Assessment{
			ID:              idgen.Ordered(),
			DeviceID:        r.Row.DeviceID,
			SnapshotTime:    r.Row.Instant,
			Score:           r.Score,
			ModelVersion:    info.Version,
			ContractVersion: s.contract.Version,
			ScoredAt:        now,
		}
	}
	if err := s.assessments.Record(ctx, as); err != nil {
		s.logger.Warn("failed to record assessments", "rows", len(as), "error", err)
	}
}

// ErrNoAggregator is returned by device-based calls on a service built
// without WithAggregator.
var ErrNoAggregator = errors.New("risk: online features not configured")

// DeviceFeatures computes the row of one device at the given instant. A zero
// instant means now.
func (s *Service) DeviceFeatures(ctx context.Context, deviceID string, at time.Time, lookback time.Duration) (features.Row, error) {
	if s.aggregator == nil {
		return features.Row{}, ErrNoAggregator
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	return s.aggregator.Aggregate(ctx, deviceID, at, lookback)
}

// ScoreDevices computes each device's row at the given instant and scores
// them as one batch.
func (s *Service) ScoreDevices(ctx context.Context, deviceIDs []string, at time.Time, lookback time.Duration) (*Batch, error) {
	if s.aggregator == nil {
		return nil, ErrNoAggregator
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	ctx, span := traces.StartSpan(ctx, "risk.score_devices", traces.BatchSize(len(deviceIDs)), traces.Instant(at))
	rows := make([]features.Row, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		row, err := s.aggregator.Aggregate(ctx, id, at, lookback)
		if err != nil {
			traces.End(span, err)
			return nil, err
		}
		rows = append(rows, row)
	}
	traces.End(span, nil)
	return s.ScoreRows(ctx, rows)
}

// Assessments lists recorded scores for a device, newest first, after the
// cursor when one is given.
func (s *Service) Assessments(ctx context.Context, deviceID string, after *pagination.Cursor, limit int) ([]Assessment, error) {
	if s.assessments == nil {
		return []Assessment{}, nil
	}
	return s.assessments.ListByDevice(ctx, deviceID, after, limit)
}
