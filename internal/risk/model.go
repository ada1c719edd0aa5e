// Package risk scores device feature rows with a pluggable risk model.
//
// A scoring request moves through Received, Validated, Scored, Sorted and
// Returned. A contract violation leaves from Validated and a model failure
// from Scored; either way the caller gets an error and no partial results.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrModelUnavailable = errors.New("risk: model unavailable")

// Model turns an ordered feature vector into a fraud probability in [0, 1].
type Model interface {
	Predict(ctx context.Context, x []float64) (float64, error)
}

// BatchPredictor is implemented by models that score many vectors per call,
// such as remote inference endpoints.
type BatchPredictor interface {
	PredictBatch(ctx context.Context, xs [][]float64) ([]float64, error)
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Kind            string    `json:"kind"`
	ContractVersion string    `json:"contractVersion"`
	Features        []string  `json:"features"`
	Source          string    `json:"source"`
	LoadedAt        time.Time `json:"loadedAt"`
}

// Loader produces a fresh model, e.g. by reading an artifact from disk.
type Loader func(ctx context.Context) (Model, ModelInfo, error)

func predictAll(ctx context.Context, m Model, xs [][]float64) ([]float64, error) {
	if bp, ok := m.(BatchPredictor); ok {
		return bp.PredictBatch(ctx, xs)
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := m.Predict(ctx, x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}
