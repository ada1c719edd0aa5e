package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/ncrp/atmrisk/internal/contract"
)

// Artifact kinds understood by ParseArtifact.
const (
	KindLogistic = "logistic"
	KindForest   = "forest"
)

// Artifact is the JSON export of a trained model. Inputs are standardized as
// (x - mean) / scale before the estimator runs, mirroring the training
// pipeline's scaler step.
type Artifact struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Kind            string    `json:"kind"`
	ContractVersion string    `json:"contract_version"`
	Features        []string  `json:"features"`
	Means           []float64 `json:"means"`
	Scales          []float64 `json:"scales"`

	// logistic
	Coefficients []float64 `json:"coefficients,omitempty"`
	Intercept    float64   `json:"intercept,omitempty"`

	// forest
	Trees []Tree `json:"trees,omitempty"`
}

// Tree is one decision tree in array form. Node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split (x[Feature] <= Threshold goes Left) or a leaf holding the
// positive-class probability in Value.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// LoadArtifact reads and validates a model artifact file.
func LoadArtifact(path string, c *contract.Contract) (Model, ModelInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured model path
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("risk: read model artifact: %w", err)
	}
	m, info, err := ParseArtifact(data, c)
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("risk: %s: %w", path, err)
	}
	info.Source = path
	return m, info, nil
}

// FileLoader returns a Loader that re-reads path on every call.
func FileLoader(path string, c *contract.Contract) Loader {
	return func(context.Context) (Model, ModelInfo, error) {
		return LoadArtifact(path, c)
	}
}

// ParseArtifact decodes an artifact and checks it against the contract: its
// features must be exactly the contract's features in the same order.
func ParseArtifact(data []byte, c *contract.Contract) (Model, ModelInfo, error) {
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, ModelInfo{}, fmt.Errorf("decode model artifact: %w", err)
	}
	if err := art.check(c); err != nil {
		return nil, ModelInfo{}, err
	}

	info := ModelInfo{
		Name:            art.Name,
		Version:         art.Version,
		Kind:            art.Kind,
		ContractVersion: c.Version,
		Features:        slices.Clone(art.Features),
		LoadedAt:        time.Now().UTC(),
	}

	scaler := standardizer{means: art.Means, scales: art.Scales}
	switch art.Kind {
	case KindLogistic:
		return &LogisticModel{scaler: scaler, coef: art.Coefficients, intercept: art.Intercept}, info, nil
	case KindForest:
		return &ForestModel{scaler: scaler, trees: art.Trees}, info, nil
	default:
		return nil, ModelInfo{}, fmt.Errorf("unknown model kind %q", art.Kind)
	}
}

func (a *Artifact) check(c *contract.Contract) error {
	if a.ContractVersion != "" && a.ContractVersion != c.Version {
		return fmt.Errorf("artifact built for contract %s, serving %s", a.ContractVersion, c.Version)
	}
	want := c.FeatureNames()
	if !slices.Equal(a.Features, want) {
		return fmt.Errorf("artifact features %v do not match contract %s features %v", a.Features, c.Version, want)
	}
	n := len(want)
	if len(a.Means) != n || len(a.Scales) != n {
		return fmt.Errorf("scaler has %d means and %d scales, want %d", len(a.Means), len(a.Scales), n)
	}
	for i, s := range a.Scales {
		if s == 0 || !finite(s) || !finite(a.Means[i]) {
			return fmt.Errorf("invalid scaler entry for %s", want[i])
		}
	}

	switch a.Kind {
	case KindLogistic:
		if len(a.Coefficients) != n {
			return fmt.Errorf("logistic model has %d coefficients, want %d", len(a.Coefficients), n)
		}
		for _, w := range append(slices.Clone(a.Coefficients), a.Intercept) {
			if !finite(w) {
				return fmt.Errorf("logistic model has non-finite weight")
			}
		}
	case KindForest:
		if len(a.Trees) == 0 {
			return fmt.Errorf("forest model has no trees")
		}
		for ti, tree := range a.Trees {
			if err := tree.check(n); err != nil {
				return fmt.Errorf("tree %d: %w", ti, err)
			}
		}
	default:
		return fmt.Errorf("unknown model kind %q", a.Kind)
	}
	return nil
}

func (t Tree) check(nFeatures int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, nd := range t.Nodes {
		if nd.Leaf {
			if nd.Value < 0 || nd.Value > 1 || !finite(nd.Value) {
				return fmt.Errorf("node %d: leaf value %v outside [0,1]", i, nd.Value)
			}
			continue
		}
		if nd.Feature < 0 || nd.Feature >= nFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, nd.Feature)
		}
		// Children must point forward so evaluation always terminates.
		if nd.Left <= i || nd.Right <= i || nd.Left >= len(t.Nodes) || nd.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: invalid children %d/%d", i, nd.Left, nd.Right)
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

type standardizer struct {
	means  []float64
	scales []float64
}

func (s standardizer) apply(x []float64) ([]float64, error) {
	if len(x) != len(s.means) {
		return nil, fmt.Errorf("feature vector has %d values, model expects %d", len(x), len(s.means))
	}
	z := make([]float64, len(x))
	for i, v := range x {
		z[i] = (v - s.means[i]) / s.scales[i]
	}
	return z, nil
}

// LogisticModel is a standardized logistic regression.
type LogisticModel struct {
	scaler    standardizer
	coef      []float64
	intercept float64
}

func (m *LogisticModel) Predict(_ context.Context, x []float64) (float64, error) {
	z, err := m.scaler.apply(x)
	if err != nil {
		return 0, err
	}
	logit := m.intercept
	for i, v := range z {
		logit += m.coef[i] * v
	}
	return sigmoid(logit), nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// ForestModel averages the leaf probabilities of its trees.
type ForestModel struct {
	scaler standardizer
	trees  []Tree
}

func (m *ForestModel) Predict(_ context.Context, x []float64) (float64, error) {
	z, err := m.scaler.apply(x)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range m.trees {
		i := 0
		for !t.Nodes[i].Leaf {
			nd := t.Nodes[i]
			if z[nd.Feature] <= nd.Threshold {
				i = nd.Left
			} else {
				i = nd.Right
			}
		}
		sum += t.Nodes[i].Value
	}
	return sum / float64(len(m.trees)), nil
}
