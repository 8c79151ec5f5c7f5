// Package stages provides the built-in system logic for the ten canonical
// pipeline stages: ingestion through output packaging.
//
// Every implementation is deterministic given the run's seed manager. Any
// randomized step (holdout splits, weight initialization, tie-breaking)
// draws from a purpose-scoped sub-seed, never from global randomness.
package stages

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Model is a trained predictor over numeric feature matrices.
//
// For classification, predictions are class indices encoded as floats;
// for regression, raw values. Models marshal to JSON for the model
// artifact, so implementations keep their parameters in exported fields.
type Model interface {
	// Name returns the model family name.
	Name() string

	// Predict returns one prediction per feature row.
	Predict(features [][]float64) []float64
}

// MeanModel predicts the training target mean. Regression baseline.
type MeanModel struct {
	Mean float64 `json:"mean"`
}

func (m *MeanModel) Name() string { return "mean" }

func (m *MeanModel) Predict(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i := range out {
		out[i] = m.Mean
	}
	return out
}

// trainMean fits the regression baseline.
func trainMean(targets []float64) *MeanModel {
	sum := 0.0
	for _, v := range targets {
		sum += v
	}
	if len(targets) > 0 {
		sum /= float64(len(targets))
	}
	return &MeanModel{Mean: sum}
}

// MajorityModel predicts the most frequent training class. Classification
// baseline. Ties break toward the lower class index so training is
// deterministic.
type MajorityModel struct {
	Class float64 `json:"class"`
}

func (m *MajorityModel) Name() string { return "majority" }

func (m *MajorityModel) Predict(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i := range out {
		out[i] = m.Class
	}
	return out
}

func trainMajority(targets []float64) *MajorityModel {
	counts := make(map[float64]int)
	for _, v := range targets {
		counts[v]++
	}
	classes := make([]float64, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Float64s(classes)
	best, bestCount := 0.0, -1
	for _, c := range classes {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return &MajorityModel{Class: best}
}

// LinearModel is a least-squares linear regressor fit by seeded
// mini-batch gradient descent.
type LinearModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	LR      float64   `json:"learning_rate"`
	Epochs  int       `json:"epochs"`
}

func (m *LinearModel) Name() string { return "linear" }

func (m *LinearModel) Predict(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i, row := range features {
		v := m.Bias
		for j, w := range m.Weights {
			if j < len(row) {
				v += w * row[j]
			}
		}
		out[i] = v
	}
	return out
}

// trainLinear fits by gradient descent. rng drives the per-epoch row
// shuffle; identical seeds give identical weights.
func trainLinear(features [][]float64, targets []float64, lr float64, epochs int, rng *rand.Rand) (*LinearModel, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("no training rows")
	}
	dim := len(features[0])
	model := &LinearModel{Weights: make([]float64, dim), LR: lr, Epochs: epochs}

	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			row := features[idx]
			pred := model.Bias
			for j, w := range model.Weights {
				pred += w * row[j]
			}
			grad := pred - targets[idx]
			if math.IsNaN(grad) || math.IsInf(grad, 0) {
				return nil, fmt.Errorf("training diverged at epoch %d", epoch)
			}
			model.Bias -= lr * grad
			for j := range model.Weights {
				model.Weights[j] -= lr * grad * row[j]
			}
		}
	}
	return model, nil
}

// KNNModel predicts from the k nearest training rows by Euclidean
// distance: class majority for classification, neighbor mean for
// regression.
type KNNModel struct {
	K              int         `json:"k"`
	Classification bool        `json:"classification"`
	Features       [][]float64 `json:"features"`
	Targets        []float64   `json:"targets"`
}

func (m *KNNModel) Name() string { return "knn" }

func (m *KNNModel) Predict(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i, row := range features {
		out[i] = m.predictOne(row)
	}
	return out
}

func (m *KNNModel) predictOne(row []float64) float64 {
	type neighbor struct {
		dist   float64
		target float64
		idx    int
	}
	neighbors := make([]neighbor, len(m.Features))
	for i, train := range m.Features {
		neighbors[i] = neighbor{dist: euclidean(row, train), target: m.Targets[i], idx: i}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].dist != neighbors[j].dist {
			return neighbors[i].dist < neighbors[j].dist
		}
		return neighbors[i].idx < neighbors[j].idx
	})

	k := m.K
	if k > len(neighbors) {
		k = len(neighbors)
	}
	if m.Classification {
		counts := make(map[float64]int)
		for _, n := range neighbors[:k] {
			counts[n.target]++
		}
		classes := make([]float64, 0, len(counts))
		for c := range counts {
			classes = append(classes, c)
		}
		sort.Float64s(classes)
		best, bestCount := 0.0, -1
		for _, c := range classes {
			if counts[c] > bestCount {
				best, bestCount = c, counts[c]
			}
		}
		return best
	}
	sum := 0.0
	for _, n := range neighbors[:k] {
		sum += n.target
	}
	return sum / float64(k)
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		if i < len(b) {
			d := a[i] - b[i]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}
