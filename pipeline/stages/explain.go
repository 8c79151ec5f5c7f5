package stages

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/dshills/mlpipe-go/pipeline"
)

// Explainability computes per-feature importance for the winning model by
// permutation: shuffle one feature column at a time with the "explain"
// sub-seed and measure how much the score drops. Model-agnostic, and
// deterministic because each feature permutes with its own indexed
// sub-seed.
type Explainability struct{}

func (s *Explainability) Kind() pipeline.StageKind { return pipeline.StageExplainability }

func (s *Explainability) Run(ctx context.Context, execCtx *pipeline.Context, _ map[string]any) error {
	testFrame, err := getFrame(execCtx, pipeline.KeyTestFrame)
	if err != nil {
		return err
	}
	target, err := getString(execCtx, pipeline.KeyTargetColumn)
	if err != nil {
		return err
	}
	task, err := getString(execCtx, pipeline.KeyTaskType)
	if err != nil {
		return err
	}
	features, err := featureNames(execCtx)
	if err != nil {
		return err
	}
	best, err := bestModel(execCtx)
	if err != nil {
		return err
	}

	testX, testY, _, err := matrix(testFrame, features, target)
	if err != nil {
		return err
	}
	baseline := score(task, best.Predict(testX), testY)

	importance := make(map[string]float64, len(features))
	for fi, name := range features {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng := execCtx.Seeds().Rand("explain", fi)
		permuted := permuteColumn(testX, fi, rng)
		drop := baseline - score(task, best.Predict(permuted), testY)
		if drop < 0 || math.IsNaN(drop) {
			drop = 0
		}
		importance[name] = drop
	}
	normalize(importance)

	if err := execCtx.Set(pipeline.KeyFeatureImportance, importance); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("computed permutation importance for %d features", len(features)))
	return nil
}

// permuteColumn copies the matrix with one column's values shuffled.
func permuteColumn(x [][]float64, col int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, len(x))
	values := make([]float64, len(x))
	for i, row := range x {
		cloned := make([]float64, len(row))
		copy(cloned, row)
		out[i] = cloned
		values[i] = row[col]
	}
	rng.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })
	for i := range out {
		out[i][col] = values[i]
	}
	return out
}

// normalize scales importances to sum to 1 when any are positive.
func normalize(importance map[string]float64) {
	total := 0.0
	for _, v := range importance {
		total += v
	}
	if total <= 0 {
		return
	}
	for k, v := range importance {
		importance[k] = v / total
	}
}

func bestModel(execCtx *pipeline.Context) (Model, error) {
	v, ok := execCtx.Get(pipeline.KeyBestModel)
	if !ok {
		return nil, fmt.Errorf("context key %q not set", pipeline.KeyBestModel)
	}
	entry, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("context key %q holds %T, want map[string]any", pipeline.KeyBestModel, v)
	}
	model, ok := entry["model"].(Model)
	if !ok {
		return nil, fmt.Errorf("best model entry holds %T, want Model", entry["model"])
	}
	return model, nil
}
