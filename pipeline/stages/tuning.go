package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
)

// tuningHoldoutRatio is the validation fraction used inside the tuning
// stage's internal holdout; the real evaluation split happens later, in
// the training stage.
const tuningHoldoutRatio = 0.25

// HyperparameterTuning grid-searches each candidate's parameter space.
//
// Candidates tune concurrently on a bounded worker pool. Each candidate
// draws its own "tuning"-purpose sub-seed, indexed by its position in the
// candidate list, so results are identical regardless of worker count or
// completion order.
//
// Config keys:
//   - "workers": worker pool size for this stage
type HyperparameterTuning struct {
	Workers int
	Metrics pipeline.Metrics
}

func (s *HyperparameterTuning) Kind() pipeline.StageKind { return pipeline.StageHyperparameterTuning }

func (s *HyperparameterTuning) Run(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	frame, err := getFrame(execCtx, pipeline.KeyFrame)
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
	candidates, err := candidateNames(execCtx)
	if err != nil {
		return err
	}

	x, y, _, err := matrix(frame, features, target)
	if err != nil {
		return err
	}

	// One result slot per candidate; workers never share slots.
	results := make([]map[string]any, len(candidates))
	workers := cfgInt(cfg, "workers", s.Workers)
	err = pipeline.ForEach(ctx, workers, len(candidates), s.Metrics, func(ctx context.Context, i int) error {
		name := candidates[i]
		rng := execCtx.Seeds().Rand("tuning", i)
		train, test := splitIndices(len(x), tuningHoldoutRatio, rng)
		trainX, trainY := selectMatrix(x, y, train)
		testX, testY := selectMatrix(x, y, test)

		best, err := tuneOne(ctx, name, task, trainX, trainY, testX, testY, i, execCtx.Seeds())
		if err != nil {
			return fmt.Errorf("tuning %s: %w", name, err)
		}
		results[i] = best
		return nil
	})
	if err != nil {
		return err
	}

	tuned := make(map[string]map[string]any, len(candidates))
	for i, name := range candidates {
		tuned[name] = results[i]
	}
	if err := execCtx.Set(pipeline.KeyTunedParams, tuned); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("tuned %d candidates", len(candidates)))
	return nil
}

// tuneOne searches a candidate's grid and returns the winning params.
// Grid order is fixed, and on score ties the earlier grid entry wins, so
// the result is fully determined by the sub-seed.
func tuneOne(ctx context.Context, name, task string, trainX [][]float64, trainY []float64, testX [][]float64, testY []float64, index int, seeds *pipeline.SeedManager) (map[string]any, error) {
	grid := paramGrid(name)
	bestScore := 0.0
	var best map[string]any
	for gi, params := range grid {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Refit with a fresh deterministic rng per grid entry.
		rng := seeds.Rand("tuning", index*1000+gi)
		model, err := trainCandidate(name, task, trainX, trainY, params, rng)
		if err != nil {
			return nil, err
		}
		sc := score(task, model.Predict(testX), testY)
		if best == nil || sc > bestScore {
			bestScore = sc
			best = params
		}
	}
	return best, nil
}

// paramGrid returns the fixed search grid per model family. Baselines
// have a single empty entry.
func paramGrid(name string) []map[string]any {
	switch name {
	case "knn":
		return []map[string]any{
			{"k": 1}, {"k": 3}, {"k": 5}, {"k": 7},
		}
	case "linear":
		return []map[string]any{
			{"learning_rate": 0.001, "epochs": 50},
			{"learning_rate": 0.001, "epochs": 100},
			{"learning_rate": 0.01, "epochs": 50},
			{"learning_rate": 0.01, "epochs": 100},
		}
	}
	return []map[string]any{{}}
}

func featureNames(execCtx *pipeline.Context) ([]string, error) {
	v, ok := execCtx.Get(pipeline.KeyFeatureNames)
	if !ok {
		return nil, fmt.Errorf("context key %q not set", pipeline.KeyFeatureNames)
	}
	names, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("context key %q holds %T, want []string", pipeline.KeyFeatureNames, v)
	}
	return names, nil
}

func candidateNames(execCtx *pipeline.Context) ([]string, error) {
	v, ok := execCtx.Get(pipeline.KeyCandidates)
	if !ok {
		return nil, fmt.Errorf("context key %q not set", pipeline.KeyCandidates)
	}
	names, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("context key %q holds %T, want []string", pipeline.KeyCandidates, v)
	}
	return names, nil
}
