package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
)

// evaluationHoldoutRatio is the fraction of rows held out from training
// for the final evaluation.
const evaluationHoldoutRatio = 0.2

// Training splits the data with the run's "split" sub-seed and fits every
// candidate on the training partition, in parallel.
//
// Like tuning, each candidate draws a "training"-purpose sub-seed indexed
// by its candidate position and writes only its own result slot, so the
// trained models are byte-identical across worker counts.
//
// Config keys:
//   - "test_ratio": holdout fraction (default 0.2)
//   - "workers": worker pool size for this stage
type Training struct {
	Workers int
	Metrics pipeline.Metrics
}

func (s *Training) Kind() pipeline.StageKind { return pipeline.StageTraining }

func (s *Training) Run(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
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
	tuned := tunedParams(execCtx)

	x, y, _, err := matrix(frame, features, target)
	if err != nil {
		return err
	}

	testRatio := cfgFloat(cfg, "test_ratio", evaluationHoldoutRatio)
	splitRng := execCtx.Seeds().Rand("split", 0)
	trainIdx, testIdx := splitIndices(len(x), testRatio, splitRng)

	trainFrame := frame.SelectRows(trainIdx)
	testFrame := frame.SelectRows(testIdx)
	trainX, trainY := selectMatrix(x, y, trainIdx)

	models := make([]Model, len(candidates))
	workers := cfgInt(cfg, "workers", s.Workers)
	err = pipeline.ForEach(ctx, workers, len(candidates), s.Metrics, func(ctx context.Context, i int) error {
		name := candidates[i]
		rng := execCtx.Seeds().Rand("training", i)
		model, err := trainCandidate(name, task, trainX, trainY, tuned[name], rng)
		if err != nil {
			return fmt.Errorf("training %s: %w", name, err)
		}
		models[i] = model
		return nil
	})
	if err != nil {
		return err
	}

	trained := make(map[string]Model, len(candidates))
	for i, name := range candidates {
		trained[name] = models[i]
	}
	if err := execCtx.Set(pipeline.KeyTrainFrame, trainFrame); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyTestFrame, testFrame); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyTrainedModels, trained); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("trained %d models on %d rows (%d held out)", len(trained), len(trainIdx), len(testIdx)))
	return nil
}

// tunedParams reads the tuning stage's output, tolerating its absence so
// training still works when tuning was disabled.
func tunedParams(execCtx *pipeline.Context) map[string]map[string]any {
	v, ok := execCtx.Get(pipeline.KeyTunedParams)
	if !ok {
		return map[string]map[string]any{}
	}
	params, ok := v.(map[string]map[string]any)
	if !ok {
		return map[string]map[string]any{}
	}
	return params
}
