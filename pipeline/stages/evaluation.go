package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/dshills/mlpipe-go/pipeline"
)

// Evaluation scores every trained model on the held-out partition and
// elects the winner.
//
// Classification models are scored by accuracy; regression models by
// RMSE, with MAE and R2 reported alongside. On score ties the
// lexicographically first model name wins, keeping the election
// deterministic.
type Evaluation struct{}

func (s *Evaluation) Kind() pipeline.StageKind { return pipeline.StageEvaluation }

func (s *Evaluation) Run(_ context.Context, execCtx *pipeline.Context, _ map[string]any) error {
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
	trained, err := trainedModels(execCtx)
	if err != nil {
		return err
	}

	testX, testY, _, err := matrix(testFrame, features, target)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(trained))
	for name := range trained {
		names = append(names, name)
	}
	sort.Strings(names)

	perModel := make(map[string]map[string]float64, len(names))
	bestName := ""
	bestScore := 0.0
	for _, name := range names {
		pred := trained[name].Predict(testX)
		m := map[string]float64{}
		if task == TaskClassification {
			m["accuracy"] = accuracy(pred, testY)
		} else {
			m["rmse"] = rmse(pred, testY)
			m["mae"] = mae(pred, testY)
			m["r2"] = r2(pred, testY)
		}
		perModel[name] = m

		sc := score(task, pred, testY)
		if bestName == "" || sc > bestScore {
			bestName, bestScore = name, sc
		}
	}
	if bestName == "" {
		return fmt.Errorf("no trained models to evaluate")
	}

	metrics := map[string]any{
		"task":       task,
		"test_rows":  len(testY),
		"models":     perModel,
		"best_model": bestName,
	}
	best := map[string]any{
		"name":  bestName,
		"model": trained[bestName],
	}
	if err := execCtx.Set(pipeline.KeyMetrics, metrics); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyBestModel, best); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("evaluated %d models, best is %s", len(names), bestName))
	return nil
}

func trainedModels(execCtx *pipeline.Context) (map[string]Model, error) {
	v, ok := execCtx.Get(pipeline.KeyTrainedModels)
	if !ok {
		return nil, fmt.Errorf("context key %q not set", pipeline.KeyTrainedModels)
	}
	trained, ok := v.(map[string]Model)
	if !ok {
		return nil, fmt.Errorf("context key %q holds %T, want map[string]Model", pipeline.KeyTrainedModels, v)
	}
	return trained, nil
}
