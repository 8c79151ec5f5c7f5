package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
)

// OutputPackaging assembles the run's final summary from everything the
// earlier stages produced. The summary is what a caller reads first when
// inspecting a completed run; the full metrics, model, and importance
// values become separate artifacts.
type OutputPackaging struct{}

func (s *OutputPackaging) Kind() pipeline.StageKind { return pipeline.StageOutputPackaging }

func (s *OutputPackaging) Run(_ context.Context, execCtx *pipeline.Context, _ map[string]any) error {
	summary := map[string]any{
		"run_id": execCtx.RunID(),
	}
	copyKey(execCtx, summary, pipeline.KeyTaskType, "task")
	copyKey(execCtx, summary, pipeline.KeyTargetColumn, "target_column")
	copyKey(execCtx, summary, pipeline.KeyFeatureNames, "features")
	copyKey(execCtx, summary, pipeline.KeyCandidates, "candidates")
	copyKey(execCtx, summary, pipeline.KeyMetrics, "metrics")
	copyKey(execCtx, summary, pipeline.KeyFeatureImportance, "feature_importance")

	if best, ok := execCtx.Get(pipeline.KeyBestModel); ok {
		if entry, ok := best.(map[string]any); ok {
			summary["best_model"] = entry["name"]
		}
	}

	if err := execCtx.Set(pipeline.KeySummary, summary); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("packaged run summary with %d fields", len(summary)))
	return nil
}

func copyKey(execCtx *pipeline.Context, summary map[string]any, key, name string) {
	if v, ok := execCtx.Get(key); ok {
		summary[name] = v
	}
}
