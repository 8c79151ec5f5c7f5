package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
)

// ModelSelection picks the candidate model families for the resolved
// task.
//
// Config keys:
//   - "candidates": explicit candidate list, replaces the defaults
type ModelSelection struct{}

func (s *ModelSelection) Kind() pipeline.StageKind { return pipeline.StageModelSelection }

func (s *ModelSelection) Run(_ context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	task, err := getString(execCtx, pipeline.KeyTaskType)
	if err != nil {
		return err
	}

	candidates := cfgStrings(cfg, "candidates")
	if len(candidates) == 0 {
		switch task {
		case TaskClassification:
			candidates = []string{"majority", "knn"}
		case TaskRegression:
			candidates = []string{"mean", "knn", "linear"}
		default:
			return fmt.Errorf("unknown task type %q", task)
		}
	}
	for _, name := range candidates {
		if !knownCandidate(name, task) {
			return fmt.Errorf("candidate %q is not available for task %s", name, task)
		}
	}

	if err := execCtx.Set(pipeline.KeyCandidates, candidates); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("selected %d candidate models for %s: %v", len(candidates), task, candidates))
	return nil
}

func knownCandidate(name, task string) bool {
	switch name {
	case "knn":
		return true
	case "majority":
		return task == TaskClassification
	case "mean", "linear":
		return task == TaskRegression
	}
	return false
}
