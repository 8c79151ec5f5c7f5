package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// Task types resolved for a run.
const (
	TaskClassification = "classification"
	TaskRegression     = "regression"
)

// classificationUniqueLimit and classificationUniqueRatio bound the
// detection heuristic: a numeric target with fewer than the limit of
// distinct values, covering less than the ratio of all rows, is treated
// as class labels.
const (
	classificationUniqueLimit = 20
	classificationUniqueRatio = 0.5
)

// TaskResolution decides what kind of learning problem the run solves.
//
// Config keys:
//   - "task": explicit task type, skips detection
//   - "target_column": target column name, defaults to the last column
type TaskResolution struct{}

func (s *TaskResolution) Kind() pipeline.StageKind { return pipeline.StageTaskResolution }

func (s *TaskResolution) Run(_ context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	frame, err := getFrame(execCtx, pipeline.KeyFrame)
	if err != nil {
		return err
	}

	target := cfgString(cfg, "target_column", "")
	if target == "" {
		target = frame.Columns[len(frame.Columns)-1].Name
	}
	col, ok := frame.Column(target)
	if !ok {
		return fmt.Errorf("target column %q not in dataset", target)
	}

	detected := detectTask(col, frame.Rows())
	task := cfgString(cfg, "task", "")
	if task == "" {
		task = detected
	}
	switch task {
	case TaskClassification, TaskRegression:
	default:
		return fmt.Errorf("unknown task type %q", task)
	}

	if err := execCtx.Set(pipeline.KeyTargetColumn, target); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyDetectedTask, detected); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyTaskType, task); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("resolved task %s (detected %s) on target %q", task, detected, target))
	return nil
}

// detectTask classifies the target column. Non-numeric targets are always
// classification; numeric targets are classification when their distinct
// values look like labels rather than measurements.
func detectTask(target dataset.Column, rows int) string {
	if !target.Numeric {
		return TaskClassification
	}
	unique := target.UniqueCount()
	if unique < classificationUniqueLimit && float64(unique)/float64(rows) < classificationUniqueRatio {
		return TaskClassification
	}
	return TaskRegression
}
