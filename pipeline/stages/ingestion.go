package stages

import (
	"context"
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// DataIngestion resolves the run's dataset handle into a validated frame.
//
// The frame's content hash must match the hash frozen into the snapshot;
// a mismatch means the data changed between freeze and execution and the
// stage fails rather than run against different data than recorded.
type DataIngestion struct {
	Provider dataset.Provider
}

func (s *DataIngestion) Kind() pipeline.StageKind { return pipeline.StageDataIngestion }

func (s *DataIngestion) Run(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	handle, err := getString(execCtx, pipeline.KeyDatasetHandle)
	if err != nil {
		return err
	}
	frozenHash, err := getString(execCtx, pipeline.KeyDatasetHash)
	if err != nil {
		return err
	}
	frame, err := s.Provider.Resolve(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to resolve dataset %q: %w", handle, err)
	}
	if got := frame.ContentHash(); got != frozenHash {
		return &pipeline.ValidationError{Message: fmt.Sprintf(
			"dataset %q changed since freeze: content hash %s, snapshot recorded %s", handle, got, frozenHash)}
	}
	if err := execCtx.Set(pipeline.KeyFrame, frame); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("ingested dataset %q: %d rows, %d columns", handle, frame.Rows(), len(frame.Columns)))
	return nil
}
