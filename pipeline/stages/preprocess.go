package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// Preprocessing cleans the ingested frame.
//
// Numeric feature columns are imputed (missing encoded as NaN replaced by
// the column mean) and optionally standardized to zero mean and unit
// variance. The target column passes through untouched.
//
// Config keys:
//   - "standardize": z-score numeric features (default true)
type Preprocessing struct{}

func (s *Preprocessing) Kind() pipeline.StageKind { return pipeline.StagePreprocessing }

func (s *Preprocessing) Run(_ context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	frame, err := getFrame(execCtx, pipeline.KeyFrame)
	if err != nil {
		return err
	}
	target, err := getString(execCtx, pipeline.KeyTargetColumn)
	if err != nil {
		return err
	}
	standardize := cfgBool(cfg, "standardize", true)

	out := &dataset.Frame{Columns: make([]dataset.Column, len(frame.Columns))}
	cleaned := 0
	for i, col := range frame.Columns {
		if !col.Numeric || col.Name == target {
			out.Columns[i] = col
			continue
		}
		processed, changed := processNumeric(col, standardize)
		out.Columns[i] = processed
		if changed {
			cleaned++
		}
	}

	if err := execCtx.Set(pipeline.KeyFrame, out); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("preprocessed %d numeric columns (standardize=%v)", cleaned, standardize))
	return nil
}

// processNumeric imputes NaNs with the column mean and optionally
// standardizes. Constant columns are left unscaled to avoid dividing by a
// zero deviation.
func processNumeric(col dataset.Column, standardize bool) (dataset.Column, bool) {
	values := make([]float64, len(col.Floats))
	copy(values, col.Floats)

	sum, count := 0.0, 0
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
			count++
		}
	}
	mean := 0.0
	if count > 0 {
		mean = sum / float64(count)
	}
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = mean
		}
	}

	changed := count != len(values)
	if standardize {
		variance := 0.0
		for _, v := range values {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(values))
		std := math.Sqrt(variance)
		if std > 0 {
			for i := range values {
				values[i] = (values[i] - mean) / std
			}
			changed = true
		}
	}
	return dataset.Column{Name: col.Name, Numeric: true, Floats: values}, changed
}
