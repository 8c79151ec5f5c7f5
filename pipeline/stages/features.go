package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// oneHotCardinalityLimit bounds categorical expansion; columns with more
// distinct values than this are dropped from the feature set instead of
// exploding into thousands of indicators.
const oneHotCardinalityLimit = 32

// FeatureEngineering derives the model-ready feature matrix.
//
// Numeric columns pass through; categorical columns below the cardinality
// limit are one-hot encoded with deterministically ordered category
// columns. The target column is never a feature.
//
// Config keys:
//   - "include": explicit feature column allowlist
type FeatureEngineering struct{}

func (s *FeatureEngineering) Kind() pipeline.StageKind { return pipeline.StageFeatureEngineering }

func (s *FeatureEngineering) Run(_ context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	frame, err := getFrame(execCtx, pipeline.KeyFrame)
	if err != nil {
		return err
	}
	target, err := getString(execCtx, pipeline.KeyTargetColumn)
	if err != nil {
		return err
	}

	include := cfgStrings(cfg, "include")
	allowed := map[string]bool{}
	for _, name := range include {
		allowed[name] = true
	}

	targetCol, ok := frame.Column(target)
	if !ok {
		return fmt.Errorf("target column %q not in frame", target)
	}

	out := &dataset.Frame{}
	var features []string
	dropped := 0
	for _, col := range frame.Columns {
		if col.Name == target {
			continue
		}
		if len(include) > 0 && !allowed[col.Name] {
			continue
		}
		if col.Numeric {
			out.Columns = append(out.Columns, col)
			features = append(features, col.Name)
			continue
		}
		encoded, ok := oneHot(col)
		if !ok {
			dropped++
			continue
		}
		for _, enc := range encoded {
			out.Columns = append(out.Columns, enc)
			features = append(features, enc.Name)
		}
	}
	if len(features) == 0 {
		return fmt.Errorf("no usable feature columns")
	}
	out.Columns = append(out.Columns, targetCol)

	if err := execCtx.Set(pipeline.KeyFrame, out); err != nil {
		return err
	}
	if err := execCtx.Set(pipeline.KeyFeatureNames, features); err != nil {
		return err
	}
	execCtx.Log(fmt.Sprintf("engineered %d features (%d high-cardinality columns dropped)", len(features), dropped))
	return nil
}

// oneHot expands a categorical column into indicator columns, one per
// category in sorted order. Returns false above the cardinality limit.
func oneHot(col dataset.Column) ([]dataset.Column, bool) {
	seen := make(map[string]struct{})
	for _, v := range col.Strings {
		seen[v] = struct{}{}
	}
	if len(seen) > oneHotCardinalityLimit {
		return nil, false
	}
	categories := make([]string, 0, len(seen))
	for v := range seen {
		categories = append(categories, v)
	}
	sort.Strings(categories)

	out := make([]dataset.Column, len(categories))
	for i, category := range categories {
		indicator := make([]float64, len(col.Strings))
		for j, v := range col.Strings {
			if v == category {
				indicator[j] = 1
			}
		}
		out[i] = dataset.Column{
			Name:    col.Name + "=" + category,
			Numeric: true,
			Floats:  indicator,
		}
	}
	return out, true
}
