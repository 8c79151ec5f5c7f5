package stages

import (
	"fmt"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// getFrame fetches a frame value from the context.
func getFrame(execCtx *pipeline.Context, key string) (*dataset.Frame, error) {
	v, ok := execCtx.Get(key)
	if !ok {
		return nil, fmt.Errorf("context key %q not set", key)
	}
	frame, ok := v.(*dataset.Frame)
	if !ok {
		return nil, fmt.Errorf("context key %q holds %T, want *dataset.Frame", key, v)
	}
	return frame, nil
}

// getString fetches a string value from the context.
func getString(execCtx *pipeline.Context, key string) (string, error) {
	v, ok := execCtx.Get(key)
	if !ok {
		return "", fmt.Errorf("context key %q not set", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("context key %q holds %T, want string", key, v)
	}
	return s, nil
}

// Config readers. Stage config comes from a JSON round-trip, so numbers
// arrive as float64 regardless of how they were written.

func cfgString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgBool(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func cfgFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func cfgInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func cfgStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
