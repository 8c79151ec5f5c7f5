package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StageKind identifies one of the ten canonical pipeline stages.
type StageKind string

const (
	StageDataIngestion        StageKind = "data_ingestion"
	StageTaskResolution       StageKind = "task_resolution"
	StagePreprocessing        StageKind = "preprocessing"
	StageFeatureEngineering   StageKind = "feature_engineering"
	StageModelSelection       StageKind = "model_selection"
	StageHyperparameterTuning StageKind = "hyperparameter_tuning"
	StageTraining             StageKind = "training"
	StageEvaluation           StageKind = "evaluation"
	StageExplainability       StageKind = "explainability"
	StageOutputPackaging      StageKind = "output_packaging"
)

// CanonicalOrder returns the fixed execution order of the ten canonical
// stages. This order is enforced at freeze time, never inferred, and never
// reordered by configuration.
func CanonicalOrder() []StageKind {
	return []StageKind{
		StageDataIngestion,
		StageTaskResolution,
		StagePreprocessing,
		StageFeatureEngineering,
		StageModelSelection,
		StageHyperparameterTuning,
		StageTraining,
		StageEvaluation,
		StageExplainability,
		StageOutputPackaging,
	}
}

// StageSpec describes one stage of a pipeline: its canonical kind, its
// position in the sequence, stage-level configuration passed to the system
// logic implementation, and whether the stage is enabled. Disabled stages
// are skipped and recorded as skipped rather than executed.
type StageSpec struct {
	ID       string         `json:"id"`
	Kind     StageKind      `json:"kind"`
	Position int            `json:"position"`
	Config   map[string]any `json:"config,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// Pipeline is the editable, draft definition of an ordered workflow. It is
// mutable until frozen into a Snapshot; a frozen snapshot is a deep copy,
// so later draft edits never affect runs already created from it.
type Pipeline struct {
	ID           string         `json:"id"`
	Stages       []StageSpec    `json:"stages"`
	GlobalConfig map[string]any `json:"global_config,omitempty"`
}

// NewPipeline creates a draft pipeline pre-populated with the ten
// canonical stages in canonical order, all enabled with empty config.
func NewPipeline() *Pipeline {
	order := CanonicalOrder()
	stages := make([]StageSpec, len(order))
	for i, kind := range order {
		stages[i] = StageSpec{
			ID:       uuid.NewString(),
			Kind:     kind,
			Position: i,
			Config:   map[string]any{},
			Enabled:  true,
		}
	}
	return &Pipeline{
		ID:           uuid.NewString(),
		Stages:       stages,
		GlobalConfig: map[string]any{},
	}
}

// StageByKind returns the draft stage spec of the given kind, or nil.
func (p *Pipeline) StageByKind(kind StageKind) *StageSpec {
	for i := range p.Stages {
		if p.Stages[i].Kind == kind {
			return &p.Stages[i]
		}
	}
	return nil
}

// Experiment pairs a draft pipeline with a dataset reference and the hook
// bindings a user has attached. Experiments are the mutable, pre-run side
// of the system; runs are created by freezing an experiment's pipeline and
// hooks into an immutable snapshot.
type Experiment struct {
	mu sync.Mutex

	// ID uniquely identifies the experiment.
	ID string

	// Name is a human-readable label.
	Name string

	// DatasetHandle is the content-addressed handle of the dataset this
	// experiment runs against.
	DatasetHandle string

	// Pipeline is the editable workflow definition.
	Pipeline *Pipeline

	hooks   []HookBinding
	nextReg int
}

// NewExperiment creates an experiment with a fresh canonical pipeline.
func NewExperiment(name, datasetHandle string) *Experiment {
	return &Experiment{
		ID:            uuid.NewString(),
		Name:          name,
		DatasetHandle: datasetHandle,
		Pipeline:      NewPipeline(),
	}
}

// AttachHook binds user code of the given kind to a stage of the draft
// pipeline. The returned binding carries the code hash and the monotonic
// registration counter used as the same-kind ordering tie-break.
//
// Returns a ValidationError if the stage does not exist or the code body
// is empty. Duplicate override hooks are accepted on the draft and
// rejected later at freeze time, matching the fail-fast contract of the
// snapshot builder.
func (e *Experiment) AttachHook(stageID string, kind HookKind, code string) (HookBinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if code == "" {
		return HookBinding{}, &ValidationError{Message: "hook code body cannot be empty"}
	}
	found := false
	for _, s := range e.Pipeline.Stages {
		if s.ID == stageID {
			found = true
			break
		}
	}
	if !found {
		return HookBinding{}, &ValidationError{Message: fmt.Sprintf("hook targets unknown stage %q", stageID)}
	}
	switch kind {
	case HookBefore, HookAfter, HookOverride:
	default:
		return HookBinding{}, &ValidationError{Message: fmt.Sprintf("unknown hook kind %q", kind)}
	}

	binding := HookBinding{
		ID:           uuid.NewString(),
		Kind:         kind,
		StageID:      stageID,
		Code:         code,
		CodeHash:     HashCode(code),
		Registration: e.nextReg,
	}
	e.nextReg++
	e.hooks = append(e.hooks, binding)
	return binding, nil
}

// DetachHook removes a hook binding from the draft. Snapshots already
// frozen from this experiment are unaffected.
func (e *Experiment) DetachHook(hookID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.hooks {
		if h.ID == hookID {
			e.hooks = append(e.hooks[:i], e.hooks[i+1:]...)
			return nil
		}
	}
	return &ValidationError{Message: fmt.Sprintf("hook %q not found", hookID)}
}

// Hooks returns a copy of the current hook bindings.
func (e *Experiment) Hooks() []HookBinding {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]HookBinding, len(e.hooks))
	copy(out, e.hooks)
	return out
}
