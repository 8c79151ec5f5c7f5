package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Snapshot is the frozen, hashable copy of a pipeline plus its hook
// bindings, bound to exactly one run.
//
// A snapshot is created once, at run-creation time, by deep-copying the
// experiment's draft pipeline and hooks; it is never mutated afterwards.
// All fields are unexported and reachable only through accessor methods
// that return copies, so a snapshot cannot be altered even by its owner.
//
// The snapshot ID is a SHA-256 content hash over (stage specs, hook code
// hashes, global config, dataset hash, seed): two snapshots with the same
// ID describe byte-identical executions.
type Snapshot struct {
	id           string
	stages       []StageSpec
	hooks        []HookBinding
	globalConfig map[string]any
	datasetHash  string
	seed         int64
	frozenAt     time.Time
}

// Freeze builds an immutable snapshot from an experiment draft.
//
// Inputs: the experiment (mutable draft pipeline + hooks), the
// content-addressed dataset hash, and an optional seed. When seed is nil a
// fresh random seed is generated and recorded so the run stays exactly
// reproducible.
//
// Freeze fails with a ValidationError if the draft omits a mandatory
// canonical stage or declares stages out of canonical order, and with a
// ConfigurationError if more than one override hook targets the same
// stage. No execution starts here; the only effect is object construction.
func Freeze(exp *Experiment, datasetHash string, seed *int64) (*Snapshot, error) {
	if exp == nil || exp.Pipeline == nil {
		return nil, &ValidationError{Message: "experiment has no pipeline"}
	}
	if datasetHash == "" {
		return nil, &ValidationError{Message: "dataset hash is required"}
	}

	stages, err := copyStages(exp.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	if err := validateCanonical(stages); err != nil {
		return nil, err
	}

	hooks := exp.Hooks()
	if err := validateHooks(stages, hooks); err != nil {
		return nil, err
	}

	cfg, err := deepCopy(exp.Pipeline.GlobalConfig)
	if err != nil {
		return nil, &ValidationError{Message: "global config is not serializable: " + err.Error()}
	}

	masterSeed := int64(0)
	if seed != nil {
		masterSeed = *seed
	} else {
		masterSeed, err = randomSeed()
		if err != nil {
			return nil, fmt.Errorf("generate seed: %w", err)
		}
	}

	snap := &Snapshot{
		stages:       stages,
		hooks:        hooks,
		globalConfig: cfg,
		datasetHash:  datasetHash,
		seed:         masterSeed,
		frozenAt:     time.Now().UTC(),
	}
	snap.id, err = snap.contentHash()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ID returns the snapshot's content hash identifier.
func (s *Snapshot) ID() string { return s.id }

// Hash is an alias for ID; the snapshot id is its content hash.
func (s *Snapshot) Hash() string { return s.id }

// Seed returns the master seed fixed at freeze time.
func (s *Snapshot) Seed() int64 { return s.seed }

// DatasetHash returns the content hash of the dataset the run is locked to.
func (s *Snapshot) DatasetHash() string { return s.datasetHash }

// FrozenAt returns the freeze timestamp.
func (s *Snapshot) FrozenAt() time.Time { return s.frozenAt }

// Stages returns a copy of the stage specs in canonical order.
func (s *Snapshot) Stages() []StageSpec {
	out := make([]StageSpec, len(s.stages))
	copy(out, s.stages)
	for i := range out {
		cfg, err := deepCopy(out[i].Config)
		if err == nil {
			out[i].Config = cfg
		}
	}
	return out
}

// Hooks returns a copy of all hook bindings in the snapshot.
func (s *Snapshot) Hooks() []HookBinding {
	out := make([]HookBinding, len(s.hooks))
	copy(out, s.hooks)
	return out
}

// GlobalConfig returns a copy of the frozen global configuration.
func (s *Snapshot) GlobalConfig() map[string]any {
	cfg, err := deepCopy(s.globalConfig)
	if err != nil {
		return map[string]any{}
	}
	return cfg
}

// HookCodeHashes returns the code hashes of all bound hooks, sorted, for
// the persisted run record. Together with the snapshot hash they answer
// "what code ran" without retaining the code bodies live.
func (s *Snapshot) HookCodeHashes() []string {
	hashes := make([]string, 0, len(s.hooks))
	for _, h := range s.hooks {
		hashes = append(hashes, h.CodeHash)
	}
	sort.Strings(hashes)
	return hashes
}

// StageByID returns the stage spec with the given id, or false.
func (s *Snapshot) StageByID(stageID string) (StageSpec, bool) {
	for _, st := range s.stages {
		if st.ID == stageID {
			return st, true
		}
	}
	return StageSpec{}, false
}

// contentHash computes the deterministic snapshot identifier. Maps are
// marshaled with sorted keys by encoding/json, so the serialization is
// stable for equal content.
func (s *Snapshot) contentHash() (string, error) {
	type hookDigest struct {
		Kind         HookKind `json:"kind"`
		StageID      string   `json:"stage_id"`
		CodeHash     string   `json:"code_hash"`
		Registration int      `json:"registration"`
	}
	digests := make([]hookDigest, 0, len(s.hooks))
	for _, h := range s.hooks {
		digests = append(digests, hookDigest{Kind: h.Kind, StageID: h.StageID, CodeHash: h.CodeHash, Registration: h.Registration})
	}
	sort.Slice(digests, func(i, j int) bool {
		return digests[i].Registration < digests[j].Registration
	})

	payload, err := json.Marshal(struct {
		Stages      []StageSpec    `json:"stages"`
		Hooks       []hookDigest   `json:"hooks"`
		Config      map[string]any `json:"config"`
		DatasetHash string         `json:"dataset_hash"`
		Seed        int64          `json:"seed"`
	}{
		Stages:      s.stages,
		Hooks:       digests,
		Config:      s.globalConfig,
		DatasetHash: s.datasetHash,
		Seed:        s.seed,
	})
	if err != nil {
		return "", &ValidationError{Message: "snapshot content is not serializable: " + err.Error()}
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// copyStages deep-copies stage specs via JSON round-trip so later draft
// edits cannot reach the snapshot through shared config maps.
func copyStages(stages []StageSpec) ([]StageSpec, error) {
	out, err := deepCopy(stages)
	if err != nil {
		return nil, &ValidationError{Message: "stage specs are not serializable: " + err.Error()}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// validateCanonical checks that all ten mandatory stages are present,
// exactly once, in canonical order.
func validateCanonical(stages []StageSpec) error {
	order := CanonicalOrder()
	if len(stages) != len(order) {
		return &ValidationError{Message: fmt.Sprintf("pipeline must declare exactly %d canonical stages, got %d", len(order), len(stages))}
	}
	for i, kind := range order {
		if stages[i].Kind != kind {
			return &ValidationError{Message: fmt.Sprintf("stage at position %d must be %s, got %s", i, kind, stages[i].Kind)}
		}
	}
	return nil
}

// validateHooks rejects hooks targeting unknown stages and duplicate
// override hooks on the same stage (fail fast at freeze time, not at
// resolve time).
func validateHooks(stages []StageSpec, hooks []HookBinding) error {
	known := make(map[string]StageKind, len(stages))
	for _, st := range stages {
		known[st.ID] = st.Kind
	}
	overrides := make(map[string]int)
	for _, h := range hooks {
		kind, ok := known[h.StageID]
		if !ok {
			return &ValidationError{Message: fmt.Sprintf("hook %s targets unknown stage %q", h.ID, h.StageID)}
		}
		if h.CodeHash == "" {
			return &ValidationError{Message: fmt.Sprintf("hook %s has no code hash", h.ID)}
		}
		if h.Kind == HookOverride {
			overrides[h.StageID]++
			if overrides[h.StageID] > 1 {
				return &ConfigurationError{Message: fmt.Sprintf("stage %s has %d override hooks, at most one is allowed", kind, overrides[h.StageID])}
			}
		}
	}
	return nil
}

// deepCopy clones a value via JSON round-trip. Works for any
// JSON-serializable type; pointers are copied by value, so the result
// shares nothing with the input.
func deepCopy[T any](v T) (T, error) {
	var zero T
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return out, nil
}

// randomSeed draws a fresh non-negative seed from the system entropy
// source. The seed is recorded in the snapshot, so a run with a generated
// seed replays exactly like one with an explicit seed.
func randomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
	return v, nil
}
