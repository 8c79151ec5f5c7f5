package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// HookKind identifies where a user hook attaches relative to a stage's
// system logic.
type HookKind string

const (
	// HookBefore runs ahead of the stage body (system logic or override).
	HookBefore HookKind = "before"

	// HookAfter runs following the stage body.
	HookAfter HookKind = "after"

	// HookOverride replaces the stage's system logic entirely. Before and
	// after hooks still wrap an override body.
	HookOverride HookKind = "override"
)

// HookBinding attaches one unit of user code to a pipeline stage.
//
// Bindings are mutable while they live on an experiment draft and become
// immutable once copied into a frozen snapshot. The code hash recorded in
// the snapshot fully determines which code executed, which is what makes
// exact lineage reconstruction possible.
type HookBinding struct {
	// ID uniquely identifies this binding.
	ID string `json:"id"`

	// Kind is one of before, after, override.
	Kind HookKind `json:"kind"`

	// StageID references the StageSpec this hook targets.
	StageID string `json:"stage_id"`

	// Code is the hook body handed to the code runner.
	Code string `json:"code"`

	// CodeHash is the SHA-256 hex digest of Code. Code runners resolve
	// implementations by this hash.
	CodeHash string `json:"code_hash"`

	// Registration is a monotonic counter assigned at attach time. It is
	// the documented tie-break when multiple hooks of the same kind target
	// the same stage: lower registration runs first.
	Registration int `json:"registration"`
}

// HashCode computes the SHA-256 hex digest of a hook body. The same
// function is used for dataset and snapshot hashing so all lineage hashes
// are comparable.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// ResolvedHooks is the ordered set of hooks applicable to one stage.
type ResolvedHooks struct {
	// Override replaces system logic when non-nil. At most one override
	// per stage exists in a valid snapshot; duplicates are rejected at
	// freeze time.
	Override *HookBinding

	// Before hooks, sorted by registration order ascending.
	Before []HookBinding

	// After hooks, sorted by registration order ascending.
	After []HookBinding
}

// ResolveHooks partitions a snapshot's hook bindings targeting stageID by
// kind and sorts before/after hooks by registration order (stable,
// ascending).
//
// Pure function: no side effects, no I/O. Duplicate override bindings are
// a freeze-time configuration error, so resolution assumes at most one.
func ResolveHooks(snap *Snapshot, stageID string) ResolvedHooks {
	var resolved ResolvedHooks
	for _, h := range snap.hooks {
		if h.StageID != stageID {
			continue
		}
		switch h.Kind {
		case HookOverride:
			binding := h
			resolved.Override = &binding
		case HookBefore:
			resolved.Before = append(resolved.Before, h)
		case HookAfter:
			resolved.After = append(resolved.After, h)
		}
	}
	sort.SliceStable(resolved.Before, func(i, j int) bool {
		return resolved.Before[i].Registration < resolved.Before[j].Registration
	})
	sort.SliceStable(resolved.After, func(i, j int) bool {
		return resolved.After[i].Registration < resolved.After[j].Registration
	})
	return resolved
}
