package pipeline

import "testing"

func TestResolveHooks(t *testing.T) {
	exp := NewExperiment("exp", "iris")
	stageA := exp.Pipeline.Stages[0].ID
	stageB := exp.Pipeline.Stages[1].ID

	// Interleave kinds and stages so ordering comes from registration,
	// not attach grouping.
	mustAttach := func(stageID string, kind HookKind, code string) HookBinding {
		t.Helper()
		b, err := exp.AttachHook(stageID, kind, code)
		if err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}
		return b
	}
	before2 := mustAttach(stageA, HookBefore, "before two")
	mustAttach(stageB, HookBefore, "other stage")
	after1 := mustAttach(stageA, HookAfter, "after one")
	before1 := mustAttach(stageA, HookBefore, "before one")
	override := mustAttach(stageA, HookOverride, "override body")
	after2 := mustAttach(stageA, HookAfter, "after two")

	snap, err := Freeze(exp, testDatasetHash, testSeed(1))
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	resolved := ResolveHooks(snap, stageA)

	t.Run("override resolved", func(t *testing.T) {
		if resolved.Override == nil {
			t.Fatal("override not resolved")
		}
		if resolved.Override.CodeHash != override.CodeHash {
			t.Error("wrong override binding")
		}
	})

	t.Run("before hooks ordered by registration", func(t *testing.T) {
		if len(resolved.Before) != 2 {
			t.Fatalf("before hooks = %d, want 2", len(resolved.Before))
		}
		if resolved.Before[0].ID != before2.ID || resolved.Before[1].ID != before1.ID {
			t.Errorf("before order = [%d %d], want [%d %d]",
				resolved.Before[0].Registration, resolved.Before[1].Registration,
				before2.Registration, before1.Registration)
		}
	})

	t.Run("after hooks ordered by registration", func(t *testing.T) {
		if len(resolved.After) != 2 {
			t.Fatalf("after hooks = %d, want 2", len(resolved.After))
		}
		if resolved.After[0].ID != after1.ID || resolved.After[1].ID != after2.ID {
			t.Error("after hooks out of registration order")
		}
	})

	t.Run("other stages see only their hooks", func(t *testing.T) {
		other := ResolveHooks(snap, stageB)
		if other.Override != nil || len(other.Before) != 1 || len(other.After) != 0 {
			t.Errorf("stage B resolution wrong: override=%v before=%d after=%d",
				other.Override, len(other.Before), len(other.After))
		}
	})

	t.Run("stage with no hooks resolves empty", func(t *testing.T) {
		empty := ResolveHooks(snap, exp.Pipeline.Stages[5].ID)
		if empty.Override != nil || len(empty.Before) != 0 || len(empty.After) != 0 {
			t.Error("expected empty resolution")
		}
	})
}
