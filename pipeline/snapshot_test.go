package pipeline

import (
	"errors"
	"testing"
)

const testDatasetHash = "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

func testSeed(v int64) *int64 { return &v }

func TestFreeze_Validation(t *testing.T) {
	t.Run("valid canonical pipeline freezes", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		snap, err := Freeze(exp, testDatasetHash, testSeed(42))
		if err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}
		if snap.ID() == "" {
			t.Error("snapshot has empty id")
		}
		if snap.Seed() != 42 {
			t.Errorf("seed = %d, want 42", snap.Seed())
		}
		if len(snap.Stages()) != 10 {
			t.Errorf("stages = %d, want 10", len(snap.Stages()))
		}
	})

	t.Run("missing stage is a validation error", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		exp.Pipeline.Stages = exp.Pipeline.Stages[1:]

		_, err := Freeze(exp, testDatasetHash, testSeed(1))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("out of order stages are a validation error", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		// Swap positions of the first two stages.
		exp.Pipeline.Stages[0].Position, exp.Pipeline.Stages[1].Position = 1, 0

		_, err := Freeze(exp, testDatasetHash, testSeed(1))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("duplicate override is a configuration error", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		stageID := exp.Pipeline.Stages[2].ID
		if _, err := exp.AttachHook(stageID, HookOverride, "body-one"); err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}
		if _, err := exp.AttachHook(stageID, HookOverride, "body-two"); err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}

		_, err := Freeze(exp, testDatasetHash, testSeed(1))
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Fatalf("err = %v, want ConfigurationError", err)
		}
	})

	t.Run("missing dataset hash is rejected", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		if _, err := Freeze(exp, "", testSeed(1)); err == nil {
			t.Fatal("Freeze accepted empty dataset hash")
		}
	})

	t.Run("nil seed generates and records one", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		snap, err := Freeze(exp, testDatasetHash, nil)
		if err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}
		if snap.Seed() < 0 {
			t.Errorf("generated seed %d is negative", snap.Seed())
		}
	})
}

func TestFreeze_Immutability(t *testing.T) {
	t.Run("draft edits after freeze do not reach the snapshot", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		exp.Pipeline.Stages[0].Config["source"] = "original"

		snap, err := Freeze(exp, testDatasetHash, testSeed(7))
		if err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}

		exp.Pipeline.Stages[0].Config["source"] = "mutated"
		exp.Pipeline.Stages[0].Enabled = false
		if _, err := exp.AttachHook(exp.Pipeline.Stages[0].ID, HookBefore, "late hook"); err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}

		stages := snap.Stages()
		if got := stages[0].Config["source"]; got != "original" {
			t.Errorf("snapshot config leaked draft edit: %v", got)
		}
		if !stages[0].Enabled {
			t.Error("snapshot stage disabled by draft edit")
		}
		if len(snap.Hooks()) != 0 {
			t.Errorf("snapshot gained %d hooks after freeze", len(snap.Hooks()))
		}
	})

	t.Run("accessor copies cannot mutate the snapshot", func(t *testing.T) {
		exp := NewExperiment("exp", "iris")
		snap, err := Freeze(exp, testDatasetHash, testSeed(7))
		if err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}
		snap.Stages()[0].Enabled = false
		snap.GlobalConfig()["injected"] = true

		if !snap.Stages()[0].Enabled {
			t.Error("stage accessor returned shared state")
		}
		if _, ok := snap.GlobalConfig()["injected"]; ok {
			t.Error("config accessor returned shared state")
		}
	})
}

func TestSnapshot_ContentHash(t *testing.T) {
	build := func(seed int64, hookCode string) *Snapshot {
		t.Helper()
		exp := NewExperiment("exp", "iris")
		// Fixed ids so two builds produce identical content.
		for i := range exp.Pipeline.Stages {
			exp.Pipeline.Stages[i].ID = string(exp.Pipeline.Stages[i].Kind)
		}
		if hookCode != "" {
			if _, err := exp.AttachHook(exp.Pipeline.Stages[0].ID, HookBefore, hookCode); err != nil {
				t.Fatalf("AttachHook failed: %v", err)
			}
		}
		snap, err := Freeze(exp, testDatasetHash, testSeed(seed))
		if err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}
		return snap
	}

	t.Run("identical content hashes identically", func(t *testing.T) {
		a := build(42, "hook body")
		b := build(42, "hook body")
		if a.ID() != b.ID() {
			t.Errorf("hashes differ for identical content:\n%s\n%s", a.ID(), b.ID())
		}
	})

	t.Run("seed changes the hash", func(t *testing.T) {
		if build(42, "").ID() == build(43, "").ID() {
			t.Error("different seeds produced the same hash")
		}
	})

	t.Run("hook code changes the hash", func(t *testing.T) {
		if build(42, "body a").ID() == build(42, "body b").ID() {
			t.Error("different hook code produced the same hash")
		}
	})
}

func TestExperiment_AttachHook(t *testing.T) {
	exp := NewExperiment("exp", "iris")
	stageID := exp.Pipeline.Stages[0].ID

	t.Run("empty code rejected", func(t *testing.T) {
		if _, err := exp.AttachHook(stageID, HookBefore, ""); err == nil {
			t.Fatal("AttachHook accepted empty code")
		}
	})

	t.Run("unknown stage rejected", func(t *testing.T) {
		if _, err := exp.AttachHook("nope", HookBefore, "code"); err == nil {
			t.Fatal("AttachHook accepted unknown stage")
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		if _, err := exp.AttachHook(stageID, HookKind("around"), "code"); err == nil {
			t.Fatal("AttachHook accepted unknown kind")
		}
	})

	t.Run("registration counter is monotonic", func(t *testing.T) {
		first, err := exp.AttachHook(stageID, HookBefore, "one")
		if err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}
		second, err := exp.AttachHook(stageID, HookAfter, "two")
		if err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}
		if second.Registration <= first.Registration {
			t.Errorf("registrations not monotonic: %d then %d", first.Registration, second.Registration)
		}
		if first.CodeHash != HashCode("one") {
			t.Error("code hash mismatch")
		}
	})

	t.Run("detach removes the binding", func(t *testing.T) {
		binding, err := exp.AttachHook(stageID, HookBefore, "temp")
		if err != nil {
			t.Fatalf("AttachHook failed: %v", err)
		}
		if err := exp.DetachHook(binding.ID); err != nil {
			t.Fatalf("DetachHook failed: %v", err)
		}
		for _, h := range exp.Hooks() {
			if h.ID == binding.ID {
				t.Fatal("binding still present after detach")
			}
		}
		if err := exp.DetachHook(binding.ID); err == nil {
			t.Fatal("second detach succeeded")
		}
	})
}
