package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/artifact"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
	"github.com/dshills/mlpipe-go/pipeline/emit"
	"github.com/dshills/mlpipe-go/pipeline/store"
)

// fakeLogic is a minimal stage body for orchestration tests.
type fakeLogic struct {
	kind pipeline.StageKind
	fn   func(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) error
}

func (f *fakeLogic) Kind() pipeline.StageKind { return f.kind }

func (f *fakeLogic) Run(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) error {
	if f.fn == nil {
		execCtx.Log("ran " + string(f.kind))
		return nil
	}
	return f.fn(ctx, execCtx, cfg)
}

// harness bundles one orchestrator with all its in-memory backends.
type harness struct {
	orch      *pipeline.Orchestrator
	runner    *pipeline.FuncRunner
	runStore  *store.MemStore
	artifacts *artifact.MemStore
	buffer    *emit.BufferedEmitter
	exp       *pipeline.Experiment
}

func newHarness(t *testing.T, logic pipeline.LogicRegistry) *harness {
	t.Helper()

	provider := dataset.NewMemProvider()
	provider.Register("toy", &dataset.Frame{Columns: []dataset.Column{
		{Name: "x", Numeric: true, Floats: []float64{1, 2, 3, 4}},
		{Name: "label", Strings: []string{"a", "b", "a", "b"}},
	}})

	runner := pipeline.NewFuncRunner()
	runStore := store.NewMemStore()
	artifacts := artifact.NewMemStore()
	buffer := emit.NewBufferedEmitter()

	orch, err := pipeline.New(runStore, artifacts, provider, runner, logic, buffer, nil, pipeline.Options{
		HookTimeout:  2 * time.Second,
		StageTimeout: 5 * time.Second,
		GraceTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &harness{
		orch:      orch,
		runner:    runner,
		runStore:  runStore,
		artifacts: artifacts,
		buffer:    buffer,
		exp:       pipeline.NewExperiment("test", "toy"),
	}
}

func (h *harness) stage(t *testing.T, kind pipeline.StageKind) *pipeline.StageSpec {
	t.Helper()
	spec := h.exp.Pipeline.StageByKind(kind)
	if spec == nil {
		t.Fatalf("no stage of kind %s", kind)
	}
	return spec
}

// hook registers an implementation and attaches it in one step.
func (h *harness) hook(t *testing.T, kind pipeline.StageKind, hk pipeline.HookKind, code string, fn pipeline.HookFunc) {
	t.Helper()
	h.runner.Register(code, fn)
	if _, err := h.exp.AttachHook(h.stage(t, kind).ID, hk, code); err != nil {
		t.Fatalf("AttachHook failed: %v", err)
	}
}

func (h *harness) execute(t *testing.T, seed int64) store.RunRecord {
	t.Helper()
	view, err := h.orch.CreateRun(context.Background(), h.exp, &seed)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := h.orch.Start(context.Background(), view.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	record, err := h.orch.GetRun(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return record
}

func logMessages(t *testing.T, h *harness, runID string) []string {
	t.Helper()
	lines, err := h.orch.Logs(context.Background(), runID)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Msg
	}
	return out
}

func TestOrchestrator_HookPrecedence(t *testing.T) {
	logic := pipeline.LogicRegistry{}
	for _, kind := range pipeline.CanonicalOrder() {
		logic.Register(&fakeLogic{kind: kind})
	}

	h := newHarness(t, logic)

	h.hook(t, pipeline.StagePreprocessing, pipeline.HookBefore, "before-1", func(_ context.Context, v *pipeline.View) error {
		v.Log("hook before-1")
		return nil
	})
	h.hook(t, pipeline.StagePreprocessing, pipeline.HookBefore, "before-2", func(_ context.Context, v *pipeline.View) error {
		v.Log("hook before-2")
		return nil
	})
	h.hook(t, pipeline.StagePreprocessing, pipeline.HookOverride, "override-1", func(_ context.Context, v *pipeline.View) error {
		v.Log("hook override")
		v.Set("overridden", true)
		return nil
	})
	h.hook(t, pipeline.StagePreprocessing, pipeline.HookAfter, "after-1", func(_ context.Context, v *pipeline.View) error {
		v.Log("hook after")
		return nil
	})

	record := h.execute(t, 42)
	if record.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed: %s", record.Status, record.Error)
	}

	msgs := logMessages(t, h, record.ID)

	// Collect positions of the interesting lines.
	pos := map[string]int{}
	for i, msg := range msgs {
		pos[msg] = i
	}
	for _, msg := range []string{"hook before-1", "hook before-2", "hook override", "hook after"} {
		if _, ok := pos[msg]; !ok {
			t.Fatalf("missing log line %q in %v", msg, msgs)
		}
	}
	if !(pos["hook before-1"] < pos["hook before-2"] &&
		pos["hook before-2"] < pos["hook override"] &&
		pos["hook override"] < pos["hook after"]) {
		t.Errorf("hook order wrong: %v", msgs)
	}

	// Override replaced the system body entirely.
	for _, msg := range msgs {
		if msg == "ran preprocessing" {
			t.Error("system logic ran despite override")
		}
	}
	// Other stages ran their system logic.
	if _, ok := pos["ran training"]; !ok {
		t.Error("training system logic did not run")
	}
}

func TestOrchestrator_FailureContainment(t *testing.T) {
	var laterStages atomic.Int32
	logic := pipeline.LogicRegistry{}
	for _, kind := range pipeline.CanonicalOrder() {
		kind := kind
		logic.Register(&fakeLogic{kind: kind, fn: func(_ context.Context, execCtx *pipeline.Context, _ map[string]any) error {
			if kind == pipeline.StageModelSelection || kind == pipeline.StageTraining {
				laterStages.Add(1)
			}
			execCtx.Log("ran " + string(kind))
			return execCtx.Set("last."+string(kind), true)
		}})
	}

	h := newHarness(t, logic)
	h.hook(t, pipeline.StageFeatureEngineering, pipeline.HookAfter, "exploding-hook", func(_ context.Context, v *pipeline.View) error {
		v.Log("hook about to fail")
		v.Set("hook.partial", "should be discarded")
		return errors.New("user code exploded")
	})

	record := h.execute(t, 42)

	t.Run("run fails with the failing stage recorded", func(t *testing.T) {
		if record.Status != store.StatusFailed {
			t.Fatalf("status = %s, want failed", record.Status)
		}
		if record.FailingStage != string(pipeline.StageFeatureEngineering) {
			t.Errorf("failing stage = %q", record.FailingStage)
		}
		if !strings.Contains(record.Error, "user code exploded") {
			t.Errorf("error = %q", record.Error)
		}
		if record.FinishedAt == nil {
			t.Error("finished timestamp not set")
		}
	})

	t.Run("later stages never executed", func(t *testing.T) {
		if laterStages.Load() != 0 {
			t.Errorf("%d post-failure stages executed", laterStages.Load())
		}
	})

	t.Run("logs up to the failure survive", func(t *testing.T) {
		msgs := logMessages(t, h, record.ID)
		found := false
		for _, msg := range msgs {
			if msg == "hook about to fail" {
				found = true
			}
		}
		if !found {
			t.Errorf("pre-failure hook log lost: %v", msgs)
		}
	})

	t.Run("terminal record is immutable", func(t *testing.T) {
		record.Status = store.StatusCompleted
		err := h.runStore.UpdateRun(context.Background(), record)
		if !errors.Is(err, store.ErrImmutableRun) {
			t.Errorf("UpdateRun = %v, want ErrImmutableRun", err)
		}
	})

	t.Run("failed event present in the stream", func(t *testing.T) {
		events, err := h.orch.StreamEvents(context.Background(), record.ID)
		if err != nil {
			t.Fatal(err)
		}
		var sawFailed, sawStatusFailed bool
		for _, ev := range events {
			if ev.Kind == emit.StageFailed && ev.Stage == string(pipeline.StageFeatureEngineering) {
				sawFailed = true
			}
			if ev.Kind == emit.RunStatusChanged && ev.Msg == store.StatusFailed {
				sawStatusFailed = true
			}
		}
		if !sawFailed || !sawStatusFailed {
			t.Errorf("event stream missing failure events: failed=%v status=%v", sawFailed, sawStatusFailed)
		}
	})
}

func TestOrchestrator_Determinism(t *testing.T) {
	build := func() *harness {
		logic := pipeline.LogicRegistry{}
		logic.Register(&fakeLogic{kind: pipeline.StageTraining, fn: func(_ context.Context, execCtx *pipeline.Context, _ map[string]any) error {
			// Deterministic draws from purpose-scoped sub-seeds.
			for i := 0; i < 3; i++ {
				rng := execCtx.Seeds().Rand("training", i)
				execCtx.Log(strings.Repeat("x", int(rng.Int63n(8))+1))
			}
			return nil
		}})
		return newHarness(t, logic)
	}

	t.Run("same seed gives identical logs", func(t *testing.T) {
		a := build()
		b := build()
		recA := a.execute(t, 1234)
		recB := b.execute(t, 1234)

		msgsA := logMessages(t, a, recA.ID)
		msgsB := logMessages(t, b, recB.ID)
		if len(msgsA) != len(msgsB) {
			t.Fatalf("log lengths differ: %d vs %d", len(msgsA), len(msgsB))
		}
		for i := range msgsA {
			if msgsA[i] != msgsB[i] {
				t.Errorf("line %d differs: %q vs %q", i, msgsA[i], msgsB[i])
			}
		}
		if recA.SnapshotHash != recB.SnapshotHash {
			t.Error("snapshot hashes differ for identical definitions")
		}
	})

	t.Run("different seeds give different snapshots", func(t *testing.T) {
		a := build()
		recA := a.execute(t, 1)
		b := build()
		recB := b.execute(t, 2)
		if recA.SnapshotHash == recB.SnapshotHash {
			t.Error("snapshot hash ignores the seed")
		}
	})
}

func TestOrchestrator_Cancel(t *testing.T) {
	entered := make(chan struct{})
	var afterCancel atomic.Int32

	logic := pipeline.LogicRegistry{}
	logic.Register(&fakeLogic{kind: pipeline.StagePreprocessing, fn: func(ctx context.Context, _ *pipeline.Context, _ map[string]any) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}})
	logic.Register(&fakeLogic{kind: pipeline.StageTraining, fn: func(_ context.Context, _ *pipeline.Context, _ map[string]any) error {
		afterCancel.Add(1)
		return nil
	}})

	h := newHarness(t, logic)
	seed := int64(1)
	view, err := h.orch.CreateRun(context.Background(), h.exp, &seed)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	started := make(chan error, 1)
	go func() { started <- h.orch.Start(context.Background(), view.ID) }()

	<-entered
	if err := h.orch.Cancel(context.Background(), view.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := <-started; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	record, err := h.orch.GetRun(context.Background(), view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if !strings.Contains(record.Error, "cancelled") {
		t.Errorf("error = %q, want cancellation cause", record.Error)
	}
	if afterCancel.Load() != 0 {
		t.Error("stage after cancellation point executed")
	}

	// Cancelling a terminal run is rejected.
	if err := h.orch.Cancel(context.Background(), view.ID); !errors.Is(err, pipeline.ErrRunImmutable) {
		t.Errorf("second cancel = %v, want ErrRunImmutable", err)
	}
}

func TestOrchestrator_DisabledStage(t *testing.T) {
	var disabledRan atomic.Int32
	logic := pipeline.LogicRegistry{}
	logic.Register(&fakeLogic{kind: pipeline.StageExplainability, fn: func(_ context.Context, _ *pipeline.Context, _ map[string]any) error {
		disabledRan.Add(1)
		return nil
	}})

	h := newHarness(t, logic)
	h.stage(t, pipeline.StageExplainability).Enabled = false

	record := h.execute(t, 42)
	if record.Status != store.StatusCompleted {
		t.Fatalf("status = %s: %s", record.Status, record.Error)
	}
	if disabledRan.Load() != 0 {
		t.Error("disabled stage executed")
	}

	events := h.buffer.HistoryWithFilter(record.ID, emit.Filter{Kind: emit.StageSkipped})
	if len(events) != 1 || events[0].Stage != string(pipeline.StageExplainability) {
		t.Errorf("skip events = %+v", events)
	}
}

func TestOrchestrator_EventReplay(t *testing.T) {
	logic := pipeline.LogicRegistry{}
	h := newHarness(t, logic)
	record := h.execute(t, 9)

	replayed, err := h.orch.StreamEvents(context.Background(), record.ID)
	if err != nil {
		t.Fatal(err)
	}
	live := h.buffer.History(record.ID)
	if len(replayed) != len(live) {
		t.Fatalf("replayed %d events, live stream has %d", len(replayed), len(live))
	}
	for i := range live {
		if replayed[i].Seq != i {
			t.Errorf("event %d has seq %d", i, replayed[i].Seq)
		}
		if replayed[i].Kind != live[i].Kind || replayed[i].Stage != live[i].Stage {
			t.Errorf("event %d differs: %+v vs %+v", i, replayed[i], live[i])
		}
	}
}

func TestOrchestrator_ArtifactMaterialization(t *testing.T) {
	logic := pipeline.LogicRegistry{}
	logic.Register(&fakeLogic{kind: pipeline.StageEvaluation, fn: func(_ context.Context, execCtx *pipeline.Context, _ map[string]any) error {
		return execCtx.Set(pipeline.KeyMetrics, map[string]any{"accuracy": 0.9})
	}})

	h := newHarness(t, logic)
	record := h.execute(t, 42)
	if record.Status != store.StatusCompleted {
		t.Fatalf("status = %s: %s", record.Status, record.Error)
	}
	if len(record.ArtifactIDs) != 1 {
		t.Fatalf("artifact ids = %v, want one metrics artifact", record.ArtifactIDs)
	}

	meta, data, err := h.artifacts.Get(context.Background(), record.ArtifactIDs[0])
	if err != nil {
		t.Fatalf("artifact fetch failed: %v", err)
	}
	if meta.Kind != artifact.KindMetrics {
		t.Errorf("kind = %s", meta.Kind)
	}
	if !strings.Contains(string(data), "accuracy") {
		t.Errorf("payload = %s", data)
	}

	// Write-once: a second run cannot collide, but re-storing the same id
	// must fail.
	if _, err := h.artifacts.Put(context.Background(), meta, data); !errors.Is(err, artifact.ErrExists) {
		t.Errorf("duplicate Put = %v, want ErrExists", err)
	}
}

func TestOrchestrator_CreateRunValidation(t *testing.T) {
	h := newHarness(t, pipeline.LogicRegistry{})

	t.Run("unknown dataset fails", func(t *testing.T) {
		exp := pipeline.NewExperiment("bad", "missing-handle")
		if _, err := h.orch.CreateRun(context.Background(), exp, nil); err == nil {
			t.Fatal("CreateRun accepted unknown dataset")
		}
	})

	t.Run("start requires a known run", func(t *testing.T) {
		if err := h.orch.Start(context.Background(), "no-such-run"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Start = %v, want ErrNotFound", err)
		}
	})

	t.Run("start twice is rejected", func(t *testing.T) {
		record := h.execute(t, 3)
		if err := h.orch.Start(context.Background(), record.ID); err == nil {
			t.Fatal("second Start succeeded")
		}
	})
}
