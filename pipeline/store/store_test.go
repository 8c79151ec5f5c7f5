package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/mlpipe-go/pipeline/emit"
)

// runStoreSuite exercises the RunStore contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) RunStore) {
	ctx := context.Background()

	record := func(id, experiment, status string, created time.Time) RunRecord {
		return RunRecord{
			ID:             id,
			ExperimentID:   experiment,
			SnapshotID:     "snap-" + id,
			SnapshotHash:   "hash-" + id,
			DatasetHash:    "data-abc",
			Seed:           42,
			HookCodeHashes: []string{"h1", "h2"},
			Status:         status,
			CreatedAt:      created,
		}
	}

	t.Run("create and get round-trips", func(t *testing.T) {
		s := newStore(t)
		started := time.Now().UTC().Truncate(time.Microsecond)
		want := record("r1", "exp", StatusCreated, started)
		want.StartedAt = &started

		if err := s.CreateRun(ctx, want); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		got, err := s.GetRun(ctx, "r1")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.ID != want.ID || got.SnapshotHash != want.SnapshotHash || got.Seed != want.Seed {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if len(got.HookCodeHashes) != 2 || got.HookCodeHashes[1] != "h2" {
			t.Errorf("hook hashes = %v", got.HookCodeHashes)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("started at = %v, want %v", got.StartedAt, started)
		}
		if got.FinishedAt != nil {
			t.Errorf("finished at = %v, want nil", got.FinishedAt)
		}
	})

	t.Run("get unknown run", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetRun(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("update advances a live run", func(t *testing.T) {
		s := newStore(t)
		rec := record("r1", "exp", StatusCreated, time.Now().UTC())
		if err := s.CreateRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
		rec.Status = StatusRunning
		if err := s.UpdateRun(ctx, rec); err != nil {
			t.Fatalf("UpdateRun failed: %v", err)
		}
		got, err := s.GetRun(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusRunning {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("terminal records refuse updates", func(t *testing.T) {
		for _, terminal := range []string{StatusCompleted, StatusFailed} {
			s := newStore(t)
			rec := record("r1", "exp", StatusRunning, time.Now().UTC())
			if err := s.CreateRun(ctx, rec); err != nil {
				t.Fatal(err)
			}
			rec.Status = terminal
			rec.FailingStage = "training"
			rec.Error = "boom"
			rec.ArtifactIDs = []string{"a1"}
			if err := s.UpdateRun(ctx, rec); err != nil {
				t.Fatalf("terminal transition failed: %v", err)
			}

			rec.Error = "rewritten history"
			if err := s.UpdateRun(ctx, rec); !errors.Is(err, ErrImmutableRun) {
				t.Errorf("%s: err = %v, want ErrImmutableRun", terminal, err)
			}
			got, err := s.GetRun(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Error != "boom" {
				t.Errorf("%s: stored error mutated to %q", terminal, got.Error)
			}
		}
	})

	t.Run("update unknown run", func(t *testing.T) {
		s := newStore(t)
		rec := record("ghost", "exp", StatusRunning, time.Now().UTC())
		if err := s.UpdateRun(ctx, rec); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list filters by experiment newest first", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		for i, spec := range []struct{ id, exp string }{
			{"r1", "alpha"}, {"r2", "beta"}, {"r3", "alpha"},
		} {
			rec := record(spec.id, spec.exp, StatusCreated, base.Add(time.Duration(i)*time.Minute))
			if err := s.CreateRun(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		alpha, err := s.ListRuns(ctx, "alpha")
		if err != nil {
			t.Fatal(err)
		}
		if len(alpha) != 2 || alpha[0].ID != "r3" || alpha[1].ID != "r1" {
			t.Errorf("alpha runs = %+v", alpha)
		}

		all, err := s.ListRuns(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != "r3" {
			t.Errorf("all runs = %+v", all)
		}
	})

	t.Run("logs append in batches and read in sequence order", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateRun(ctx, record("r1", "exp", StatusRunning, time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
		first := []LogRecord{
			{Seq: 0, Stage: "data_ingestion", Msg: "loaded 40 rows"},
			{Seq: 1, Stage: "data_ingestion", Hook: "before", Msg: "checked schema"},
		}
		second := []LogRecord{
			{Seq: 2, Stage: "training", Msg: "trained 2 models"},
		}
		if err := s.AppendLogs(ctx, "r1", first); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendLogs(ctx, "r1", second); err != nil {
			t.Fatal(err)
		}

		lines, err := s.Logs(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if len(lines) != 3 {
			t.Fatalf("len(lines) = %d", len(lines))
		}
		for i, line := range lines {
			if line.Seq != i {
				t.Errorf("line %d has seq %d", i, line.Seq)
			}
		}
		if lines[1].Hook != "before" || lines[2].Msg != "trained 2 models" {
			t.Errorf("lines = %+v", lines)
		}
	})

	t.Run("event stream replays in emission order", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateRun(ctx, record("r1", "exp", StatusRunning, time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
		events := []emit.Event{
			{RunID: "r1", Seq: 0, Kind: emit.RunStatusChanged, Meta: map[string]any{"status": "running"}},
			{RunID: "r1", Seq: 1, Kind: emit.StageStarted, Stage: "data_ingestion"},
			{RunID: "r1", Seq: 2, Kind: emit.StageCompleted, Stage: "data_ingestion", Meta: map[string]any{"duration_ms": 12.0}},
		}
		for _, event := range events {
			if err := s.AppendEvent(ctx, "r1", event); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.Events(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(events) {
			t.Fatalf("len(events) = %d, want %d", len(got), len(events))
		}
		for i, event := range got {
			if event.Seq != i || event.Kind != events[i].Kind {
				t.Errorf("event %d = %+v, want %+v", i, event, events[i])
			}
		}
		if got[2].Stage != "data_ingestion" {
			t.Errorf("event stage = %s", got[2].Stage)
		}
	})

	t.Run("logs and events for unknown run are empty", func(t *testing.T) {
		s := newStore(t)
		lines, err := s.Logs(ctx, "ghost")
		if err != nil {
			t.Fatalf("Logs failed: %v", err)
		}
		if len(lines) != 0 {
			t.Errorf("lines = %+v", lines)
		}
		events, err := s.Events(ctx, "ghost")
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("events = %+v", events)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RunStore { return NewMemStore() })
}

func TestMemStore_CloneOnRead(t *testing.T) {
	s := NewMemStore()
	rec := RunRecord{ID: "r1", Status: StatusCreated, HookCodeHashes: []string{"h1"}}
	if err := s.CreateRun(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	got.HookCodeHashes[0] = "tampered"
	again, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if again.HookCodeHashes[0] != "h1" {
		t.Error("stored record shares slices with callers")
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RunStore {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := RunRecord{ID: "r1", ExperimentID: "exp", Status: StatusCompleted, Seed: 7, CreatedAt: time.Now().UTC()}
	if err := s.CreateRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun after reopen failed: %v", err)
	}
	if got.Seed != 7 || got.Status != StatusCompleted {
		t.Errorf("reopened record = %+v", got)
	}
	if err := reopened.UpdateRun(ctx, got); !errors.Is(err, ErrImmutableRun) {
		t.Errorf("err = %v, want ErrImmutableRun", err)
	}
}
