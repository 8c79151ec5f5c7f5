package artifact

import (
	"context"
	"errors"
	"testing"
)

// storeSuite exercises the write-once Store contract against any backend.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	meta := func(runID, name, kind string) Artifact {
		return Artifact{
			ID:          runID + "/" + name,
			RunID:       runID,
			Kind:        kind,
			Name:        name,
			ContentType: "application/json",
		}
	}

	t.Run("put and get round-trips", func(t *testing.T) {
		s := newStore(t)
		payload := []byte(`{"accuracy": 0.93}`)

		stored, err := s.Put(ctx, meta("run-1", "metrics.json", KindMetrics), payload)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if stored.Size != int64(len(payload)) || stored.Digest != Digest(payload) {
			t.Errorf("computed fields = size %d digest %s", stored.Size, stored.Digest)
		}
		if stored.CreatedAt.IsZero() {
			t.Error("created at not set")
		}

		got, data, err := s.Get(ctx, "run-1/metrics.json")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(data) != string(payload) {
			t.Errorf("payload = %s", data)
		}
		if got.Kind != KindMetrics || got.RunID != "run-1" {
			t.Errorf("metadata = %+v", got)
		}
	})

	t.Run("second put to the same id fails", func(t *testing.T) {
		s := newStore(t)
		m := meta("run-1", "model.json", KindModel)
		if _, err := s.Put(ctx, m, []byte("first")); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Put(ctx, m, []byte("second")); !errors.Is(err, ErrExists) {
			t.Fatalf("err = %v, want ErrExists", err)
		}
		_, data, err := s.Get(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "first" {
			t.Errorf("payload overwritten to %q", data)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		if _, _, err := s.Get(ctx, "run-1/ghost.json"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get err = %v, want ErrNotFound", err)
		}
		if _, err := s.Stat(ctx, "run-1/ghost.json"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Stat err = %v, want ErrNotFound", err)
		}
	})

	t.Run("stat returns metadata only", func(t *testing.T) {
		s := newStore(t)
		payload := []byte("weights")
		if _, err := s.Put(ctx, meta("run-1", "model.json", KindModel), payload); err != nil {
			t.Fatal(err)
		}
		got, err := s.Stat(ctx, "run-1/model.json")
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if got.Size != int64(len(payload)) || got.Digest != Digest(payload) {
			t.Errorf("stat metadata = %+v", got)
		}
	})

	t.Run("list is scoped to the run and ordered by name", func(t *testing.T) {
		s := newStore(t)
		for _, spec := range []struct{ run, name, kind string }{
			{"run-1", "model.json", KindModel},
			{"run-1", "metrics.json", KindMetrics},
			{"run-2", "metrics.json", KindMetrics},
		} {
			if _, err := s.Put(ctx, meta(spec.run, spec.name, spec.kind), []byte("x")); err != nil {
				t.Fatal(err)
			}
		}

		listed, err := s.List(ctx, "run-1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(listed) != 2 || listed[0].Name != "metrics.json" || listed[1].Name != "model.json" {
			t.Errorf("listed = %+v", listed)
		}

		empty, err := s.List(ctx, "run-3")
		if err != nil {
			t.Fatal(err)
		}
		if len(empty) != 0 {
			t.Errorf("unknown run listed %d artifacts", len(empty))
		}
	})
}

func TestMemStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewMemStore() })
}

func TestMemStore_CopyOnRead(t *testing.T) {
	s := NewMemStore()
	payload := []byte("original")
	if _, err := s.Put(context.Background(), Artifact{ID: "r/a", RunID: "r", Name: "a"}, payload); err != nil {
		t.Fatal(err)
	}
	_, data, err := s.Get(context.Background(), "r/a")
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	_, again, err := s.Get(context.Background(), "r/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != "original" {
		t.Error("stored payload shares memory with callers")
	}
}

func TestFSStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := NewFSStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFSStore failed: %v", err)
		}
		return s
	})
}

func TestFSStore_RejectsEscapingIDs(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"../outside", "/etc/passwd", "run/../../up"} {
		t.Run(id, func(t *testing.T) {
			if _, err := s.Put(context.Background(), Artifact{ID: id, Name: "x"}, []byte("x")); err == nil {
				t.Errorf("accepted id %q", id)
			}
		})
	}
}
