package history

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), DefaultFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := s.RunStarted(ctx, "a", []string{"Training", "Merging"}, start); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if err := s.RunStarted(ctx, "b", []string{"Training"}, start.Add(time.Hour)); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if err := s.RunFinished(ctx, "a", "error", "step Merging failed", start.Add(90*time.Second)); err != nil {
		t.Fatalf("RunFinished: %v", err)
	}

	runs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "b" || runs[0].Status != "running" || !runs[0].FinishedAt.IsZero() {
		t.Errorf("newest run should be the unfinished one: %+v", runs[0])
	}
	a := runs[1]
	if a.Status != "error" || a.Error != "step Merging failed" || a.DurationMs != 90000 {
		t.Errorf("finished run not updated: %+v", a)
	}
	if !reflect.DeepEqual(a.Steps, []string{"Training", "Merging"}) {
		t.Errorf("steps = %v", a.Steps)
	}
}

func TestListLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"1", "2", "3"} {
		if err := s.RunStarted(ctx, id, []string{"Training"}, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RunStarted: %v", err)
		}
	}
	runs, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "3" {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := openTestStore(t)
	if err := s.RunFinished(context.Background(), "missing", "completed", "", time.Now()); err == nil {
		t.Error("expected an error for an unknown run")
	}
}
