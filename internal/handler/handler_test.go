package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/repo"
)

func noopHandler(ctx context.Context, params map[string]any, ec *Context) (*Result, error) {
	return &Result{}, nil
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("scan", noopHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Get("scan"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("scan", noopHandler)

	err := reg.Register("scan", noopHandler)
	if !errors.Is(err, ErrDuplicateTaskType) {
		t.Errorf("expected ErrDuplicateTaskType, got %v", err)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("nope")
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestTerminalError(t *testing.T) {
	base := errors.New("bad input")
	wrapped := Terminal(base)

	if !IsTerminal(wrapped) {
		t.Error("wrapped error should be terminal")
	}
	if !errors.Is(wrapped, base) {
		t.Error("terminal error should unwrap to base")
	}
	if IsTerminal(base) {
		t.Error("bare error should not be terminal")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) should be nil")
	}
}

// fakeLookup serves one task row keyed by (jobID, stage, key).
type fakeLookup struct {
	tasks map[string]*domain.Task
}

func (f *fakeLookup) GetByStageKey(ctx context.Context, jobID string, stage int, key string) (*domain.Task, error) {
	task, ok := f.tasks[domain.NewTaskID(jobID, stage, key)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return task, nil
}

func TestContext_PredecessorResult(t *testing.T) {
	prev := domain.NewTask("job1", 1, "3", "scan", nil)
	prev.ResultData = map[string]any{"tile": "z/1/3"}

	lookup := &fakeLookup{tasks: map[string]*domain.Task{prev.ID: prev}}

	// Stage-2 task at key 3 sees stage-1 key 3's result.
	ec := NewContext("job1", 2, "3", lookup, nil)

	has, err := ec.HasPredecessor(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected predecessor to exist")
	}

	result, err := ec.PredecessorResult(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["tile"] != "z/1/3" {
		t.Errorf("wrong predecessor result: %v", result)
	}
}

func TestContext_NoPredecessorAtStageOne(t *testing.T) {
	lookup := &fakeLookup{tasks: map[string]*domain.Task{}}
	ec := NewContext("job1", 1, "0", lookup, nil)

	has, err := ec.HasPredecessor(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Error("stage-1 task must have no predecessor")
	}

	_, err = ec.PredecessorResult(context.Background())
	if !errors.Is(err, ErrNoPredecessor) {
		t.Errorf("expected ErrNoPredecessor, got %v", err)
	}
}

func TestContext_NoMatchingKey(t *testing.T) {
	lookup := &fakeLookup{tasks: map[string]*domain.Task{}}
	ec := NewContext("job1", 2, "9", lookup, nil)

	_, err := ec.PredecessorResult(context.Background())
	if !errors.Is(err, ErrNoPredecessor) {
		t.Errorf("expected ErrNoPredecessor for missing key, got %v", err)
	}
}
