package domain

import "testing"

func TestNewJobID_Deterministic(t *testing.T) {
	params := map[string]any{"n": 5, "collection": "sentinel-2"}

	id1 := NewJobID("scene_ingest", params)
	id2 := NewJobID("scene_ingest", params)

	if id1 != id2 {
		t.Errorf("same inputs produced different IDs: %s vs %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Errorf("expected 64-char sha256 hex, got %d chars", len(id1))
	}
}

func TestNewJobID_ParameterOrderIndependent(t *testing.T) {
	// Maps with the same content built in different insertion order
	// must hash identically.
	a := map[string]any{}
	a["alpha"] = 1
	a["beta"] = map[string]any{"x": "1", "y": "2"}

	b := map[string]any{}
	b["beta"] = map[string]any{"y": "2", "x": "1"}
	b["alpha"] = 1

	idA := NewJobID("scene_ingest", a)
	idB := NewJobID("scene_ingest", b)

	if idA != idB {
		t.Errorf("parameter order changed the job ID: %s vs %s", idA, idB)
	}
}

func TestNewJobID_DistinguishesInputs(t *testing.T) {
	id1 := NewJobID("scene_ingest", map[string]any{"n": 5})
	id2 := NewJobID("scene_ingest", map[string]any{"n": 6})
	id3 := NewJobID("vector_ingest", map[string]any{"n": 5})

	if id1 == id2 {
		t.Error("different parameters produced the same ID")
	}
	if id1 == id3 {
		t.Error("different job types produced the same ID")
	}
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID("abc123", 2, "tile-7")
	if id != "abc123:2:tile-7" {
		t.Errorf("unexpected task ID: %s", id)
	}
}

func TestStatusTerminal(t *testing.T) {
	jobCases := map[JobStatus]bool{
		JobStatusQueued:              false,
		JobStatusProcessing:          false,
		JobStatusCompleted:           true,
		JobStatusFailed:              true,
		JobStatusCompletedWithErrors: true,
	}
	for status, want := range jobCases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("JobStatus %s: IsTerminal() = %v, want %v", status, got, want)
		}
	}

	taskCases := map[TaskStatus]bool{
		TaskStatusQueued:     false,
		TaskStatusProcessing: false,
		TaskStatusRetrying:   false,
		TaskStatusCompleted:  true,
		TaskStatusFailed:     true,
	}
	for status, want := range taskCases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("TaskStatus %s: IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestTaskHandoffResult(t *testing.T) {
	task := NewTask("job1", 1, "0", "scan", nil)
	task.ResultData = map[string]any{"tiles": 4}

	if task.HandoffResult()["tiles"] != 4 {
		t.Error("expected ResultData when NextStageParams is nil")
	}

	task.NextStageParams = map[string]any{"tile": "z/1/2"}
	if task.HandoffResult()["tile"] != "z/1/2" {
		t.Error("expected NextStageParams to take precedence")
	}
}
