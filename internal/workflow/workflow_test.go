package workflow

import (
	"errors"
	"strconv"
	"testing"
)

// testDecl is a minimal declaration for registry tests.
type testDecl struct {
	jobType string
}

func (d *testDecl) JobType() string          { return d.jobType }
func (d *testDecl) Stages() []StageDefinition { return []StageDefinition{{Number: 1, Name: "only", TaskType: "noop", Parallelism: Fixed(1)}} }
func (d *testDecl) ValidateParameters(raw map[string]any) (map[string]any, error) {
	return raw, nil
}
func (d *testDecl) TasksForStage(stage int, params map[string]any, jobID string, prev map[string]any) ([]TaskSpec, error) {
	return []TaskSpec{{Key: "0", Parameters: params}}, nil
}
func (d *testDecl) BatchThreshold() int { return 0 }

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&testDecl{jobType: "alpha"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decl, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decl.JobType() != "alpha" {
		t.Errorf("wrong declaration returned: %s", decl.JobType())
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&testDecl{jobType: "alpha"})

	err := reg.Register(&testDecl{jobType: "alpha"})
	if !errors.Is(err, ErrDuplicateJobType) {
		t.Errorf("expected ErrDuplicateJobType, got %v", err)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("nope")
	if !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestValidateSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"n"},
		"properties": map[string]any{
			"n": map[string]any{"type": "integer", "minimum": 1},
		},
	}

	if err := ValidateSchema("fanout_test", schema, map[string]any{"n": 5}); err != nil {
		t.Fatalf("valid parameters rejected: %v", err)
	}

	err := ValidateSchema("fanout_test", schema, map[string]any{"n": "five"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected *ValidationError, got %T", err)
	}

	err = ValidateSchema("fanout_test", schema, map[string]any{})
	if !IsValidationError(err) {
		t.Errorf("missing required field should be a ValidationError, got %v", err)
	}
}

func TestValidateStages(t *testing.T) {
	if err := ValidateStages(nil); !errors.Is(err, ErrNoStages) {
		t.Errorf("expected ErrNoStages, got %v", err)
	}

	bad := []StageDefinition{{Number: 2, TaskType: "x", Parallelism: Fixed(1)}}
	if err := ValidateStages(bad); err == nil {
		t.Error("expected error for non-contiguous numbering")
	}

	good := make([]StageDefinition, 3)
	for i := range good {
		good[i] = StageDefinition{
			Number:      i + 1,
			Name:        "stage-" + strconv.Itoa(i+1),
			TaskType:    "noop",
			Parallelism: Fixed(1),
		}
	}
	good[1].Parallelism = MatchPrevious()
	good[1].ConsumesPredecessorResults = true
	if err := ValidateStages(good); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
