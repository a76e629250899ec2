package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateSchema проверяет параметры job'а по JSON Schema.
//
// Declarations описывают свой вход схемой и вызывают ValidateSchema
// из ValidateParameters. Ошибка схемы заворачивается в ValidationError,
// а не возвращается как generic exception.
func ValidateSchema(jobType string, schema map[string]any, params map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// Прогоняем параметры через JSON round-trip: jsonschema валидирует
	// дерево any/float64, а не произвольные Go-типы вроде int.
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var v any
	if err := json.Unmarshal(paramsJSON, &v); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}

	if err := compiled.Validate(v); err != nil {
		return NewValidationError(jobType, "", err.Error(), err)
	}
	return nil
}

// ValidateStages проверяет согласованность описания stages:
// непрерывную нумерацию с 1 и непустые типы tasks.
// Вызывается при регистрации declaration.
func ValidateStages(stages []StageDefinition) error {
	if len(stages) == 0 {
		return ErrNoStages
	}
	for i, stage := range stages {
		if stage.Number != i+1 {
			return fmt.Errorf("stage %d has number %d, want %d", i, stage.Number, i+1)
		}
		if stage.TaskType == "" {
			return fmt.Errorf("stage %d has empty task type", stage.Number)
		}
		if stage.Number > 1 && stage.Parallelism.Kind == ParallelismMatchPrevious && !stage.ConsumesPredecessorResults {
			return fmt.Errorf("stage %d matches previous fan-out but does not consume its results", stage.Number)
		}
	}
	return nil
}
