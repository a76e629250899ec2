package orchestrator

import "errors"

var (
	// ErrContractViolation — сообщение ссылается на job или task,
	// которых нет в state store. При at-least-once доставке такого
	// быть не должно: записи создаются до публикации.
	ErrContractViolation = errors.New("orchestrator: message references unknown state")

	// ErrEmptyStage — декларация породила пустой список tasks для stage.
	ErrEmptyStage = errors.New("orchestrator: stage produced no tasks")
)
