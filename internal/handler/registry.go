package handler

import (
	"context"
	"fmt"
	"sync"
)

// Result — результат выполнения task handler'а.
type Result struct {
	// Data — результат task'а, сохраняется в result_data.
	Data map[string]any

	// NextStageParams — явный handoff payload для следующего stage.
	// Если nil, следующему stage передаётся Data.
	NextStageParams map[string]any
}

// Func — исполняемая единица доменной логики для одного типа task'а.
//
// Получает нормализованные параметры task'а и execution context
// (lineage lookups, идентификаторы). Ошибки по умолчанию retryable;
// обёрнутые в Terminal — окончательные.
type Func func(ctx context.Context, params map[string]any, ec *Context) (*Result, error)

// Registry — реестр task handlers по типу task'а.
//
// Принадлежит доменному коду (заполняется при старте процесса),
// потребляется оркестратором. Повторная регистрация того же типа
// отклоняется, а не молча перезаписывается.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register добавляет handler для типа task'а.
// Дубликат — ErrDuplicateTaskType.
func (r *Registry) Register(taskType string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskType, taskType)
	}
	r.handlers[taskType] = fn
	return nil
}

// MustRegister — Register с panic при ошибке (старт процесса).
func (r *Registry) MustRegister(taskType string, fn Func) {
	if err := r.Register(taskType, fn); err != nil {
		panic(err)
	}
}

// Get возвращает handler по типу task'а.
// Незарегистрированный тип — ErrUnknownTaskType.
func (r *Registry) Get(taskType string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return fn, nil
}
