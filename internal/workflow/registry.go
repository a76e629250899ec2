package workflow

import (
	"fmt"
	"sync"
)

// Registry — реестр workflow declarations по типу job'а.
//
// Append-only: заполняется явными вызовами Register при старте
// процесса. Повторная регистрация того же типа отклоняется громко,
// а не молча перезаписывается.
type Registry struct {
	mu           sync.RWMutex
	declarations map[string]Declaration
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{declarations: make(map[string]Declaration)}
}

// Register добавляет declaration в реестр.
// Дубликат типа — ErrDuplicateJobType.
func (r *Registry) Register(decl Declaration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := decl.JobType()
	if _, exists := r.declarations[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJobType, jobType)
	}
	r.declarations[jobType] = decl
	return nil
}

// MustRegister — Register с panic при ошибке.
// Используется при старте процесса, где дубликат — фатальный баг конфигурации.
func (r *Registry) MustRegister(decl Declaration) {
	if err := r.Register(decl); err != nil {
		panic(err)
	}
}

// Get возвращает declaration по типу job'а.
// Незарегистрированный тип — ErrUnknownJobType.
func (r *Registry) Get(jobType string) (Declaration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decl, ok := r.declarations[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return decl, nil
}

// Types возвращает список зарегистрированных типов job'ов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.declarations))
	for jobType := range r.declarations {
		types = append(types, jobType)
	}
	return types
}
