package jobs

import (
	"fmt"

	"github.com/shaiso/Mosaic/internal/handler"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// RegisterAll регистрирует все declarations и handlers пакета.
// Вызывается при старте каждого процесса, которому нужен доменный
// код (api — для валидации, orchestrator и worker — для выполнения).
func RegisterAll(workflows *workflow.Registry, handlers *handler.Registry) error {
	declarations := []workflow.Declaration{
		NewSceneIngest(),
	}

	for _, decl := range declarations {
		if err := workflow.ValidateStages(decl.Stages()); err != nil {
			return fmt.Errorf("declaration %s: %w", decl.JobType(), err)
		}
		if err := workflows.Register(decl); err != nil {
			return err
		}
	}

	taskHandlers := map[string]handler.Func{
		TaskTypeScanScene:         ScanScene,
		TaskTypeReprojectScene:    ReprojectScene,
		TaskTypeCatalogCollection: CatalogCollection,
	}

	for taskType, fn := range taskHandlers {
		if err := handlers.Register(taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// MustRegisterAll — RegisterAll с panic при ошибке (старт процесса).
func MustRegisterAll(workflows *workflow.Registry, handlers *handler.Registry) {
	if err := RegisterAll(workflows, handlers); err != nil {
		panic(err)
	}
}
