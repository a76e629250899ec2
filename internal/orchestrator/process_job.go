package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/telemetry"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// ProcessJobMessage обрабатывает сообщение о новом job'е:
// валидирует параметры по declaration, идемпотентно создаёт job,
// создаёт и диспатчит tasks первого stage, переводит job в PROCESSING.
//
// Безопасен при повторной доставке: job и tasks создаются по
// детерминированным ID, дубликаты схлопываются, dispatch дублей
// гасится на стороне воркера claim'ом task'а.
func (o *Orchestrator) ProcessJobMessage(ctx context.Context, payload mq.JobSubmittedPayload) error {
	logger := o.logger.With("job_type", payload.JobType)

	decl, err := o.workflows.Get(payload.JobType)
	if err != nil {
		// Нет declaration — job некуда декомпозировать. Сообщение
		// уйдёт в DLQ; после регистрации типа его можно replay'ить.
		return err
	}

	params, err := decl.ValidateParameters(payload.Parameters)
	if err != nil {
		return fmt.Errorf("validate parameters: %w", err)
	}

	jobID := payload.JobID
	if jobID == "" {
		jobID = domain.NewJobID(payload.JobType, params)
	}
	logger = logger.With("job_id", jobID)

	stages := decl.Stages()
	job := domain.NewJob(jobID, payload.JobType, params, len(stages))

	created, err := o.jobs.Create(ctx, job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created {
		existing, err := o.jobs.GetByID(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load existing job: %w", err)
		}
		if existing.Status != domain.JobStatusQueued {
			// Дубликат submission или повторная доставка: job уже
			// в работе либо завершён.
			logger.Debug("duplicate job submission, no-op", "status", existing.Status)
			return nil
		}
		// QUEUED: предыдущая обработка оборвалась до dispatch'а.
		// Создание tasks ниже идемпотентно, продолжаем.
		job = existing
	} else {
		logger.Info("job created", "total_stages", len(stages))
		telemetry.JobsSubmitted.WithLabelValues(job.Type).Inc()
	}

	if err := o.startStage(ctx, job, decl, 1, nil); err != nil {
		return err
	}

	if err := o.jobs.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	logger.Info("job dispatched", "stage", 1)
	return nil
}

// startStage создаёт tasks указанного stage и диспатчит их сообщения.
// prev — агрегат результатов предыдущего stage (nil для первого).
// Пустой fan-out или ошибка declaration переводят job в FAILED.
func (o *Orchestrator) startStage(ctx context.Context, job *domain.Job, decl workflow.Declaration, stage int, prev map[string]any) error {
	def := decl.Stages()[stage-1]

	specs, err := decl.TasksForStage(stage, job.Parameters, job.ID, prev)
	if err != nil {
		failErr := fmt.Errorf("stage %d (%s): produce tasks: %w", stage, def.Name, err)
		if ferr := o.jobs.Fail(ctx, job.ID, failErr.Error()); ferr != nil {
			return fmt.Errorf("fail job after %v: %w", failErr, ferr)
		}
		telemetry.JobsFinished.WithLabelValues(job.Type, string(domain.JobStatusFailed)).Inc()
		return failErr
	}
	if len(specs) == 0 {
		failErr := fmt.Errorf("%w: stage %d (%s)", ErrEmptyStage, stage, def.Name)
		if ferr := o.jobs.Fail(ctx, job.ID, failErr.Error()); ferr != nil {
			return fmt.Errorf("fail job after %v: %w", failErr, ferr)
		}
		telemetry.JobsFinished.WithLabelValues(job.Type, string(domain.JobStatusFailed)).Inc()
		return failErr
	}

	tasks := make([]*domain.Task, 0, len(specs))
	for _, spec := range specs {
		tasks = append(tasks, domain.NewTask(job.ID, stage, spec.Key, def.TaskType, spec.Parameters))
	}

	if err := o.tasks.CreateBatch(ctx, tasks); err != nil {
		return fmt.Errorf("create stage %d tasks: %w", stage, err)
	}

	msgs := taskMessages(tasks)
	if err := o.dispatcher.Dispatch(ctx, msgs, decl.BatchThreshold()); err != nil {
		// Tasks уже в store: polling fallback воркера доставит их
		// и без сообщений.
		return fmt.Errorf("dispatch stage %d tasks: %w", stage, err)
	}

	return nil
}

// taskMessages строит транспортные сообщения для набора tasks.
func taskMessages(tasks []*domain.Task) []mq.TaskMessage {
	msgs := make([]mq.TaskMessage, 0, len(tasks))
	for _, t := range tasks {
		msgs = append(msgs, mq.TaskMessage{
			JobID:      t.JobID,
			TaskID:     t.ID,
			TaskType:   t.Type,
			Stage:      t.Stage,
			Parameters: t.Parameters,
		})
	}
	return msgs
}
