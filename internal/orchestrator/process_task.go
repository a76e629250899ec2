package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/handler"
	"github.com/shaiso/Mosaic/internal/mq"
	"github.com/shaiso/Mosaic/internal/repo"
	"github.com/shaiso/Mosaic/internal/telemetry"
	"github.com/shaiso/Mosaic/internal/workflow"
)

// ProcessTaskMessage выполняет один task: claim, вызов handler'а,
// терминальное завершение с атомарной детекцией последнего task'а
// stage, и — если task оказался последним — совмещение stage:
// переход на следующий или финализация job'а.
//
// Повторная доставка того же сообщения — no-op: терминальный task
// отфильтровывается до claim'а, гонка claim'а решается guard'ом
// в store.
func (o *Orchestrator) ProcessTaskMessage(ctx context.Context, msg mq.TaskMessage) error {
	logger := o.logger.With("task_id", msg.TaskID, "job_id", msg.JobID)

	task, err := o.tasks.GetByID(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: task %s", ErrContractViolation, msg.TaskID)
		}
		return fmt.Errorf("load task: %w", err)
	}

	job, err := o.jobs.GetByID(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: job %s for task %s", ErrContractViolation, task.JobID, task.ID)
		}
		return fmt.Errorf("load job: %w", err)
	}

	if job.IsFinished() {
		logger.Debug("job already finished, skipping task", "job_status", job.Status)
		return nil
	}
	if task.IsFinished() {
		if task.Stage == job.CurrentStage {
			// Терминальный task текущего stage доставлен повторно.
			// Либо обычный дубликат, либо процесс упал между
			// CompleteAndCheckStage и advance'ом — тогда stage
			// насыщен, а job не сдвинут. Перепроверяем.
			return o.resumeIfStageSaturated(ctx, job, task, logger)
		}
		logger.Debug("task already terminal, duplicate delivery", "task_status", task.Status)
		return nil
	}

	claimed, err := o.tasks.MarkProcessing(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		logger.Debug("task claimed elsewhere, skipping")
		return nil
	}

	decl, err := o.workflows.Get(job.Type)
	if err != nil {
		return err
	}

	fn, err := o.handlers.Get(task.Type)
	if err != nil {
		// Handler не зарегистрирован (деплой рассинхронизирован с
		// declaration). Task остаётся в PROCESSING, reaper вернёт его
		// в очередь после деплоя с нужным handler'ом.
		return err
	}

	result, handlerErr := o.runHandler(ctx, fn, task)
	if handlerErr != nil {
		return o.finishFailed(ctx, job, decl, task, handlerErr, logger)
	}
	return o.finishCompleted(ctx, job, decl, task, result, logger)
}

// resumeIfStageSaturated перепроверяет насыщение stage при повторной
// доставке его терминального task'а. Обычно это дубликат и no-op, но
// если процесс упал между CompleteAndCheckStage и advance'ом, брокер
// передоставит неподтверждённое сообщение — и здесь оно единственный
// путь дожать прерванное совмещение (advanceOrFinalize идемпотентен).
func (o *Orchestrator) resumeIfStageSaturated(ctx context.Context, job *domain.Job, task *domain.Task, logger *slog.Logger) error {
	stageTasks, err := o.tasks.ListByJobAndStage(ctx, job.ID, task.Stage)
	if err != nil {
		return fmt.Errorf("list stage %d tasks: %w", task.Stage, err)
	}
	for i := range stageTasks {
		if !stageTasks[i].IsFinished() {
			logger.Debug("task already terminal, duplicate delivery", "task_status", task.Status)
			return nil
		}
	}

	decl, err := o.workflows.Get(job.Type)
	if err != nil {
		return err
	}

	logger.Info("stage saturated but job not advanced, resuming", "stage", task.Stage)
	return o.advanceOrFinalize(ctx, job, decl, task.Stage)
}

// runHandler вызывает handler с восстановлением после panic:
// отказ одного task'а не валит воркер и не зависает stage.
// На время выполнения запускается heartbeat, чтобы reaper не принял
// долгий task за зависший.
func (o *Orchestrator) runHandler(ctx context.Context, fn handler.Func, task *domain.Task) (result *handler.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeatLoop(hbCtx, task.ID)

	ec := handler.NewContext(task.JobID, task.Stage, task.Key, o.tasks, telemetry.WithTaskID(o.logger, task.ID))

	start := time.Now()
	result, err = fn(ctx, task.Parameters, ec)
	telemetry.HandlerDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	if err == nil && result == nil {
		result = &handler.Result{}
	}
	return result, err
}

// heartbeatLoop периодически отмечает живость task'а, пока его
// handler выполняется.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.tasks.Heartbeat(ctx, taskID); err != nil && ctx.Err() == nil {
				o.logger.Warn("task heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// finishCompleted завершает task успешно и при последнем task'е
// stage запускает совмещение.
func (o *Orchestrator) finishCompleted(ctx context.Context, job *domain.Job, decl workflow.Declaration, task *domain.Task, result *handler.Result, logger *slog.Logger) error {
	last, err := o.tasks.CompleteAndCheckStage(ctx, task.ID, job.ID, task.Stage,
		domain.TaskStatusCompleted, result.Data, result.NextStageParams, "")
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	telemetry.TasksFinished.WithLabelValues(task.Type, string(domain.TaskStatusCompleted)).Inc()

	logger.Debug("task completed", "stage", task.Stage, "last_in_stage", last)

	if !last {
		return nil
	}
	return o.advanceOrFinalize(ctx, job, decl, task.Stage)
}

// finishFailed классифицирует ошибку handler'а: retryable ошибки
// с оставшимися попытками возвращают task в очередь, остальные
// завершают его в FAILED (возможно, как последний task stage).
func (o *Orchestrator) finishFailed(ctx context.Context, job *domain.Job, decl workflow.Declaration, task *domain.Task, handlerErr error, logger *slog.Logger) error {
	retryable := !handler.IsTerminal(handlerErr)

	if retryable && task.CanRetry(o.maxRetries) {
		if err := o.tasks.Requeue(ctx, task.ID, handlerErr.Error()); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}

		msg := mq.TaskMessage{
			JobID:      task.JobID,
			TaskID:     task.ID,
			TaskType:   task.Type,
			Stage:      task.Stage,
			Parameters: task.Parameters,
		}
		// Одиночное сообщение всегда ниже порога — уйдёт низколатентным
		// транспортом.
		if err := o.dispatcher.Dispatch(ctx, []mq.TaskMessage{msg}, decl.BatchThreshold()); err != nil {
			return fmt.Errorf("redispatch task: %w", err)
		}

		telemetry.TaskRetries.WithLabelValues(task.Type).Inc()
		logger.Warn("task requeued for retry",
			"stage", task.Stage,
			"retry", task.RetryCount+1,
			"max_retries", o.maxRetries,
			"error", handlerErr,
		)
		return nil
	}

	last, err := o.tasks.CompleteAndCheckStage(ctx, task.ID, job.ID, task.Stage,
		domain.TaskStatusFailed, nil, nil, handlerErr.Error())
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	telemetry.TasksFinished.WithLabelValues(task.Type, string(domain.TaskStatusFailed)).Inc()

	logger.Warn("task failed",
		"stage", task.Stage,
		"terminal", !retryable,
		"last_in_stage", last,
		"error", handlerErr,
	)

	if !last {
		return nil
	}
	return o.advanceOrFinalize(ctx, job, decl, task.Stage)
}

// advanceOrFinalize — совмещение stage после того, как его последний
// task стал терминальным: агрегация результатов, переход на следующий
// stage либо финализация job'а.
//
// В штатном потоке вызывается ровно одним вызовом на stage (advisory
// lock в CompleteAndCheckStage). Если процесс упадёт между завершением
// task'а и advance'ом, сообщение останется неподтверждённым, и его
// передоставка дойдёт сюда через resumeIfStageSaturated — сами
// переходы идемпотентны (repo.ErrInvalidState по уже выполненному
// advance глушится).
func (o *Orchestrator) advanceOrFinalize(ctx context.Context, job *domain.Job, decl workflow.Declaration, stage int) error {
	stageTasks, err := o.tasks.ListByJobAndStage(ctx, job.ID, stage)
	if err != nil {
		return fmt.Errorf("list stage %d tasks: %w", stage, err)
	}

	results := make(map[string]any, len(stageTasks))
	successes := 0
	for i := range stageTasks {
		t := &stageTasks[i]
		if t.Status == domain.TaskStatusCompleted {
			successes++
			results[t.Key] = t.HandoffResult()
		}
	}

	logger := o.logger.With("job_id", job.ID, "job_type", job.Type, "stage", stage)

	if successes == 0 {
		// Stage полностью провалился: следующему stage нечем питаться.
		details := fmt.Sprintf("stage %d: all %d tasks failed", stage, len(stageTasks))
		if err := o.jobs.Fail(ctx, job.ID, details); err != nil {
			if errors.Is(err, repo.ErrInvalidState) {
				return nil
			}
			return fmt.Errorf("fail job: %w", err)
		}
		telemetry.JobsFinished.WithLabelValues(job.Type, string(domain.JobStatusFailed)).Inc()
		logger.Error("job failed", "details", details)
		return nil
	}

	if !job.IsFinalStage(stage) {
		next := stage + 1
		if err := o.startStage(ctx, job, decl, next, results); err != nil {
			return err
		}
		if err := o.jobs.AdvanceStage(ctx, job.ID, next, results); err != nil {
			if errors.Is(err, repo.ErrInvalidState) {
				// Advance уже выполнен конкурентным повтором.
				logger.Debug("stage already advanced")
				return nil
			}
			return fmt.Errorf("advance to stage %d: %w", next, err)
		}
		telemetry.StagesAdvanced.WithLabelValues(job.Type).Inc()
		logger.Info("stage advanced", "next_stage", next, "stage_successes", successes)
		return nil
	}

	return o.finalize(ctx, job, stage, stageTasks, results, successes)
}

// finalize завершает job после последнего stage.
func (o *Orchestrator) finalize(ctx context.Context, job *domain.Job, finalStage int, stageTasks []domain.Task, results map[string]any, successes int) error {
	failed, err := o.tasks.CountByJobAndStatus(ctx, job.ID, domain.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("count failed tasks: %w", err)
	}

	resultData := map[string]any{
		"final_stage":       results,
		"final_stage_tasks": len(stageTasks),
		"failed_tasks":      failed,
	}

	logger := o.logger.With("job_id", job.ID, "job_type", job.Type)

	if failed > 0 {
		details := fmt.Sprintf("%d of job tasks failed", failed)
		err = o.jobs.CompleteWithErrors(ctx, job.ID, finalStage, results, resultData, details)
		if err == nil {
			telemetry.JobsFinished.WithLabelValues(job.Type, string(domain.JobStatusCompletedWithErrors)).Inc()
			logger.Warn("job completed with errors", "failed_tasks", failed)
		}
	} else {
		err = o.jobs.Complete(ctx, job.ID, finalStage, results, resultData)
		if err == nil {
			telemetry.JobsFinished.WithLabelValues(job.Type, string(domain.JobStatusCompleted)).Inc()
			logger.Info("job completed", "final_stage_tasks", successes)
		}
	}

	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}
