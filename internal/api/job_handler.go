package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/shaiso/Mosaic/internal/domain"
	"github.com/shaiso/Mosaic/internal/mq"
)

// SubmitJob принимает job в обработку.
//
// POST /api/v1/jobs
//
// Параметры валидируются синхронно по declaration: некорректный
// запрос отклоняется здесь, до создания какого-либо состояния.
// ID job'а — контентный хэш (job_type, parameters): повторная отправка
// идентичного запроса возвращает существующий job.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if req.JobType == "" {
		BadRequest(w, "job_type is required")
		return
	}

	decl, err := h.workflows.Get(req.JobType)
	if HandleSubmitError(w, h.logger, err) {
		return
	}

	params, err := decl.ValidateParameters(req.Parameters)
	if HandleSubmitError(w, h.logger, err) {
		return
	}

	jobID := domain.NewJobID(req.JobType, params)
	job := domain.NewJob(jobID, req.JobType, params, len(decl.Stages()))

	created, err := h.jobRepo.Create(r.Context(), job)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if !created {
		existing, err := h.jobRepo.GetByID(r.Context(), jobID)
		if HandleRepoError(w, h.logger, err, "job not found") {
			return
		}
		Success(w, SubmitJobResponse{JobID: jobID, Existing: true, Status: existing.Status})
		return
	}

	// Запись уже в store: если публикация не удалась (или RabbitMQ
	// недоступен), polling fallback оркестратора подберёт QUEUED job
	// и без сообщения.
	if h.publisher != nil {
		err = h.publisher.PublishJobSubmitted(r.Context(), mq.JobSubmittedPayload{
			JobID:      jobID,
			JobType:    req.JobType,
			Parameters: params,
		})
		if err != nil {
			h.logger.Warn("publish job submitted failed, polling will pick it up",
				"job_id", jobID,
				"error", err,
			)
		}
	}

	h.logger.Info("job submitted", "job_id", jobID, "job_type", req.JobType)
	Accepted(w, SubmitJobResponse{JobID: jobID, Status: job.Status})
}

// GetJob возвращает job по ID.
//
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.jobRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	Success(w, JobFromDomain(*job))
}

// ListJobTasks возвращает все tasks job'а.
//
// GET /api/v1/jobs/{id}/tasks
func (h *Handler) ListJobTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.jobRepo.GetByID(r.Context(), id); HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	tasks, err := h.taskRepo.ListByJob(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	List(w, TasksFromDomain(tasks), len(tasks))
}

// ListJobFailures возвращает упавшие tasks job'а — его error report.
//
// GET /api/v1/jobs/{id}/failures
func (h *Handler) ListJobFailures(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.jobRepo.GetByID(r.Context(), id); HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	tasks, err := h.taskRepo.ListFailed(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	List(w, TasksFromDomain(tasks), len(tasks))
}

// ListJobTypes возвращает зарегистрированные типы jobs.
//
// GET /api/v1/jobs/types
func (h *Handler) ListJobTypes(w http.ResponseWriter, _ *http.Request) {
	types := h.workflows.Types()
	sort.Strings(types)
	List(w, types, len(types))
}
