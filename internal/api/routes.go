package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Jobs
	mux.Handle("GET /api/v1/jobs/types", chain(http.HandlerFunc(h.ListJobTypes)))
	mux.Handle("POST /api/v1/jobs", chain(http.HandlerFunc(h.SubmitJob)))
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /api/v1/jobs/{id}/tasks", chain(http.HandlerFunc(h.ListJobTasks)))
	mux.Handle("GET /api/v1/jobs/{id}/failures", chain(http.HandlerFunc(h.ListJobFailures)))
}
