package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/exec"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/job"
)

const maxPageSize = 100

// Subscriber is the part of the event broadcaster the API streams from.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string, since uint64) (*events.Subscription, error)
	Forget(jobID string)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store  job.Store
	events Subscriber
	// tools maps a display name to the executable the health check looks up.
	tools  map[string]string
	logger *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, subs Subscriber, tools map[string]string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, events: subs, tools: tools, logger: logger.With("component", "api")}
}

// Routes returns the API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Delete("/", h.DeleteJob)
				r.Post("/cancel", h.CancelJob)
				r.Get("/events", h.StreamSSE)
				r.Get("/ws", h.StreamWS)
			})
		})
	})
	return r
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.store.CreateJob(r.Context(), req)
	if err != nil {
		h.storeError(w, r, "create job", err)
		return
	}
	h.logger.Info("job created", "job_id", j.ID, "kind", j.Kind, "request_id", RequestIDFrom(r.Context()))
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a page of jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := min(max(parseIntParam(q.Get("limit"), 20), 1), maxPageSize)
	offset := max(parseIntParam(q.Get("offset"), 0), 0)
	status := job.Status(q.Get("status"))
	if status != "" && !slices.Contains(knownStatuses, status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	jobs, total, err := h.store.List(r.Context(), job.ListFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.storeError(w, r, "list jobs", err)
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

var knownStatuses = []job.Status{
	job.StatusPending, job.StatusClaimed, job.StatusRunning, job.StatusCompleted,
	job.StatusFailed, job.StatusCancelRequested, job.StatusCancelled,
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. Only finished jobs can be
// deleted; cancel a running one first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "get job", err)
		return
	}
	if !j.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still active; cancel it first")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		h.storeError(w, r, "delete job", err)
		return
	}
	h.events.Forget(id)

	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. The executor owning the job stops it
// at its next checkpoint; the response only confirms the request was recorded.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		h.storeError(w, r, "cancel job", err)
		return
	}
	h.logger.Info("cancel requested", "job_id", id, "request_id", RequestIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusCancelRequested)})
}

// Health handles GET /api/v1/health. It reports which external tools are on PATH;
// a missing tool degrades the service without failing the check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	tools := make(map[string]string, len(h.tools))
	for name, path := range h.tools {
		if _, err := exec.LookPath(path); err != nil {
			tools[name] = "missing"
			status = "degraded"
			continue
		}
		tools[name] = "available"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "tools": tools})
}

// storeError maps store errors onto HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, job.ErrTerminal):
		writeError(w, http.StatusConflict, "job already in terminal state")
	default:
		h.logger.Error(op, "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
