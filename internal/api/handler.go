// Package api provides the HTTP handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobflow/internal/apperrors"
	"jobflow/internal/health"
	"jobflow/internal/job"
	"jobflow/internal/observability"
	"jobflow/internal/tasks"
	"jobflow/internal/trigger"
	"log/slog"
	"net/http"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Plain-text bodies of the submission endpoint.
const (
	bodyOK              = "OK"
	bodyServiceNotFound = "Service not found"
)

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc     *job.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// SubmitJob handles /v2/jobs. The body is the job request itself: it must
// carry "id" and an object under the service collection's name whose "id"
// selects the service descriptor. The whole body is stored as the request.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(http.MethodPost)(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sub, err := decodeSubmission(body, h.svc.ServiceCollection())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.svc.Submit(r.Context(), sub); err != nil {
		if errors.Is(err, apperrors.ErrServiceNotFound) {
			writeText(w, http.StatusNotFound, bodyServiceNotFound)
			return
		}
		h.handleError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, bodyOK)
}

func decodeSubmission(body []byte, serviceCollection string) (job.Submission, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return job.Submission{}, apperrors.Validation("body", "request body must be a JSON object")
	}

	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return job.Submission{}, apperrors.Validation("id", "id must be a string")
		}
	}

	var ref struct {
		ID string `json:"id"`
	}
	raw, ok := fields[serviceCollection]
	if !ok {
		return job.Submission{}, apperrors.Validation(serviceCollection, fmt.Sprintf("%q object is required", serviceCollection))
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return job.Submission{}, apperrors.Validation(serviceCollection, fmt.Sprintf("%q must be an object with an id", serviceCollection))
	}

	return job.Submission{ID: id, ServiceID: ref.ID, Request: json.RawMessage(body)}, nil
}

// TriggerCreated handles POST /v1/triggers/created.
func (h *Handler) TriggerCreated(w http.ResponseWriter, r *http.Request) {
	h.handleTrigger(w, r, job.ChangeCreated)
}

// TriggerUpdated handles POST /v1/triggers/updated.
func (h *Handler) TriggerUpdated(w http.ResponseWriter, r *http.Request) {
	h.handleTrigger(w, r, job.ChangeUpdated)
}

// handleTrigger acknowledges every decodable event once handled. Handling
// failures are logged; the stored record is the source of truth for a
// later re-trigger.
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request, kind job.ChangeKind) {
	event, err := trigger.Decode(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	change, err := event.Change(kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := trigger.Route(r.Context(), h.svc, change); err != nil {
		slog.WarnContext(r.Context(), "Trigger handling failed", "jobId", change.ID, "collection", change.Collection, "kind", kind, "error", err)
	}
	writeText(w, http.StatusOK, bodyOK)
}

// RetryHandler handles POST /v2/handlers/retry, the task-queue retry target.
func (h *Handler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := h.decodeTask(w, r)
	if !ok {
		return
	}
	if err := h.svc.Retry(r.Context(), t.Collection, t.JobID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, bodyOK)
}

// ErrorHandler handles POST /v2/handlers/error, the task-queue error target.
func (h *Handler) ErrorHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := h.decodeTask(w, r)
	if !ok {
		return
	}
	if err := h.svc.Escalate(r.Context(), t.Collection, t.JobID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, bodyOK)
}

func (h *Handler) decodeTask(w http.ResponseWriter, r *http.Request) (tasks.Task, bool) {
	var t tasks.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&t); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid task: "+err.Error())
		return t, false
	}
	if t.Collection == "" {
		t.Collection = h.svc.Collection()
	}
	if t.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid task: jobId is required")
		return t, false
	}
	return t, true
}

// GetJob handles GET /v1/jobs/{collection}/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	collection, jobID := r.PathValue("collection"), r.PathValue("jobId")
	if collection == "" || jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Collection and job ID are required")
		return
	}

	j, err := h.svc.Get(r.Context(), collection, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the store is unavailable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// methodNotAllowed answers any request with 405 and the allowed method.
func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := apperrors.MethodNotAllowed(r.Method)
		w.Header().Set("Allow", allow)
		writeText(w, apperrors.HTTPStatus(err), err.Error())
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
