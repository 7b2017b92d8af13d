// Package httpx provides the HTTP intake adapter for research jobs.
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/service"
)

// ResearchService is the intake surface the HTTP handlers depend on.
type ResearchService interface {
	Submit(ctx context.Context, asset, clientID string, opts service.SubmitOptions) (string, error)
	GetStatus(ctx context.Context, id string) (*model.JobStatusView, error)
	Withdraw(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Trace(ctx context.Context, id string) ([]*model.ExecutionLogEntry, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	Depth(ctx context.Context) (int64, error)
}

var _ ResearchService = (*service.JobService)(nil)

// ResearchHandlers provides HTTP handlers for research job operations.
type ResearchHandlers struct {
	Svc ResearchService
}

// SubmitRequest is the body of POST /v1/research.
type SubmitRequest struct {
	Asset       string     `json:"asset"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries  int        `json:"max_retries,omitempty"`
}

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// Submit handles HTTP requests to enqueue a research job.
func (h *ResearchHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	client := clientID(r)
	if client == "" {
		writeAppError(w, apperrors.ValidationField("client_id", ClientIDHeader+" header is required"))
		return
	}

	var req SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.Svc.Submit(r.Context(), req.Asset, client, service.SubmitOptions{
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/research/"+id)
	WriteJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, Status: model.JobStatusPending})
}

// GetStatus handles HTTP requests for the status of a research job.
func (h *ResearchHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.Svc.GetStatus(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Withdraw handles HTTP requests to delete a pending research job.
func (h *ResearchHandlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Svc.Withdraw(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles HTTP requests to cancel a pending research job.
func (h *ResearchHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Svc.Cancel(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	view, err := h.Svc.GetStatus(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// TraceResponse is the body of GET /v1/research/{id}/trace.
type TraceResponse struct {
	JobID   string                     `json:"job_id"`
	Entries []*model.ExecutionLogEntry `json:"entries"`
}

// Trace handles HTTP requests for the execution log of a research job.
func (h *ResearchHandlers) Trace(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	entries, err := h.Svc.Trace(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, TraceResponse{JobID: id, Entries: entries})
}

// Stats handles HTTP requests for job counts per status.
func (h *ResearchHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "invalid_path", "job id is required")
		return "", false
	}
	return id, true
}
