package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
	"github.com/ternarybob/shutter/internal/models"
)

// BatchHandler exposes the batch engine.
type BatchHandler struct {
	batch  interfaces.BatchService
	logger arbor.ILogger
}

func NewBatchHandler(batch interfaces.BatchService, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{batch: batch, logger: logger}
}

type submitRequest struct {
	Items  []models.ItemRequest `json:"items"`
	Config models.JobConfig     `json:"config"`
	UserID string               `json:"user_id"`
}

// Submit handles POST /api/batch.
func (h *BatchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, common.NewServiceError(common.ErrValidation, "malformed request", err))
		return
	}

	status, err := h.batch.Submit(r.Context(), req.Items, req.Config, req.UserID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, status)
}

// Job routes /api/batch/{id}[/results|/cancel|/schedule|/recurrence].
func (h *BatchHandler) Job(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/batch/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		WriteError(w, common.ValidationError("job id required"))
		return
	}

	switch action {
	case "":
		h.status(w, r, jobID)
	case "results":
		h.results(w, r, jobID)
	case "cancel":
		h.cancel(w, r, jobID)
	case "schedule":
		h.schedule(w, r, jobID)
	case "recurrence":
		h.recurrence(w, r, jobID)
	default:
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	}
}

func (h *BatchHandler) status(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	status, err := h.batch.JobStatus(jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *BatchHandler) results(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	results, err := h.batch.JobResults(jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, results)
}

func (h *BatchHandler) cancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.batch.Cancel(jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}

func (h *BatchHandler) schedule(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		ScheduledTime string `json:"scheduled_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, common.NewServiceError(common.ErrValidation, "malformed request", err))
		return
	}
	if err := h.batch.Schedule(jobID, body.ScheduledTime); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id":         jobID,
		"status":         "scheduled",
		"scheduled_time": body.ScheduledTime,
	})
}

func (h *BatchHandler) recurrence(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Pattern  models.RecurrencePattern `json:"pattern"`
		Interval int                      `json:"interval"`
		Count    int                      `json:"count"`
		Cron     string                   `json:"cron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, common.NewServiceError(common.ErrValidation, "malformed request", err))
		return
	}
	if body.Interval == 0 {
		body.Interval = 1
	}
	if err := h.batch.SetRecurrence(jobID, body.Pattern, body.Interval, body.Count, body.Cron); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":     jobID,
		"recurrence": body.Pattern,
		"interval":   body.Interval,
		"count":      body.Count,
	})
}
