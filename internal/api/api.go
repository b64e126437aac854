// Package api exposes the operator HTTP surface: submit, cancel and
// inspect operations, browse and replay dead letters, and health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/deadletter"
	"github.com/classtrack/sync-server/internal/health"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/orchestrator"
	"github.com/classtrack/sync-server/internal/progress"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/state"
)

// Handler bundles the dependencies the operator surface serves from.
type Handler struct {
	orch    *orchestrator.Orchestrator
	dlq     deadletter.Queue
	monitor *health.Monitor
	logger  *slog.Logger
}

// NewRouter builds the chi router for the operator surface.
func NewRouter(
	orch *orchestrator.Orchestrator,
	dlq deadletter.Queue,
	monitor *health.Monitor,
	logger *slog.Logger,
) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{orch: orch, dlq: dlq, monitor: monitor, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/operations", func(r chi.Router) {
			r.Post("/", h.submitOperation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getOperation)
				r.Delete("/", h.cancelOperation)
				r.Get("/progress", h.getProgress)
			})
		})
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", h.listDeadLetters)
			r.Post("/{id}/replay", h.replayDeadLetter)
		})
	})
	return r
}

// submitRequest is the POST /v1/operations payload.
type submitRequest struct {
	Type      operation.Type     `json:"type"`
	Source    string             `json:"source"`
	Target    string             `json:"target,omitempty"`
	DateRange sources.DateRange  `json:"dateRange"`
	Priority  int                `json:"priority,omitempty"`
	Options   *operation.Options `json:"options,omitempty"`
	CreatedBy string             `json:"createdBy,omitempty"`
}

func (h *Handler) submitOperation(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "operator"
	}
	op, err := operation.New(req.Type, req.Source, req.Target, req.DateRange, createdBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op.Priority = req.Priority
	if req.Options != nil {
		op.Options = *req.Options
	}

	id, err := h.orch.Submit(r.Context(), op)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"operationId": id.String(),
		"status":      string(op.Status),
	})
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	op, err := h.orch.GetStatus(r.Context(), id)
	if errors.Is(err, state.ErrOperationNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load operation", "operation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"operationId": id.String()})
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.orch.GetProgress(id)
	if errors.Is(err, progress.ErrNotTracked) {
		// Not running: fall back to the persisted counters.
		op, err := h.orch.GetStatus(r.Context(), id)
		if errors.Is(err, state.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load operation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"operationId": op.ID.String(),
			"status":      string(op.Status),
			"counters":    op.Counters,
			"total":       op.TotalRecords,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	var operationID *uuid.UUID
	if raw := r.URL.Query().Get("operation"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid operation id")
			return
		}
		operationID = &id
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.dlq.List(r.Context(), operationID, limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.orch.ReplayDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, deadletter.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "dead letter entry not found")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": id.String()})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	report := h.monitor.Report()

	status := http.StatusOK
	if report.Aggregate == health.VerdictUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
