package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clinforge/edc/pkg/audit"
	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/clinforge/edc/pkg/eligibility"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	engine    *Engine
	evaluator *eligibility.Evaluator
	recorder  *audit.Recorder
}

func NewHandler(engine *Engine, evaluator *eligibility.Evaluator, recorder *audit.Recorder) *Handler {
	return &Handler{engine: engine, evaluator: evaluator, recorder: recorder}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/eligibility/{scope}/{id}", h.handleCheckEligibility).Methods(http.MethodGet)
	r.HandleFunc("/crfs/{id}/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/crfs/{id}/lock", h.handleLock).Methods(http.MethodPost)
	r.HandleFunc("/crfs/{id}/unlock", h.handleUnlock).Methods(http.MethodPost)
	r.HandleFunc("/crfs/{id}/freeze", h.handleFreeze).Methods(http.MethodPost)
	r.HandleFunc("/crfs/{id}/unfreeze", h.handleUnfreeze).Methods(http.MethodPost)
	r.HandleFunc("/crfs/{id}/sdv", h.handleMarkSDV).Methods(http.MethodPost)
	r.HandleFunc("/crfs/batch/{op}", h.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/events", h.handleScheduleEvent).Methods(http.MethodPost)
	r.HandleFunc("/audit/{entity}/{id}", h.handleListAudit).Methods(http.MethodGet)
}

func (h *Handler) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	scope, err := eligibility.ParseScope(mux.Vars(r)["scope"])
	if err != nil {
		http.Error(w, "scope must be subject, event, or crf", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	report, err := h.evaluator.Check(r.Context(), scope, id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to check eligibility")
		http.Error(w, "failed to check eligibility", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid crf id", http.StatusBadRequest)
		return
	}
	status, err := h.engine.Status(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "crf instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to get lifecycle status")
		http.Error(w, "failed to get lifecycle status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Lock)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Unlock)
}

func (h *Handler) handleFreeze(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Freeze)
}

func (h *Handler) handleMarkSDV(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.MarkSDV)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, string) (models.TransitionResult, error)) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid crf id", http.StatusBadRequest)
		return
	}
	var req models.ActorRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := op(r.Context(), id, resolveActor(r, req.Actor))
	if err != nil {
		logger.Log.WithError(err).Error("transition failed")
		http.Error(w, "transition failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid crf id", http.StatusBadRequest)
		return
	}
	var req models.UnfreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	result, err := h.engine.Unfreeze(r.Context(), id, resolveActor(r, req.Actor), req.Reason)
	if err != nil {
		logger.Log.WithError(err).Error("unfreeze failed")
		http.Error(w, "unfreeze failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}
	actor := resolveActor(r, req.Actor)

	var result models.BatchResult
	switch op {
	case "lock":
		result = h.engine.BatchLock(r.Context(), req.IDs, actor)
	case "unlock":
		result = h.engine.BatchUnlock(r.Context(), req.IDs, actor)
	case "freeze":
		result = h.engine.BatchFreeze(r.Context(), req.IDs, actor)
	case "sdv":
		result = h.engine.BatchSDV(r.Context(), req.IDs, actor)
	default:
		http.Error(w, "op must be lock, unlock, freeze, or sdv", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleScheduleEvent(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduleEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.StudyID == uuid.Nil || req.SubjectID == uuid.Nil || req.Name == "" {
		http.Error(w, "study_id, subject_id, and name are required", http.StatusBadRequest)
		return
	}
	req.Actor = resolveActor(r, req.Actor)
	event, err := h.engine.ScheduleEvent(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to schedule study event")
		http.Error(w, "failed to schedule study event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"event": event})
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	entityID := mux.Vars(r)["id"]
	limit := parseLimit(r, 100)
	events, err := h.recorder.List(r.Context(), entity, entityID, limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list audit events")
		http.Error(w, "failed to list audit events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func resolveActor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
