package query

import (
	"encoding/json"
	"net/http"

	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/queries", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/queries/{id}/thread", h.handleThread).Methods(http.MethodGet)
	r.HandleFunc("/queries/{id}/respond", h.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/queries/{id}/propose", h.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/queries/{id}/close", h.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/queries/{id}/reopen", h.handleReopen).Methods(http.MethodPost)
	r.HandleFunc("/queries/bulk/close", h.handleBulkClose).Methods(http.MethodPost)
	r.HandleFunc("/queries/bulk/status", h.handleBulkStatus).Methods(http.MethodPost)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.CRFInstanceID == uuid.Nil || req.Body == "" {
		http.Error(w, "crf_instance_id and body are required", http.StatusBadRequest)
		return
	}
	note, err := h.service.Create(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create query")
		http.Error(w, "failed to create query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"query": note})
}

func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}
	thread, err := h.service.Thread(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load query thread")
		http.Error(w, "query not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": thread})
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}
	var req models.RespondQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}
	result, err := h.service.Respond(r.Context(), id, req.Actor, req.Body, req.Advance)
	if err != nil {
		logger.Log.WithError(err).Error("failed to respond to query")
		http.Error(w, "failed to respond to query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}
	var req models.ActorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	result, err := h.service.ProposeResolution(r.Context(), id, req.Actor)
	if err != nil {
		logger.Log.WithError(err).Error("failed to propose resolution")
		http.Error(w, "failed to propose resolution", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}
	var req models.CloseQueryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	result, err := h.service.Close(r.Context(), id, req.Actor, req.Note)
	if err != nil {
		logger.Log.WithError(err).Error("failed to close query")
		http.Error(w, "failed to close query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}
	var req models.ReopenQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	result, err := h.service.Reopen(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		logger.Log.WithError(err).Error("failed to reopen query")
		http.Error(w, "failed to reopen query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBulkClose(w http.ResponseWriter, r *http.Request) {
	var req models.BulkCloseQueriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}
	result, err := h.service.BulkClose(r.Context(), req.IDs, req.Actor, req.Reason)
	if err != nil {
		logger.Log.WithError(err).Error("failed to bulk close queries")
		http.Error(w, "failed to bulk close queries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req models.BulkQueryStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 || req.Status == "" {
		http.Error(w, "ids and status are required", http.StatusBadRequest)
		return
	}
	result, err := h.service.BulkUpdateStatus(r.Context(), req.IDs, req.Actor, req.Status)
	if err != nil {
		logger.Log.WithError(err).Error("failed to bulk update query status")
		http.Error(w, "failed to bulk update query status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
