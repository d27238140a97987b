package workflow

import (
	"encoding/json"
	"net/http"

	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/workflow-configs", h.handleUpsert).Methods(http.MethodPost)
	r.HandleFunc("/workflow-configs/{form}/{study}", h.handleResolve).Methods(http.MethodGet)
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertWorkflowConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.FormDefinitionID == uuid.Nil {
		http.Error(w, "form_definition_id is required", http.StatusBadRequest)
		return
	}
	cfg, err := h.resolver.Upsert(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to upsert workflow config")
		http.Error(w, "failed to upsert workflow config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	formID, err := uuid.Parse(mux.Vars(r)["form"])
	if err != nil {
		http.Error(w, "invalid form definition id", http.StatusBadRequest)
		return
	}
	studyID, err := uuid.Parse(mux.Vars(r)["study"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	cfg, err := h.resolver.Resolve(r.Context(), formID, studyID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to resolve workflow config")
		http.Error(w, "failed to resolve workflow config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
