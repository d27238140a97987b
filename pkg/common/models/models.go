package models

import (
	"time"

	"github.com/google/uuid"
)

// CRFStatus is the stored availability status of a CRF instance. Instances
// are never deleted; removal is a status transition.
type CRFStatus string

const (
	CRFStatusAvailable    CRFStatus = "available"
	CRFStatusDataComplete CRFStatus = "data_complete"
	CRFStatusLocked       CRFStatus = "locked"
	CRFStatusRemoved      CRFStatus = "removed"
	CRFStatusAutoRemoved  CRFStatus = "auto_removed"
)

func (s CRFStatus) Removed() bool {
	return s == CRFStatusRemoved || s == CRFStatusAutoRemoved
}

// CompletionPhase is the ordinal data-entry maturity marker stored on a CRF
// instance. The effective lifecycle phase is derived, not stored.
type CompletionPhase int

const (
	CompletionNotStarted CompletionPhase = iota
	CompletionDataEntry
	CompletionDataEntryComplete
	CompletionDDEVerified
	CompletionSDVComplete
	CompletionSigned
)

func (p CompletionPhase) String() string {
	switch p {
	case CompletionNotStarted:
		return "not_started"
	case CompletionDataEntry:
		return "data_entry"
	case CompletionDataEntryComplete:
		return "data_entry_complete"
	case CompletionDDEVerified:
		return "dde_verified"
	case CompletionSDVComplete:
		return "sdv_complete"
	case CompletionSigned:
		return "signed"
	}
	return "unknown"
}

type CRFInstance struct {
	ID               uuid.UUID       `json:"id"`
	StudyEventID     uuid.UUID       `json:"study_event_id"`
	FormDefinitionID uuid.UUID       `json:"form_definition_id"`
	FormVersion      int             `json:"form_version"`
	Status           CRFStatus       `json:"status"`
	CompletionPhase  CompletionPhase `json:"completion_phase"`
	SDVVerified      bool            `json:"sdv_verified"`
	Signed           bool            `json:"signed"`
	Frozen           bool            `json:"frozen"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DataComplete reports whether data entry is finished: status data_complete
// or locked, or a completion phase at or past data_entry_complete. The
// eligibility evaluator and the lifecycle engine share this predicate.
func (c CRFInstance) DataComplete() bool {
	return c.Status == CRFStatusDataComplete || c.Status == CRFStatusLocked ||
		c.CompletionPhase >= CompletionDataEntryComplete
}

type StudyEvent struct {
	ID         uuid.UUID     `json:"id"`
	StudyID    uuid.UUID     `json:"study_id"`
	SubjectID  uuid.UUID     `json:"subject_id"`
	Name       string        `json:"name"`
	EventOrder int           `json:"event_order"`
	Status     string        `json:"status"`
	Forms      []CRFInstance `json:"forms,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// WorkflowConfig is the per-form-definition lock policy. A study-specific row
// overrides the form-level row.
type WorkflowConfig struct {
	FormDefinitionID  uuid.UUID  `json:"form_definition_id"`
	StudyID           *uuid.UUID `json:"study_id,omitempty"`
	RequiresSDV       bool       `json:"requires_sdv"`
	RequiresSignature bool       `json:"requires_signature"`
	RequiresDDE       bool       `json:"requires_dde"`
}

// QueryStatus is the resolution status of a discrepancy note. A note with
// status new, updated, or resolution_proposed counts as open.
type QueryStatus string

const (
	QueryStatusNew                QueryStatus = "new"
	QueryStatusUpdated            QueryStatus = "updated"
	QueryStatusResolutionProposed QueryStatus = "resolution_proposed"
	QueryStatusClosed             QueryStatus = "closed"
)

func (s QueryStatus) Open() bool {
	return s == QueryStatusNew || s == QueryStatusUpdated || s == QueryStatusResolutionProposed
}

type QueryType string

const (
	QueryTypeQuery         QueryType = "query"
	QueryTypeInformational QueryType = "informational"
)

type QueryNote struct {
	ID               uuid.UUID   `json:"id"`
	CRFInstanceID    uuid.UUID   `json:"crf_instance_id"`
	ItemPath         *string     `json:"item_path,omitempty"`
	ParentID         *uuid.UUID  `json:"parent_id,omitempty"`
	NoteType         QueryType   `json:"note_type"`
	ResolutionStatus QueryStatus `json:"resolution_status"`
	Owner            string      `json:"owner"`
	Body             string      `json:"body"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type EligibilityReport struct {
	CanProceed          bool     `json:"can_proceed"`
	Reasons             []string `json:"reasons,omitempty"`
	OpenQueryCount      int      `json:"open_query_count"`
	IncompleteFormCount int      `json:"incomplete_form_count"`
	TotalForms          int      `json:"total_forms"`
	CompletedForms      int      `json:"completed_forms"`
	PendingSDVCount     int      `json:"pending_sdv_count"`
}

// TransitionResult is the outcome of a single lifecycle or query transition.
// Business rejections land here; only infrastructure failures surface as
// errors.
type TransitionResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

type BatchResult struct {
	Success        bool     `json:"success"`
	SucceededCount int      `json:"succeeded_count"`
	FailedCount    int      `json:"failed_count"`
	Errors         []string `json:"errors,omitempty"`
}

type BulkQueryResult struct {
	UpdatedCount int      `json:"updated_count"`
	FailedCount  int      `json:"failed_count"`
	Errors       []string `json:"errors,omitempty"`
}

type LifecycleStatus struct {
	CRFInstanceID        uuid.UUID      `json:"crf_instance_id"`
	CurrentPhase         string         `json:"current_phase"`
	CompletedPhases      []string       `json:"completed_phases"`
	PendingPhases        []string       `json:"pending_phases"`
	AvailableTransitions []string       `json:"available_transitions"`
	WorkflowConfig       WorkflowConfig `json:"workflow_config"`
	OpenQueryCount       int            `json:"open_query_count"`
	Frozen               bool           `json:"frozen"`
}

type AuditEvent struct {
	ID        int64                  `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entity_id"`
	OldValue  string                 `json:"old_value,omitempty"`
	NewValue  string                 `json:"new_value,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// LifecycleEvent is the fire-and-forget notification payload published after
// a committed transition.
type LifecycleEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	CRFInstanceID uuid.UUID              `json:"crf_instance_id"`
	Actor         string                 `json:"actor"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

type ScheduleEventRequest struct {
	StudyID           uuid.UUID   `json:"study_id"`
	SubjectID         uuid.UUID   `json:"subject_id"`
	Name              string      `json:"name"`
	EventOrder        int         `json:"event_order"`
	FormDefinitionIDs []uuid.UUID `json:"form_definition_ids"`
	Actor             string      `json:"actor,omitempty"`
}

type CreateQueryRequest struct {
	CRFInstanceID uuid.UUID `json:"crf_instance_id"`
	ItemPath      *string   `json:"item_path,omitempty"`
	NoteType      QueryType `json:"note_type,omitempty"`
	Owner         string    `json:"owner"`
	Body          string    `json:"body"`
}

type RespondQueryRequest struct {
	Actor   string `json:"actor"`
	Body    string `json:"body"`
	Advance bool   `json:"advance,omitempty"`
}

type CloseQueryRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
}

type ReopenQueryRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
}

type UnfreezeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type BatchRequest struct {
	IDs   []uuid.UUID `json:"ids"`
	Actor string      `json:"actor"`
}

type BulkCloseQueriesRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Actor  string      `json:"actor"`
	Reason string      `json:"reason,omitempty"`
}

type BulkQueryStatusRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Actor  string      `json:"actor"`
	Status QueryStatus `json:"status"`
}

type UpsertWorkflowConfigRequest struct {
	FormDefinitionID  uuid.UUID  `json:"form_definition_id"`
	StudyID           *uuid.UUID `json:"study_id,omitempty"`
	RequiresSDV       bool       `json:"requires_sdv"`
	RequiresSignature bool       `json:"requires_signature"`
	RequiresDDE       bool       `json:"requires_dde"`
}
