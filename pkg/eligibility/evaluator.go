// Package eligibility computes, for a subject, a study event, or a single
// CRF instance, the blocking conditions that gate lifecycle transitions:
// open queries, incomplete required forms, and pending source-data
// verification. Pure reads; no side effects.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Scope selects the aggregation level of an eligibility check.
type Scope string

const (
	ScopeSubject Scope = "subject"
	ScopeEvent   Scope = "event"
	ScopeCRF     Scope = "crf"
)

func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case ScopeSubject, ScopeEvent, ScopeCRF:
		return Scope(raw), nil
	}
	return "", fmt.Errorf("unknown eligibility scope %q", raw)
}

// QueryCounter is implemented by the query workflow repository.
type QueryCounter interface {
	OpenCount(db *gorm.DB, crfID uuid.UUID) (int64, error)
	OpenCountForCRFs(db *gorm.DB, crfIDs []uuid.UUID) (int64, error)
}

// ConfigResolver is implemented by the workflow configuration resolver.
type ConfigResolver interface {
	Resolve(ctx context.Context, formDefinitionID, studyID uuid.UUID) (models.WorkflowConfig, error)
}

type Evaluator struct {
	db      *gorm.DB
	queries QueryCounter
	configs ConfigResolver
}

func NewEvaluator(db *gorm.DB, queries QueryCounter, configs ConfigResolver) *Evaluator {
	return &Evaluator{db: db, queries: queries, configs: configs}
}

// Read-only projections of the lifecycle tables.

type crfRow struct {
	ID               uuid.UUID `gorm:"column:id"`
	StudyEventID     uuid.UUID `gorm:"column:study_event_id"`
	FormDefinitionID uuid.UUID `gorm:"column:form_definition_id"`
	Status           string    `gorm:"column:status"`
	CompletionPhase  int       `gorm:"column:completion_phase"`
	SDVVerified      bool      `gorm:"column:sdv_verified"`
	Signed           bool      `gorm:"column:signed"`
	Frozen           bool      `gorm:"column:frozen"`
}

func (crfRow) TableName() string { return "crf_instances" }

type eventRow struct {
	ID        uuid.UUID `gorm:"column:id"`
	StudyID   uuid.UUID `gorm:"column:study_id"`
	SubjectID uuid.UUID `gorm:"column:subject_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (eventRow) TableName() string { return "study_events" }

// Check produces the eligibility report for the requested scope.
func (e *Evaluator) Check(ctx context.Context, scope Scope, id uuid.UUID) (models.EligibilityReport, error) {
	switch scope {
	case ScopeCRF:
		return e.checkCRF(ctx, id)
	case ScopeEvent:
		return e.checkEvent(ctx, id)
	case ScopeSubject:
		return e.checkSubject(ctx, id)
	}
	return models.EligibilityReport{}, fmt.Errorf("unknown eligibility scope %q", scope)
}

func (e *Evaluator) checkCRF(ctx context.Context, crfID uuid.UUID) (models.EligibilityReport, error) {
	db := e.db.WithContext(ctx)
	var crf crfRow
	if err := db.First(&crf, "id = ?", crfID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EligibilityReport{}, fmt.Errorf("crf instance %s not found", crfID)
		}
		return models.EligibilityReport{}, err
	}
	var event eventRow
	if err := db.First(&event, "id = ?", crf.StudyEventID).Error; err != nil {
		return models.EligibilityReport{}, fmt.Errorf("failed to load study event for crf %s: %w", crfID, err)
	}
	cfg, err := e.configs.Resolve(ctx, crf.FormDefinitionID, event.StudyID)
	if err != nil {
		return models.EligibilityReport{}, err
	}
	return e.ReportForCRF(db, toInstance(crf), cfg)
}

// ReportForCRF builds the single-instance report through the supplied
// database handle, which may be an open transaction. The lifecycle engine
// uses this to re-validate inside its transition transactions.
func (e *Evaluator) ReportForCRF(db *gorm.DB, crf models.CRFInstance, cfg models.WorkflowConfig) (models.EligibilityReport, error) {
	openCount, err := e.queries.OpenCount(db, crf.ID)
	if err != nil {
		return models.EligibilityReport{}, fmt.Errorf("failed to count open queries: %w", err)
	}

	report := models.EligibilityReport{
		OpenQueryCount: int(openCount),
		TotalForms:     1,
	}
	complete := crf.DataComplete()
	if complete {
		report.CompletedForms = 1
	} else {
		report.IncompleteFormCount = 1
	}
	if cfg.RequiresSDV && !crf.SDVVerified {
		report.PendingSDVCount = 1
	}

	if crf.Status.Removed() {
		report.Reasons = append(report.Reasons, "form has been removed")
	}
	if openCount > 0 {
		report.Reasons = append(report.Reasons, openQueryReason(openCount))
	}
	if !complete {
		report.Reasons = append(report.Reasons, "form data entry is not complete")
	}
	if report.PendingSDVCount > 0 {
		report.Reasons = append(report.Reasons, "SDV is required but not yet completed")
	}
	if cfg.RequiresSignature && !crf.Signed && crf.CompletionPhase < models.CompletionSigned {
		report.Reasons = append(report.Reasons, "signature is required but not yet applied")
	}
	report.CanProceed = len(report.Reasons) == 0
	return report, nil
}

func (e *Evaluator) checkEvent(ctx context.Context, eventID uuid.UUID) (models.EligibilityReport, error) {
	db := e.db.WithContext(ctx)
	var event eventRow
	if err := db.First(&event, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EligibilityReport{}, fmt.Errorf("study event %s not found", eventID)
		}
		return models.EligibilityReport{}, err
	}
	var crfs []crfRow
	if err := db.Where("study_event_id = ? AND status NOT IN ?", eventID, removedStatuses()).
		Find(&crfs).Error; err != nil {
		return models.EligibilityReport{}, err
	}
	return e.aggregate(ctx, db, crfs, map[uuid.UUID]uuid.UUID{eventID: event.StudyID})
}

func (e *Evaluator) checkSubject(ctx context.Context, subjectID uuid.UUID) (models.EligibilityReport, error) {
	db := e.db.WithContext(ctx)
	var events []eventRow
	if err := db.Where("subject_id = ?", subjectID).Find(&events).Error; err != nil {
		return models.EligibilityReport{}, err
	}
	studyByEvent := make(map[uuid.UUID]uuid.UUID, len(events))
	eventIDs := make([]uuid.UUID, 0, len(events))
	for _, event := range events {
		studyByEvent[event.ID] = event.StudyID
		eventIDs = append(eventIDs, event.ID)
	}
	var crfs []crfRow
	if len(eventIDs) > 0 {
		if err := db.Where("study_event_id IN ? AND status NOT IN ?", eventIDs, removedStatuses()).
			Find(&crfs).Error; err != nil {
			return models.EligibilityReport{}, err
		}
	}
	return e.aggregate(ctx, db, crfs, studyByEvent)
}

func (e *Evaluator) aggregate(ctx context.Context, db *gorm.DB, crfs []crfRow, studyByEvent map[uuid.UUID]uuid.UUID) (models.EligibilityReport, error) {
	report := models.EligibilityReport{TotalForms: len(crfs)}

	crfIDs := make([]uuid.UUID, 0, len(crfs))
	for _, crf := range crfs {
		crfIDs = append(crfIDs, crf.ID)
		if toInstance(crf).DataComplete() {
			report.CompletedForms++
		} else {
			report.IncompleteFormCount++
		}
		cfg, err := e.configs.Resolve(ctx, crf.FormDefinitionID, studyByEvent[crf.StudyEventID])
		if err != nil {
			return models.EligibilityReport{}, err
		}
		if cfg.RequiresSDV && !crf.SDVVerified {
			report.PendingSDVCount++
		}
	}

	openCount, err := e.queries.OpenCountForCRFs(db, crfIDs)
	if err != nil {
		return models.EligibilityReport{}, fmt.Errorf("failed to count open queries: %w", err)
	}
	report.OpenQueryCount = int(openCount)

	if report.OpenQueryCount > 0 {
		report.Reasons = append(report.Reasons, openQueryReason(int64(report.OpenQueryCount)))
	}
	if report.IncompleteFormCount > 0 {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("%d of %d required forms are incomplete", report.IncompleteFormCount, report.TotalForms))
	}
	if report.PendingSDVCount > 0 {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("SDV is pending on %d forms", report.PendingSDVCount))
	}
	report.CanProceed = len(report.Reasons) == 0
	return report, nil
}

func openQueryReason(count int64) string {
	if count == 1 {
		return "1 open query must be resolved"
	}
	return fmt.Sprintf("%d open queries must be resolved", count)
}

func removedStatuses() []string {
	return []string{string(models.CRFStatusRemoved), string(models.CRFStatusAutoRemoved)}
}

func toInstance(row crfRow) models.CRFInstance {
	return models.CRFInstance{
		ID:               row.ID,
		StudyEventID:     row.StudyEventID,
		FormDefinitionID: row.FormDefinitionID,
		Status:           models.CRFStatus(row.Status),
		CompletionPhase:  models.CompletionPhase(row.CompletionPhase),
		SDVVerified:      row.SDVVerified,
		Signed:           row.Signed,
		Frozen:           row.Frozen,
	}
}
