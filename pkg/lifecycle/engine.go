package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clinforge/edc/pkg/audit"
	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/clinforge/edc/pkg/eligibility"
	"github.com/clinforge/edc/pkg/notify"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound marks a lookup of a CRF instance that does not exist, so
// transport layers can separate it from infrastructure failures.
var ErrNotFound = errors.New("crf instance not found")

// ConfigResolver resolves the effective workflow policy for a form within a
// study.
type ConfigResolver interface {
	Resolve(ctx context.Context, formDefinitionID, studyID uuid.UUID) (models.WorkflowConfig, error)
}

// Engine drives every CRF lifecycle transition. Each mutating operation
// re-validates eligibility and applies its conditional update inside one
// transaction; the audit row commits with the mutation. Notification
// dispatch happens after commit and never affects the result.
type Engine struct {
	db         *gorm.DB
	repo       *Repository
	configs    ConfigResolver
	evaluator  *eligibility.Evaluator
	recorder   *audit.Recorder
	dispatcher notify.Dispatcher
}

func NewEngine(db *gorm.DB, repo *Repository, configs ConfigResolver, evaluator *eligibility.Evaluator, recorder *audit.Recorder, dispatcher notify.Dispatcher) *Engine {
	if dispatcher == nil {
		dispatcher = notify.Noop{}
	}
	return &Engine{
		db:         db,
		repo:       repo,
		configs:    configs,
		evaluator:  evaluator,
		recorder:   recorder,
		dispatcher: dispatcher,
	}
}

// Lock sets a CRF instance to locked once every precondition holds: data
// entry complete, zero open queries, SDV done when required, signed when
// required. Re-locking a locked instance is a benign no-op failure.
func (e *Engine) Lock(ctx context.Context, crfID uuid.UUID, actor string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crf, cfg, res, err := e.loadForTransition(ctx, tx, crfID)
		if err != nil {
			return err
		}
		if res != nil {
			result = *res
			return nil
		}
		if crf.Status == models.CRFStatusLocked {
			result = rejected("form is already locked")
			return nil
		}
		reasons, err := e.lockReasons(tx, crf, cfg)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			result = models.TransitionResult{
				Success: false,
				Message: strings.Join(reasons, "; "),
				Reasons: reasons,
			}
			return nil
		}
		affected, err := e.repo.lockTx(tx, crfID)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("form state changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "form locked"}
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "crf_locked",
			Entity:   "crf_instance",
			EntityID: crfID.String(),
			OldValue: string(crf.Status),
			NewValue: string(models.CRFStatusLocked),
		})
	})
	if err != nil {
		return result, err
	}
	if result.Success {
		e.notifyTransition(ctx, "crf_locked", crfID, actor)
	}
	return result, nil
}

// Unlock reverts a locked instance to data complete.
func (e *Engine) Unlock(ctx context.Context, crfID uuid.UUID, actor string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crf, err := e.repo.getTx(tx, crfID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(crfID)
			return nil
		}
		if err != nil {
			return err
		}
		if crf.Status != models.CRFStatusLocked {
			result = rejected("form is not locked")
			return nil
		}
		affected, err := e.repo.unlockTx(tx, crfID)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("form state changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "form unlocked"}
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "crf_unlocked",
			Entity:   "crf_instance",
			EntityID: crfID.String(),
			OldValue: string(models.CRFStatusLocked),
			NewValue: string(models.CRFStatusDataComplete),
		})
	})
	if err != nil {
		return result, err
	}
	if result.Success {
		e.notifyTransition(ctx, "crf_unlocked", crfID, actor)
	}
	return result, nil
}

// Freeze applies the reversible pre-lock protection. Locked and removed
// instances are rejected; freezing requires the same completion and
// open-query conditions as locking but no SDV or signature.
func (e *Engine) Freeze(ctx context.Context, crfID uuid.UUID, actor string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crf, err := e.repo.getTx(tx, crfID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(crfID)
			return nil
		}
		if err != nil {
			return err
		}
		reasons, err := e.freezeReasons(tx, crf)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			result = models.TransitionResult{
				Success: false,
				Message: strings.Join(reasons, "; "),
				Reasons: reasons,
			}
			return nil
		}
		affected, err := e.repo.freezeTx(tx, crfID)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("form state changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "form frozen"}
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "crf_frozen",
			Entity:   "crf_instance",
			EntityID: crfID.String(),
			OldValue: "frozen=false",
			NewValue: "frozen=true",
		})
	})
	if err != nil {
		return result, err
	}
	if result.Success {
		e.notifyTransition(ctx, "crf_frozen", crfID, actor)
	}
	return result, nil
}

// Unfreeze clears the frozen overlay. The reason is mandatory and goes to
// the audit trail; status and completion phase are untouched.
func (e *Engine) Unfreeze(ctx context.Context, crfID uuid.UUID, actor, reason string) (models.TransitionResult, error) {
	if reason == "" {
		return rejected("a reason is required to unfreeze a form"), nil
	}
	var result models.TransitionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crf, err := e.repo.getTx(tx, crfID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(crfID)
			return nil
		}
		if err != nil {
			return err
		}
		if !crf.Frozen {
			result = rejected("form is not frozen")
			return nil
		}
		affected, err := e.repo.unfreezeTx(tx, crfID)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("form state changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "form unfrozen"}
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "crf_unfrozen",
			Entity:   "crf_instance",
			EntityID: crfID.String(),
			OldValue: "frozen=true",
			NewValue: "frozen=false",
			Reason:   reason,
		})
	})
	if err != nil {
		return result, err
	}
	if result.Success {
		e.notifyTransition(ctx, "crf_unfrozen", crfID, actor)
	}
	return result, nil
}

// MarkSDV records source-data verification on an instance. Locked and
// removed instances are rejected; re-marking is a benign no-op failure.
func (e *Engine) MarkSDV(ctx context.Context, crfID uuid.UUID, actor string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crf, err := e.repo.getTx(tx, crfID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(crfID)
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case crf.Status == models.CRFStatusLocked:
			result = rejected("form is locked")
			return nil
		case crf.Status.Removed():
			result = rejected("form has been removed")
			return nil
		case crf.SDVVerified:
			result = rejected("form is already SDV verified")
			return nil
		}
		affected, err := e.repo.markSDVTx(tx, crfID)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("form state changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "SDV recorded"}
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "crf_sdv_verified",
			Entity:   "crf_instance",
			EntityID: crfID.String(),
			OldValue: "sdv_verified=false",
			NewValue: "sdv_verified=true",
		})
	})
	if err != nil {
		return result, err
	}
	if result.Success {
		e.notifyTransition(ctx, "crf_sdv_verified", crfID, actor)
	}
	return result, nil
}

// Batch variants apply the single-record operation per id, each in its own
// transaction. The group is not atomic: one bad record never blocks the
// rest.

func (e *Engine) BatchLock(ctx context.Context, ids []uuid.UUID, actor string) models.BatchResult {
	return e.batch(ctx, ids, actor, e.Lock)
}

func (e *Engine) BatchUnlock(ctx context.Context, ids []uuid.UUID, actor string) models.BatchResult {
	return e.batch(ctx, ids, actor, e.Unlock)
}

func (e *Engine) BatchFreeze(ctx context.Context, ids []uuid.UUID, actor string) models.BatchResult {
	return e.batch(ctx, ids, actor, e.Freeze)
}

func (e *Engine) BatchSDV(ctx context.Context, ids []uuid.UUID, actor string) models.BatchResult {
	return e.batch(ctx, ids, actor, e.MarkSDV)
}

func (e *Engine) batch(ctx context.Context, ids []uuid.UUID, actor string, op func(context.Context, uuid.UUID, string) (models.TransitionResult, error)) models.BatchResult {
	result := models.BatchResult{}
	for _, id := range ids {
		res, err := op(ctx, id, actor)
		switch {
		case err != nil:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("CRF %s: %v", id, err))
		case !res.Success:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("CRF %s: %s", id, res.Message))
		default:
			result.SucceededCount++
		}
	}
	result.Success = result.FailedCount == 0
	return result
}

// Status reports the derived phase, the configured phase path split into
// completed and pending, the transitions available now, and the open query
// count.
func (e *Engine) Status(ctx context.Context, crfID uuid.UUID) (models.LifecycleStatus, error) {
	db := e.db.WithContext(ctx)
	crf, err := e.repo.getTx(db, crfID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.LifecycleStatus{}, fmt.Errorf("%s: %w", crfID, ErrNotFound)
	}
	if err != nil {
		return models.LifecycleStatus{}, err
	}
	event, err := e.repo.getEventTx(db, crf.StudyEventID)
	if err != nil {
		return models.LifecycleStatus{}, fmt.Errorf("failed to load study event: %w", err)
	}
	cfg, err := e.configs.Resolve(ctx, crf.FormDefinitionID, event.StudyID)
	if err != nil {
		return models.LifecycleStatus{}, err
	}
	report, err := e.evaluator.ReportForCRF(db, crf, cfg)
	if err != nil {
		return models.LifecycleStatus{}, err
	}

	current := DerivePhase(formState(crf), cfg)
	path := PhasePath(cfg)
	completed, pending := SplitPath(path, current)

	return models.LifecycleStatus{
		CRFInstanceID:        crf.ID,
		CurrentPhase:         string(current),
		CompletedPhases:      phaseStrings(completed),
		PendingPhases:        phaseStrings(pending),
		AvailableTransitions: e.availableTransitions(crf, cfg, report),
		WorkflowConfig:       cfg,
		OpenQueryCount:       report.OpenQueryCount,
		Frozen:               crf.Frozen,
	}, nil
}

// ScheduleEvent creates a study event together with one available CRF
// instance per attached form definition.
func (e *Engine) ScheduleEvent(ctx context.Context, req models.ScheduleEventRequest) (models.StudyEvent, error) {
	var event models.StudyEvent
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := e.repo.createEventTx(tx, req)
		if err != nil {
			return err
		}
		event = created
		return e.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    req.Actor,
			Action:   "event_scheduled",
			Entity:   "study_event",
			EntityID: created.ID.String(),
			Payload: map[string]interface{}{
				"subject_id": req.SubjectID.String(),
				"study_id":   req.StudyID.String(),
				"form_count": len(req.FormDefinitionIDs),
			},
		})
	})
	if err != nil {
		return models.StudyEvent{}, err
	}
	return event, nil
}

// loadForTransition loads the instance and its effective workflow config.
// The returned result is non-nil for benign not-found outcomes.
func (e *Engine) loadForTransition(ctx context.Context, tx *gorm.DB, crfID uuid.UUID) (models.CRFInstance, models.WorkflowConfig, *models.TransitionResult, error) {
	crf, err := e.repo.getTx(tx, crfID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		res := notFound(crfID)
		return models.CRFInstance{}, models.WorkflowConfig{}, &res, nil
	}
	if err != nil {
		return models.CRFInstance{}, models.WorkflowConfig{}, nil, err
	}
	event, err := e.repo.getEventTx(tx, crf.StudyEventID)
	if err != nil {
		return models.CRFInstance{}, models.WorkflowConfig{}, nil, fmt.Errorf("failed to load study event: %w", err)
	}
	cfg, err := e.configs.Resolve(ctx, crf.FormDefinitionID, event.StudyID)
	if err != nil {
		return models.CRFInstance{}, models.WorkflowConfig{}, nil, err
	}
	return crf, cfg, nil, nil
}

func (e *Engine) lockReasons(tx *gorm.DB, crf models.CRFInstance, cfg models.WorkflowConfig) ([]string, error) {
	report, err := e.evaluator.ReportForCRF(tx, crf, cfg)
	if err != nil {
		return nil, err
	}

	var reasons []string
	if crf.Status.Removed() {
		reasons = append(reasons, "form has been removed")
	}
	if report.OpenQueryCount > 0 {
		reasons = append(reasons, openQueryLockReason(report.OpenQueryCount))
	}
	if !crf.DataComplete() {
		reasons = append(reasons, "form data entry is not complete")
	}
	if cfg.RequiresSDV && !crf.SDVVerified {
		reasons = append(reasons, "SDV is required but not yet completed")
	}
	if cfg.RequiresSignature && !crf.Signed && crf.CompletionPhase < models.CompletionSigned {
		reasons = append(reasons, "signature is required but not yet applied")
	}
	return reasons, nil
}

func (e *Engine) freezeReasons(tx *gorm.DB, crf models.CRFInstance) ([]string, error) {
	var reasons []string
	switch {
	case crf.Status == models.CRFStatusLocked:
		reasons = append(reasons, "form is locked")
	case crf.Status.Removed():
		reasons = append(reasons, "form has been removed")
	case crf.Frozen:
		reasons = append(reasons, "form is already frozen")
	}
	if len(reasons) > 0 {
		return reasons, nil
	}

	openCount, err := e.evaluator.ReportForCRF(tx, crf, models.WorkflowConfig{})
	if err != nil {
		return nil, err
	}
	if openCount.OpenQueryCount > 0 {
		reasons = append(reasons, openQueryFreezeReason(openCount.OpenQueryCount))
	}
	if !crf.DataComplete() {
		reasons = append(reasons, "form data entry is not complete")
	}
	return reasons, nil
}

func (e *Engine) availableTransitions(crf models.CRFInstance, cfg models.WorkflowConfig, report models.EligibilityReport) []string {
	var available []string
	if crf.Status == models.CRFStatusLocked {
		return append(available, "unlock")
	}
	if crf.Status.Removed() {
		return available
	}
	if report.CanProceed {
		available = append(available, "lock")
	}
	if crf.Frozen {
		available = append(available, "unfreeze")
	} else if report.OpenQueryCount == 0 && crf.DataComplete() {
		available = append(available, "freeze")
	}
	if cfg.RequiresSDV && !crf.SDVVerified {
		available = append(available, "mark_sdv")
	}
	return available
}

func (e *Engine) notifyTransition(ctx context.Context, eventType string, crfID uuid.UUID, actor string) {
	event := models.LifecycleEvent{
		Type:          eventType,
		CRFInstanceID: crfID,
		Actor:         actor,
	}
	if err := e.dispatcher.FormEvent(ctx, event); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_type":      eventType,
			"crf_instance_id": crfID.String(),
		}).Warn("notification dispatch failed")
	}
}

func openQueryLockReason(count int) string {
	if count == 1 {
		return "1 open query must be resolved before locking"
	}
	return fmt.Sprintf("%d open queries must be resolved before locking", count)
}

func openQueryFreezeReason(count int) string {
	if count == 1 {
		return "1 open query must be resolved before freezing"
	}
	return fmt.Sprintf("%d open queries must be resolved before freezing", count)
}

func formState(crf models.CRFInstance) FormState {
	return FormState{
		Status:      crf.Status,
		Completion:  crf.CompletionPhase,
		SDVVerified: crf.SDVVerified,
		Signed:      crf.Signed,
	}
}

func notFound(id uuid.UUID) models.TransitionResult {
	return models.TransitionResult{Success: false, Message: fmt.Sprintf("crf instance %s not found", id)}
}

func rejected(message string) models.TransitionResult {
	return models.TransitionResult{Success: false, Message: message}
}
