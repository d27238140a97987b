package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinforge/edc/pkg/audit"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	repo     *Repository
	recorder *audit.Recorder
}

func NewService(db *gorm.DB, repo *Repository, recorder *audit.Recorder) *Service {
	return &Service{db: db, repo: repo, recorder: recorder}
}

func (s *Service) Create(ctx context.Context, req models.CreateQueryRequest) (models.QueryNote, error) {
	noteType := req.NoteType
	if noteType == "" {
		noteType = models.QueryTypeQuery
	}
	var created models.QueryNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.repo.create(tx, models.QueryNote{
			CRFInstanceID:    req.CRFInstanceID,
			ItemPath:         req.ItemPath,
			NoteType:         noteType,
			ResolutionStatus: models.QueryStatusNew,
			Owner:            req.Owner,
			Body:             req.Body,
		})
		if err != nil {
			return err
		}
		created = note
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    req.Owner,
			Action:   "query_created",
			Entity:   "query",
			EntityID: note.ID.String(),
			NewValue: string(models.QueryStatusNew),
			Payload: map[string]interface{}{
				"crf_instance_id": req.CRFInstanceID.String(),
				"note_type":       string(noteType),
			},
		})
	})
	if err != nil {
		return models.QueryNote{}, err
	}
	return created, nil
}

// Respond appends a response note to a non-terminal query thread. When
// advance is set a query still in new moves to updated.
func (s *Service) Respond(ctx context.Context, queryID uuid.UUID, actor, body string, advance bool) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.repo.get(tx, queryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(queryID)
			return nil
		}
		if err != nil {
			return err
		}
		if res, ok := rootOnly(root); !ok {
			result = res
			return nil
		}
		if root.ResolutionStatus == models.QueryStatusClosed {
			result = rejected("query is closed; reopen it before responding")
			return nil
		}

		status := root.ResolutionStatus
		if advance && root.ResolutionStatus == models.QueryStatusNew {
			affected, err := s.repo.updateStatus(tx, queryID,
				[]models.QueryStatus{models.QueryStatusNew}, models.QueryStatusUpdated)
			if err != nil {
				return err
			}
			if affected == 0 {
				result = rejected("query status changed concurrently")
				return nil
			}
			status = models.QueryStatusUpdated
		}

		parentID := queryID
		if _, err := s.repo.create(tx, models.QueryNote{
			CRFInstanceID:    root.CRFInstanceID,
			ItemPath:         root.ItemPath,
			ParentID:         &parentID,
			NoteType:         root.NoteType,
			ResolutionStatus: status,
			Owner:            actor,
			Body:             body,
		}); err != nil {
			return err
		}

		result = models.TransitionResult{Success: true, Message: "response recorded"}
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "query_responded",
			Entity:   "query",
			EntityID: queryID.String(),
			OldValue: string(root.ResolutionStatus),
			NewValue: string(status),
		})
	})
	return result, err
}

// ProposeResolution moves a query from updated to resolution_proposed.
func (s *Service) ProposeResolution(ctx context.Context, queryID uuid.UUID, actor string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.repo.get(tx, queryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(queryID)
			return nil
		}
		if err != nil {
			return err
		}
		if res, ok := rootOnly(root); !ok {
			result = res
			return nil
		}
		if root.ResolutionStatus != models.QueryStatusUpdated {
			result = rejected(fmt.Sprintf("query is not awaiting resolution (status: %s)", root.ResolutionStatus))
			return nil
		}
		affected, err := s.repo.updateStatus(tx, queryID,
			[]models.QueryStatus{models.QueryStatusUpdated}, models.QueryStatusResolutionProposed)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("query status changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "resolution proposed"}
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "query_resolution_proposed",
			Entity:   "query",
			EntityID: queryID.String(),
			OldValue: string(models.QueryStatusUpdated),
			NewValue: string(models.QueryStatusResolutionProposed),
		})
	})
	return result, err
}

// Close moves any open query to closed. Re-closing a closed query is a
// benign no-op failure.
func (s *Service) Close(ctx context.Context, queryID uuid.UUID, actor, note string) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.repo.get(tx, queryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(queryID)
			return nil
		}
		if err != nil {
			return err
		}
		if res, ok := rootOnly(root); !ok {
			result = res
			return nil
		}
		if root.ResolutionStatus == models.QueryStatusClosed {
			result = rejected("query is already closed")
			return nil
		}
		affected, err := s.repo.updateStatus(tx, queryID, openStatuses, models.QueryStatusClosed)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("query status changed concurrently")
			return nil
		}
		if note != "" {
			parentID := queryID
			if _, err := s.repo.create(tx, models.QueryNote{
				CRFInstanceID:    root.CRFInstanceID,
				ItemPath:         root.ItemPath,
				ParentID:         &parentID,
				NoteType:         root.NoteType,
				ResolutionStatus: models.QueryStatusClosed,
				Owner:            actor,
				Body:             note,
			}); err != nil {
				return err
			}
		}
		result = models.TransitionResult{Success: true, Message: "query closed"}
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "query_closed",
			Entity:   "query",
			EntityID: queryID.String(),
			OldValue: string(root.ResolutionStatus),
			NewValue: string(models.QueryStatusClosed),
		})
	})
	return result, err
}

// Reopen moves a closed query back to new. The reason is mandatory and is
// written to the audit trail.
func (s *Service) Reopen(ctx context.Context, queryID uuid.UUID, actor, reason string) (models.TransitionResult, error) {
	if reason == "" {
		return rejected("a reason is required to reopen a query"), nil
	}
	var result models.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.repo.get(tx, queryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(queryID)
			return nil
		}
		if err != nil {
			return err
		}
		if res, ok := rootOnly(root); !ok {
			result = res
			return nil
		}
		if root.ResolutionStatus != models.QueryStatusClosed {
			result = rejected(fmt.Sprintf("query is not closed (status: %s)", root.ResolutionStatus))
			return nil
		}
		affected, err := s.repo.updateStatus(tx, queryID,
			[]models.QueryStatus{models.QueryStatusClosed}, models.QueryStatusNew)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("query status changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: "query reopened"}
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "query_reopened",
			Entity:   "query",
			EntityID: queryID.String(),
			OldValue: string(models.QueryStatusClosed),
			NewValue: string(models.QueryStatusNew),
			Reason:   reason,
		})
	})
	return result, err
}

func (s *Service) Thread(ctx context.Context, queryID uuid.UUID) ([]models.QueryNote, error) {
	return s.repo.Thread(ctx, queryID)
}

// BulkClose closes each query independently. One failure never blocks the
// rest; the result reports per-id errors.
func (s *Service) BulkClose(ctx context.Context, ids []uuid.UUID, actor, reason string) (models.BulkQueryResult, error) {
	result := models.BulkQueryResult{}
	for _, id := range ids {
		res, err := s.Close(ctx, id, actor, reason)
		switch {
		case err != nil:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("query %s: %v", id, err))
		case !res.Success:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("query %s: %s", id, res.Message))
		default:
			result.UpdatedCount++
		}
	}
	return result, nil
}

// BulkUpdateStatus applies the same target status to each query
// independently, rejecting ids whose current status does not allow the
// transition.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []uuid.UUID, actor string, target models.QueryStatus) (models.BulkQueryResult, error) {
	result := models.BulkQueryResult{}
	for _, id := range ids {
		res, err := s.updateOne(ctx, id, actor, target)
		switch {
		case err != nil:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("query %s: %v", id, err))
		case !res.Success:
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("query %s: %s", id, res.Message))
		default:
			result.UpdatedCount++
		}
	}
	return result, nil
}

func (s *Service) updateOne(ctx context.Context, queryID uuid.UUID, actor string, target models.QueryStatus) (models.TransitionResult, error) {
	var result models.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.repo.get(tx, queryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = notFound(queryID)
			return nil
		}
		if err != nil {
			return err
		}
		if res, ok := rootOnly(root); !ok {
			result = res
			return nil
		}
		if root.ResolutionStatus == target {
			result = rejected(fmt.Sprintf("query is already %s", target))
			return nil
		}
		if err := ValidateTransition(root.ResolutionStatus, target); err != nil {
			result = rejected(err.Error())
			return nil
		}
		affected, err := s.repo.updateStatus(tx, queryID,
			[]models.QueryStatus{root.ResolutionStatus}, target)
		if err != nil {
			return err
		}
		if affected == 0 {
			result = rejected("query status changed concurrently")
			return nil
		}
		result = models.TransitionResult{Success: true, Message: fmt.Sprintf("query moved to %s", target)}
		return s.recorder.AppendTx(tx, models.AuditEvent{
			Actor:    actor,
			Action:   "query_status_updated",
			Entity:   "query",
			EntityID: queryID.String(),
			OldValue: string(root.ResolutionStatus),
			NewValue: string(target),
		})
	})
	return result, err
}

// rootOnly rejects response notes: status transitions apply to the root of a
// thread, never to its children.
func rootOnly(note models.QueryNote) (models.TransitionResult, bool) {
	if note.ParentID != nil {
		return rejected("not a root query; transitions apply to the thread root"), false
	}
	return models.TransitionResult{}, true
}

func notFound(id uuid.UUID) models.TransitionResult {
	return models.TransitionResult{Success: false, Message: fmt.Sprintf("query %s not found", id)}
}

func rejected(message string) models.TransitionResult {
	return models.TransitionResult{Success: false, Message: message}
}
