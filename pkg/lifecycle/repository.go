package lifecycle

import (
	"context"
	"time"

	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type crfInstanceModel struct {
	ID               uuid.UUID `gorm:"primaryKey;column:id"`
	StudyEventID     uuid.UUID `gorm:"column:study_event_id;index"`
	FormDefinitionID uuid.UUID `gorm:"column:form_definition_id;index"`
	FormVersion      int       `gorm:"column:form_version"`
	Status           string    `gorm:"column:status;index"`
	CompletionPhase  int       `gorm:"column:completion_phase"`
	SDVVerified      bool      `gorm:"column:sdv_verified"`
	Signed           bool      `gorm:"column:signed"`
	Frozen           bool      `gorm:"column:frozen"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (crfInstanceModel) TableName() string { return "crf_instances" }

type studyEventModel struct {
	ID         uuid.UUID `gorm:"primaryKey;column:id"`
	StudyID    uuid.UUID `gorm:"column:study_id;index"`
	SubjectID  uuid.UUID `gorm:"column:subject_id;index"`
	Name       string    `gorm:"column:name"`
	EventOrder int       `gorm:"column:event_order"`
	Status     string    `gorm:"column:status"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (studyEventModel) TableName() string { return "study_events" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&crfInstanceModel{}, &studyEventModel{})
}

func (r *Repository) DB() *gorm.DB { return r.db }

func (r *Repository) getTx(db *gorm.DB, id uuid.UUID) (models.CRFInstance, error) {
	var row crfInstanceModel
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return models.CRFInstance{}, err
	}
	return toInstance(&row), nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.CRFInstance, error) {
	return r.getTx(r.db.WithContext(ctx), id)
}

func (r *Repository) getEventTx(db *gorm.DB, id uuid.UUID) (models.StudyEvent, error) {
	var row studyEventModel
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return models.StudyEvent{}, err
	}
	return toEvent(&row), nil
}

// Conditional updates: each guards the write with the expected prior state
// so a losing concurrent transition observes zero affected rows instead of
// corrupting state.

func (r *Repository) lockTx(db *gorm.DB, id uuid.UUID) (int64, error) {
	result := db.Model(&crfInstanceModel{}).
		Where("id = ? AND status <> ?", id, string(models.CRFStatusLocked)).
		Updates(map[string]interface{}{
			"status":     string(models.CRFStatusLocked),
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *Repository) unlockTx(db *gorm.DB, id uuid.UUID) (int64, error) {
	result := db.Model(&crfInstanceModel{}).
		Where("id = ? AND status = ?", id, string(models.CRFStatusLocked)).
		Updates(map[string]interface{}{
			"status":     string(models.CRFStatusDataComplete),
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *Repository) freezeTx(db *gorm.DB, id uuid.UUID) (int64, error) {
	blocked := []string{
		string(models.CRFStatusLocked),
		string(models.CRFStatusRemoved),
		string(models.CRFStatusAutoRemoved),
	}
	result := db.Model(&crfInstanceModel{}).
		Where("id = ? AND frozen = ? AND status NOT IN ?", id, false, blocked).
		Updates(map[string]interface{}{
			"frozen":     true,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *Repository) unfreezeTx(db *gorm.DB, id uuid.UUID) (int64, error) {
	result := db.Model(&crfInstanceModel{}).
		Where("id = ? AND frozen = ?", id, true).
		Updates(map[string]interface{}{
			"frozen":     false,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *Repository) markSDVTx(db *gorm.DB, id uuid.UUID) (int64, error) {
	blocked := []string{
		string(models.CRFStatusLocked),
		string(models.CRFStatusRemoved),
		string(models.CRFStatusAutoRemoved),
	}
	result := db.Model(&crfInstanceModel{}).
		Where("id = ? AND sdv_verified = ? AND status NOT IN ?", id, false, blocked).
		Updates(map[string]interface{}{
			"sdv_verified": true,
			"updated_at":   time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// createEventTx inserts a study event and one CRF instance per attached form
// definition.
func (r *Repository) createEventTx(db *gorm.DB, req models.ScheduleEventRequest) (models.StudyEvent, error) {
	now := time.Now().UTC()
	event := &studyEventModel{
		ID:         uuid.New(),
		StudyID:    req.StudyID,
		SubjectID:  req.SubjectID,
		Name:       req.Name,
		EventOrder: req.EventOrder,
		Status:     "scheduled",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(event).Error; err != nil {
		return models.StudyEvent{}, err
	}

	result := toEvent(event)
	for _, formID := range req.FormDefinitionIDs {
		crf := &crfInstanceModel{
			ID:               uuid.New(),
			StudyEventID:     event.ID,
			FormDefinitionID: formID,
			FormVersion:      1,
			Status:           string(models.CRFStatusAvailable),
			CompletionPhase:  int(models.CompletionNotStarted),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := db.Create(crf).Error; err != nil {
			return models.StudyEvent{}, err
		}
		result.Forms = append(result.Forms, toInstance(crf))
	}
	return result, nil
}

// SetDataEntryState updates the stored completion fields. Data entry itself
// is outside this engine; the setter exists for entry tooling and tests.
func (r *Repository) SetDataEntryState(ctx context.Context, id uuid.UUID, status models.CRFStatus, phase models.CompletionPhase, signed bool) error {
	return r.db.WithContext(ctx).Model(&crfInstanceModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           string(status),
			"completion_phase": int(phase),
			"signed":           signed,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func toInstance(row *crfInstanceModel) models.CRFInstance {
	return models.CRFInstance{
		ID:               row.ID,
		StudyEventID:     row.StudyEventID,
		FormDefinitionID: row.FormDefinitionID,
		FormVersion:      row.FormVersion,
		Status:           models.CRFStatus(row.Status),
		CompletionPhase:  models.CompletionPhase(row.CompletionPhase),
		SDVVerified:      row.SDVVerified,
		Signed:           row.Signed,
		Frozen:           row.Frozen,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func toEvent(row *studyEventModel) models.StudyEvent {
	return models.StudyEvent{
		ID:         row.ID,
		StudyID:    row.StudyID,
		SubjectID:  row.SubjectID,
		Name:       row.Name,
		EventOrder: row.EventOrder,
		Status:     row.Status,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}
