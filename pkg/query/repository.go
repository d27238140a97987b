package query

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

type queryNoteModel struct {
	ID               uuid.UUID  `gorm:"primaryKey;column:id"`
	CRFInstanceID    uuid.UUID  `gorm:"column:crf_instance_id;index"`
	ItemPath         *string    `gorm:"column:item_path"`
	ParentID         *uuid.UUID `gorm:"column:parent_id;index"`
	NoteType         string     `gorm:"column:note_type"`
	ResolutionStatus string     `gorm:"column:resolution_status"`
	Owner            string     `gorm:"column:owner"`
	Body             string     `gorm:"column:body"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (queryNoteModel) TableName() string { return "query_notes" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&queryNoteModel{})
}

func (r *Repository) DB() *gorm.DB { return r.db }

func (r *Repository) create(db *gorm.DB, note models.QueryNote) (models.QueryNote, error) {
	now := time.Now().UTC()
	row := &queryNoteModel{
		ID:               uuid.New(),
		CRFInstanceID:    note.CRFInstanceID,
		ItemPath:         note.ItemPath,
		ParentID:         note.ParentID,
		NoteType:         string(note.NoteType),
		ResolutionStatus: string(note.ResolutionStatus),
		Owner:            note.Owner,
		Body:             note.Body,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Create(row).Error; err != nil {
		return models.QueryNote{}, err
	}
	return toNote(row), nil
}

func (r *Repository) get(db *gorm.DB, id uuid.UUID) (models.QueryNote, error) {
	var row queryNoteModel
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return models.QueryNote{}, err
	}
	return toNote(&row), nil
}

// updateStatus applies a conditional status change: the row is touched only
// if it still holds one of the expected prior statuses. Zero affected rows
// means a concurrent transition won.
func (r *Repository) updateStatus(db *gorm.DB, id uuid.UUID, from []models.QueryStatus, to models.QueryStatus) (int64, error) {
	prior := make([]string, 0, len(from))
	for _, s := range from {
		prior = append(prior, string(s))
	}
	result := db.Model(&queryNoteModel{}).
		Where("id = ? AND parent_id IS NULL AND resolution_status IN ?", id, prior).
		Updates(map[string]interface{}{
			"resolution_status": string(to),
			"updated_at":        time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// Thread returns the root note followed by all responses ordered by creation
// time.
func (r *Repository) Thread(ctx context.Context, id uuid.UUID) ([]models.QueryNote, error) {
	root, err := r.get(r.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	var rows []queryNoteModel
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	thread := make([]models.QueryNote, 0, len(rows)+1)
	thread = append(thread, root)
	for i := range rows {
		thread = append(thread, toNote(&rows[i]))
	}
	return thread, nil
}

func (r *Repository) ListForCRF(ctx context.Context, crfID uuid.UUID, limit int) ([]models.QueryNote, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []queryNoteModel
	if err := r.db.WithContext(ctx).
		Where("crf_instance_id = ? AND parent_id IS NULL", crfID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	notes := make([]models.QueryNote, 0, len(rows))
	for i := range rows {
		notes = append(notes, toNote(&rows[i]))
	}
	return notes, nil
}

// OpenCount counts open root notes of type query on one CRF instance.
// Informational notes never block.
func (r *Repository) OpenCount(db *gorm.DB, crfID uuid.UUID) (int64, error) {
	var count int64
	err := db.Model(&queryNoteModel{}).
		Where("crf_instance_id = ? AND parent_id IS NULL AND note_type = ? AND resolution_status IN ?",
			crfID, string(models.QueryTypeQuery), openStatusStrings()).
		Count(&count).Error
	return count, err
}

// OpenCountForCRFs counts open queries across a set of CRF instances.
func (r *Repository) OpenCountForCRFs(db *gorm.DB, crfIDs []uuid.UUID) (int64, error) {
	if len(crfIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := db.Model(&queryNoteModel{}).
		Where("crf_instance_id IN ? AND parent_id IS NULL AND note_type = ? AND resolution_status IN ?",
			crfIDs, string(models.QueryTypeQuery), openStatusStrings()).
		Count(&count).Error
	return count, err
}

func openStatusStrings() []string {
	statuses := make([]string, 0, len(openStatuses))
	for _, s := range openStatuses {
		statuses = append(statuses, string(s))
	}
	return statuses
}

func toNote(row *queryNoteModel) models.QueryNote {
	return models.QueryNote{
		ID:               row.ID,
		CRFInstanceID:    row.CRFInstanceID,
		ItemPath:         row.ItemPath,
		ParentID:         row.ParentID,
		NoteType:         models.QueryType(row.NoteType),
		ResolutionStatus: models.QueryStatus(row.ResolutionStatus),
		Owner:            row.Owner,
		Body:             row.Body,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}
