// Package audit appends immutable audit events for every mutating operation.
// Rows are append-only and never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clinforge/edc/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

type auditEventModel struct {
	ID        int64          `gorm:"primaryKey;column:id"`
	Actor     string         `gorm:"column:actor"`
	Action    string         `gorm:"column:action"`
	Entity    string         `gorm:"column:entity;index:idx_audit_entity"`
	EntityID  string         `gorm:"column:entity_id;index:idx_audit_entity"`
	OldValue  string         `gorm:"column:old_value"`
	NewValue  string         `gorm:"column:new_value"`
	Reason    string         `gorm:"column:reason"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (auditEventModel) TableName() string { return "audit_events" }

func (r *Recorder) AutoMigrate() error {
	return r.db.AutoMigrate(&auditEventModel{})
}

// Append writes an audit event outside any caller transaction.
func (r *Recorder) Append(ctx context.Context, event models.AuditEvent) error {
	return r.AppendTx(r.db.WithContext(ctx), event)
}

// AppendTx writes an audit event through the caller's transaction handle so
// that a committed mutation always carries its audit row.
func (r *Recorder) AppendTx(tx *gorm.DB, event models.AuditEvent) error {
	if event.Actor == "" {
		event.Actor = "system"
	}
	row := &auditEventModel{
		Actor:     event.Actor,
		Action:    event.Action,
		Entity:    event.Entity,
		EntityID:  event.EntityID,
		OldValue:  event.OldValue,
		NewValue:  event.NewValue,
		Reason:    event.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			row.Payload = datatypes.JSON(data)
		}
	}
	return tx.Create(row).Error
}

func (r *Recorder) List(ctx context.Context, entity, entityID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if entity != "" {
		query = query.Where("entity = ?", entity)
	}
	if entityID != "" {
		query = query.Where("entity_id = ?", entityID)
	}
	var rows []auditEventModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]models.AuditEvent, 0, len(rows))
	for _, row := range rows {
		event := models.AuditEvent{
			ID:        row.ID,
			Actor:     row.Actor,
			Action:    row.Action,
			Entity:    row.Entity,
			EntityID:  row.EntityID,
			OldValue:  row.OldValue,
			NewValue:  row.NewValue,
			Reason:    row.Reason,
			CreatedAt: row.CreatedAt,
		}
		if len(row.Payload) > 0 {
			var payload map[string]interface{}
			_ = json.Unmarshal(row.Payload, &payload)
			event.Payload = payload
		}
		events = append(events, event)
	}
	return events, nil
}

// Count returns the number of audit rows recorded for one entity. Used by
// callers asserting that failed transitions leave no trace.
func (r *Recorder) Count(ctx context.Context, entity, entityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&auditEventModel{}).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Count(&count).Error
	return count, err
}
