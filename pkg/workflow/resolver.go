// Package workflow resolves the per-form lock policy: which optional phases
// (DDE reconciliation, SDV, signature) are mandatory before lock.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Resolver struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
	defaults Defaults
}

// NewResolver builds a resolver. cache may be nil, in which case every
// resolve hits the database.
func NewResolver(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration, defaults Defaults) *Resolver {
	return &Resolver{db: db, cache: cache, cacheTTL: cacheTTL, defaults: defaults}
}

type workflowConfigModel struct {
	ID                uuid.UUID  `gorm:"primaryKey;column:id"`
	FormDefinitionID  uuid.UUID  `gorm:"column:form_definition_id;index"`
	StudyID           *uuid.UUID `gorm:"column:study_id"`
	RequiresSDV       bool       `gorm:"column:requires_sdv"`
	RequiresSignature bool       `gorm:"column:requires_signature"`
	RequiresDDE       bool       `gorm:"column:requires_dde"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (workflowConfigModel) TableName() string { return "workflow_configs" }

func (r *Resolver) AutoMigrate() error {
	return r.db.AutoMigrate(&workflowConfigModel{})
}

// Resolve returns the effective policy for a form within a study. A
// study-specific row wins over the form-level row; with neither present the
// startup defaults apply. Results are cached; cache errors fall through to
// the database.
func (r *Resolver) Resolve(ctx context.Context, formDefinitionID, studyID uuid.UUID) (models.WorkflowConfig, error) {
	key := cacheKey(formDefinitionID, studyID)
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, key).Result(); err == nil {
			var cfg models.WorkflowConfig
			if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
				return cfg, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logger.Log.WithError(err).Warn("workflow config cache read failed")
		}
	}

	cfg, err := r.resolveFromDB(ctx, formDefinitionID, studyID)
	if err != nil {
		return models.WorkflowConfig{}, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(cfg); err == nil {
			if err := r.cache.Set(ctx, key, data, r.cacheTTL).Err(); err != nil {
				logger.Log.WithError(err).Warn("workflow config cache write failed")
			}
		}
	}
	return cfg, nil
}

func (r *Resolver) resolveFromDB(ctx context.Context, formDefinitionID, studyID uuid.UUID) (models.WorkflowConfig, error) {
	var row workflowConfigModel
	err := r.db.WithContext(ctx).
		Where("form_definition_id = ? AND study_id = ?", formDefinitionID, studyID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.db.WithContext(ctx).
			Where("form_definition_id = ? AND study_id IS NULL", formDefinitionID).
			First(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.WorkflowConfig{
			FormDefinitionID:  formDefinitionID,
			RequiresSDV:       r.defaults.RequiresSDV,
			RequiresSignature: r.defaults.RequiresSignature,
			RequiresDDE:       r.defaults.RequiresDDE,
		}, nil
	}
	if err != nil {
		return models.WorkflowConfig{}, fmt.Errorf("failed to resolve workflow config: %w", err)
	}
	return models.WorkflowConfig{
		FormDefinitionID:  row.FormDefinitionID,
		StudyID:           row.StudyID,
		RequiresSDV:       row.RequiresSDV,
		RequiresSignature: row.RequiresSignature,
		RequiresDDE:       row.RequiresDDE,
	}, nil
}

// Upsert creates or updates a policy row and invalidates its cache entry.
func (r *Resolver) Upsert(ctx context.Context, req models.UpsertWorkflowConfigRequest) (models.WorkflowConfig, error) {
	now := time.Now().UTC()
	var row workflowConfigModel
	query := r.db.WithContext(ctx).Where("form_definition_id = ?", req.FormDefinitionID)
	if req.StudyID != nil {
		query = query.Where("study_id = ?", *req.StudyID)
	} else {
		query = query.Where("study_id IS NULL")
	}
	err := query.First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = workflowConfigModel{
			ID:                uuid.New(),
			FormDefinitionID:  req.FormDefinitionID,
			StudyID:           req.StudyID,
			RequiresSDV:       req.RequiresSDV,
			RequiresSignature: req.RequiresSignature,
			RequiresDDE:       req.RequiresDDE,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return models.WorkflowConfig{}, err
		}
	case err != nil:
		return models.WorkflowConfig{}, err
	default:
		updates := map[string]interface{}{
			"requires_sdv":       req.RequiresSDV,
			"requires_signature": req.RequiresSignature,
			"requires_dde":       req.RequiresDDE,
			"updated_at":         now,
		}
		if err := r.db.WithContext(ctx).Model(&workflowConfigModel{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return models.WorkflowConfig{}, err
		}
		row.RequiresSDV = req.RequiresSDV
		row.RequiresSignature = req.RequiresSignature
		row.RequiresDDE = req.RequiresDDE
	}

	r.invalidate(ctx, req.FormDefinitionID)

	return models.WorkflowConfig{
		FormDefinitionID:  row.FormDefinitionID,
		StudyID:           row.StudyID,
		RequiresSDV:       row.RequiresSDV,
		RequiresSignature: row.RequiresSignature,
		RequiresDDE:       row.RequiresDDE,
	}, nil
}

// invalidate drops every cached resolution for a form definition. Resolve
// keys entries by (form, study), and a form-level row serves any study that
// lacks an override, so a single-key delete would leave stale study-keyed
// entries behind.
func (r *Resolver) invalidate(ctx context.Context, formDefinitionID uuid.UUID) {
	if r.cache == nil {
		return
	}
	iter := r.cache.Scan(ctx, 0, cachePattern(formDefinitionID), 0).Iterator()
	for iter.Next(ctx) {
		if err := r.cache.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Log.WithError(err).Warn("workflow config cache invalidation failed")
		}
	}
	if err := iter.Err(); err != nil {
		logger.Log.WithError(err).Warn("workflow config cache scan failed")
	}
}

func cacheKey(formDefinitionID, studyID uuid.UUID) string {
	return fmt.Sprintf("workflow:cfg:%s:%s", formDefinitionID, studyID)
}

func cachePattern(formDefinitionID uuid.UUID) string {
	return fmt.Sprintf("workflow:cfg:%s:*", formDefinitionID)
}
