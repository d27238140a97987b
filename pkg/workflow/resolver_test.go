package workflow

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newResolver(t *testing.T, defaults Defaults) *Resolver {
	t.Helper()
	logger.Init()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	r := NewResolver(db, nil, 0, defaults)
	require.NoError(t, r.AutoMigrate())
	return r
}

func TestResolveStudyOverrideWins(t *testing.T) {
	r := newResolver(t, Defaults{})
	ctx := context.Background()
	formID := uuid.New()
	studyID := uuid.New()

	_, err := r.Upsert(ctx, models.UpsertWorkflowConfigRequest{
		FormDefinitionID: formID,
		RequiresSDV:      true,
	})
	require.NoError(t, err)

	_, err = r.Upsert(ctx, models.UpsertWorkflowConfigRequest{
		FormDefinitionID:  formID,
		StudyID:           &studyID,
		RequiresSignature: true,
	})
	require.NoError(t, err)

	cfg, err := r.Resolve(ctx, formID, studyID)
	require.NoError(t, err)
	assert.False(t, cfg.RequiresSDV)
	assert.True(t, cfg.RequiresSignature)
	require.NotNil(t, cfg.StudyID)
	assert.Equal(t, studyID, *cfg.StudyID)

	// A different study falls back to the form-level row.
	cfg, err = r.Resolve(ctx, formID, uuid.New())
	require.NoError(t, err)
	assert.True(t, cfg.RequiresSDV)
	assert.False(t, cfg.RequiresSignature)
	assert.Nil(t, cfg.StudyID)
}

func TestResolveDefaultsWhenUnconfigured(t *testing.T) {
	r := newResolver(t, Defaults{RequiresSDV: true, RequiresDDE: true})
	ctx := context.Background()
	formID := uuid.New()

	cfg, err := r.Resolve(ctx, formID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, formID, cfg.FormDefinitionID)
	assert.True(t, cfg.RequiresSDV)
	assert.True(t, cfg.RequiresDDE)
	assert.False(t, cfg.RequiresSignature)
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	r := newResolver(t, Defaults{})
	ctx := context.Background()
	formID := uuid.New()

	_, err := r.Upsert(ctx, models.UpsertWorkflowConfigRequest{
		FormDefinitionID: formID,
		RequiresSDV:      true,
	})
	require.NoError(t, err)

	updated, err := r.Upsert(ctx, models.UpsertWorkflowConfigRequest{
		FormDefinitionID:  formID,
		RequiresSDV:       false,
		RequiresSignature: true,
	})
	require.NoError(t, err)
	assert.False(t, updated.RequiresSDV)
	assert.True(t, updated.RequiresSignature)

	cfg, err := r.Resolve(ctx, formID, uuid.New())
	require.NoError(t, err)
	assert.False(t, cfg.RequiresSDV)
	assert.True(t, cfg.RequiresSignature)

	var count int64
	require.NoError(t, r.db.Model(&workflowConfigModel{}).
		Where("form_definition_id = ?", formID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestInvalidationPatternCoversAllCacheKeys(t *testing.T) {
	formID := uuid.New()
	pattern := cachePattern(formID)

	// Every key Resolve can write for this form must fall under the scan
	// pattern Upsert invalidates, including the uuid.Nil study slot.
	for _, studyID := range []uuid.UUID{uuid.Nil, uuid.New(), uuid.New()} {
		matched, err := path.Match(pattern, cacheKey(formID, studyID))
		require.NoError(t, err)
		assert.True(t, matched, "key %s escapes pattern %s", cacheKey(formID, studyID), pattern)
	}

	matched, err := path.Match(pattern, cacheKey(uuid.New(), uuid.New()))
	require.NoError(t, err)
	assert.False(t, matched, "pattern must not clobber other forms")
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	content := "defaults:\n  requires_sdv: true\n  requires_signature: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defaults, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.True(t, defaults.RequiresSDV)
	assert.True(t, defaults.RequiresSignature)
	assert.False(t, defaults.RequiresDDE)
}

func TestLoadDefaultsEmptyPath(t *testing.T) {
	defaults, err := LoadDefaults("")
	require.NoError(t, err)
	assert.Equal(t, Defaults{}, defaults)
}
