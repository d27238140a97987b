package audit

import (
	"context"
	"fmt"
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

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	logger.Init()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	r := NewRecorder(db)
	require.NoError(t, r.AutoMigrate())
	return r
}

func TestAppendAndList(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, r.Append(ctx, models.AuditEvent{
		Actor:    "investigator",
		Action:   "crf_locked",
		Entity:   "crf_instance",
		EntityID: entityID,
		OldValue: "data_complete",
		NewValue: "locked",
		Payload:  map[string]interface{}{"batch": false},
	}))
	require.NoError(t, r.Append(ctx, models.AuditEvent{
		Actor:    "admin",
		Action:   "crf_unlocked",
		Entity:   "crf_instance",
		EntityID: entityID,
		OldValue: "locked",
		NewValue: "data_complete",
		Reason:   "data correction approved",
	}))

	events, err := r.List(ctx, "crf_instance", entityID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, "crf_unlocked", events[0].Action)
	assert.Equal(t, "data correction approved", events[0].Reason)
	assert.Equal(t, "crf_locked", events[1].Action)
	assert.Equal(t, map[string]interface{}{"batch": false}, events[1].Payload)

	count, err := r.Count(ctx, "crf_instance", entityID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestAppendDefaultsActor(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, r.Append(ctx, models.AuditEvent{
		Action:   "event_scheduled",
		Entity:   "study_event",
		EntityID: entityID,
	}))

	events, err := r.List(ctx, "study_event", entityID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].Actor)
}

func TestListFiltersByEntity(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	crfID := uuid.New().String()
	queryID := uuid.New().String()
	require.NoError(t, r.Append(ctx, models.AuditEvent{
		Actor: "monitor", Action: "crf_frozen", Entity: "crf_instance", EntityID: crfID,
	}))
	require.NoError(t, r.Append(ctx, models.AuditEvent{
		Actor: "monitor", Action: "query_created", Entity: "query", EntityID: queryID,
	}))

	events, err := r.List(ctx, "query", queryID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "query_created", events[0].Action)

	all, err := r.List(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAppendTxRollsBackWithCaller(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	entityID := uuid.New().String()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.AppendTx(tx, models.AuditEvent{
			Actor: "investigator", Action: "crf_locked", Entity: "crf_instance", EntityID: entityID,
		}); err != nil {
			return err
		}
		return fmt.Errorf("simulated failure")
	})
	require.Error(t, err)

	count, err := r.Count(ctx, "crf_instance", entityID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}
