package eligibility_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/clinforge/edc/pkg/audit"
	"github.com/clinforge/edc/pkg/common/logger"
	"github.com/clinforge/edc/pkg/common/models"
	"github.com/clinforge/edc/pkg/eligibility"
	"github.com/clinforge/edc/pkg/lifecycle"
	"github.com/clinforge/edc/pkg/notify"
	"github.com/clinforge/edc/pkg/query"
	"github.com/clinforge/edc/pkg/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type env struct {
	db        *gorm.DB
	engine    *lifecycle.Engine
	repo      *lifecycle.Repository
	queries   *query.Service
	resolver  *workflow.Resolver
	evaluator *eligibility.Evaluator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger.Init()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	recorder := audit.NewRecorder(db)
	queryRepo := query.NewRepository(db)
	repo := lifecycle.NewRepository(db)
	resolver := workflow.NewResolver(db, nil, 0, workflow.Defaults{})
	require.NoError(t, recorder.AutoMigrate())
	require.NoError(t, queryRepo.AutoMigrate())
	require.NoError(t, repo.AutoMigrate())
	require.NoError(t, resolver.AutoMigrate())

	evaluator := eligibility.NewEvaluator(db, queryRepo, resolver)
	return &env{
		db:        db,
		engine:    lifecycle.NewEngine(db, repo, resolver, evaluator, recorder, notify.Noop{}),
		repo:      repo,
		queries:   query.NewService(db, queryRepo, recorder),
		resolver:  resolver,
		evaluator: evaluator,
	}
}

func (e *env) schedule(t *testing.T, subjectID uuid.UUID, formCount int) models.StudyEvent {
	t.Helper()
	forms := make([]uuid.UUID, formCount)
	for i := range forms {
		forms[i] = uuid.New()
	}
	event, err := e.engine.ScheduleEvent(context.Background(), models.ScheduleEventRequest{
		StudyID:           uuid.New(),
		SubjectID:         subjectID,
		Name:              "screening",
		EventOrder:        1,
		FormDefinitionIDs: forms,
		Actor:             "coordinator",
	})
	require.NoError(t, err)
	return event
}

func (e *env) complete(t *testing.T, crfID uuid.UUID) {
	t.Helper()
	require.NoError(t, e.repo.SetDataEntryState(context.Background(), crfID,
		models.CRFStatusDataComplete, models.CompletionDataEntryComplete, false))
}

func TestParseScope(t *testing.T) {
	for _, raw := range []string{"subject", "event", "crf"} {
		scope, err := eligibility.ParseScope(raw)
		require.NoError(t, err)
		assert.Equal(t, eligibility.Scope(raw), scope)
	}
	_, err := eligibility.ParseScope("site")
	assert.EqualError(t, err, `unknown eligibility scope "site"`)
}

func TestCheckCRFScope(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	event := e.schedule(t, uuid.New(), 1)
	crf := event.Forms[0]

	report, err := e.evaluator.Check(ctx, eligibility.ScopeCRF, crf.ID)
	require.NoError(t, err)
	assert.False(t, report.CanProceed)
	assert.Equal(t, []string{"form data entry is not complete"}, report.Reasons)
	assert.Equal(t, 1, report.IncompleteFormCount)

	e.complete(t, crf.ID)
	_, err = e.queries.Create(ctx, models.CreateQueryRequest{
		CRFInstanceID: crf.ID, Owner: "monitor", Body: "confirm visit date",
	})
	require.NoError(t, err)

	report, err = e.evaluator.Check(ctx, eligibility.ScopeCRF, crf.ID)
	require.NoError(t, err)
	assert.False(t, report.CanProceed)
	assert.Equal(t, []string{"1 open query must be resolved"}, report.Reasons)
	assert.Equal(t, 1, report.OpenQueryCount)
	assert.Equal(t, 1, report.CompletedForms)
}

func TestCheckEventScopeAggregates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	event := e.schedule(t, uuid.New(), 3)
	e.complete(t, event.Forms[0].ID)

	// One removed form drops out of the denominator entirely.
	require.NoError(t, e.repo.SetDataEntryState(ctx, event.Forms[2].ID,
		models.CRFStatusRemoved, models.CompletionNotStarted, false))

	note, err := e.queries.Create(ctx, models.CreateQueryRequest{
		CRFInstanceID: event.Forms[0].ID, Owner: "monitor", Body: "units look wrong",
	})
	require.NoError(t, err)

	report, err := e.evaluator.Check(ctx, eligibility.ScopeEvent, event.ID)
	require.NoError(t, err)
	assert.False(t, report.CanProceed)
	assert.Equal(t, 2, report.TotalForms)
	assert.Equal(t, 1, report.CompletedForms)
	assert.Equal(t, 1, report.IncompleteFormCount)
	assert.Equal(t, 1, report.OpenQueryCount)
	assert.Equal(t, []string{
		"1 open query must be resolved",
		"1 of 2 required forms are incomplete",
	}, report.Reasons)

	res, err := e.queries.Close(ctx, note.ID, "monitor", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	e.complete(t, event.Forms[1].ID)

	report, err = e.evaluator.Check(ctx, eligibility.ScopeEvent, event.ID)
	require.NoError(t, err)
	assert.True(t, report.CanProceed)
	assert.Empty(t, report.Reasons)
}

func TestCheckSubjectScopeSpansEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subjectID := uuid.New()

	first := e.schedule(t, subjectID, 1)
	second := e.schedule(t, subjectID, 2)
	e.schedule(t, uuid.New(), 1) // other subject, must not leak in

	e.complete(t, first.Forms[0].ID)
	e.complete(t, second.Forms[0].ID)

	report, err := e.evaluator.Check(ctx, eligibility.ScopeSubject, subjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalForms)
	assert.Equal(t, 2, report.CompletedForms)
	assert.Equal(t, []string{"1 of 3 required forms are incomplete"}, report.Reasons)
}

func TestCheckSubjectSDVPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subjectID := uuid.New()

	formID := uuid.New()
	_, err := e.resolver.Upsert(ctx, models.UpsertWorkflowConfigRequest{
		FormDefinitionID: formID,
		RequiresSDV:      true,
	})
	require.NoError(t, err)

	event, err := e.engine.ScheduleEvent(ctx, models.ScheduleEventRequest{
		StudyID:           uuid.New(),
		SubjectID:         subjectID,
		Name:              "week 2",
		EventOrder:        2,
		FormDefinitionIDs: []uuid.UUID{formID},
		Actor:             "coordinator",
	})
	require.NoError(t, err)
	e.complete(t, event.Forms[0].ID)

	report, err := e.evaluator.Check(ctx, eligibility.ScopeSubject, subjectID)
	require.NoError(t, err)
	assert.False(t, report.CanProceed)
	assert.Equal(t, 1, report.PendingSDVCount)
	assert.Contains(t, report.Reasons, "SDV is pending on 1 forms")

	res, err := e.engine.MarkSDV(ctx, event.Forms[0].ID, "monitor")
	require.NoError(t, err)
	require.True(t, res.Success)

	report, err = e.evaluator.Check(ctx, eligibility.ScopeSubject, subjectID)
	require.NoError(t, err)
	assert.True(t, report.CanProceed)
}

func TestCheckUnknownCRF(t *testing.T) {
	e := newEnv(t)
	_, err := e.evaluator.Check(context.Background(), eligibility.ScopeCRF, uuid.New())
	assert.ErrorContains(t, err, "not found")
}
