package lifecycle

import (
	"testing"

	"github.com/clinforge/edc/pkg/common/models"
	"github.com/stretchr/testify/assert"
)

func TestDerivePhase(t *testing.T) {
	full := models.WorkflowConfig{RequiresSDV: true, RequiresSignature: true, RequiresDDE: true}
	minimal := models.WorkflowConfig{}

	tests := []struct {
		name  string
		state FormState
		cfg   models.WorkflowConfig
		want  Phase
	}{
		{
			name:  "fresh instance",
			state: FormState{Status: models.CRFStatusAvailable},
			cfg:   full,
			want:  PhaseNotStarted,
		},
		{
			name:  "entry in progress",
			state: FormState{Status: models.CRFStatusAvailable, Completion: models.CompletionDataEntry},
			cfg:   full,
			want:  PhaseDataEntry,
		},
		{
			name:  "data complete by status",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDataEntry},
			cfg:   full,
			want:  PhaseDataEntryComplete,
		},
		{
			name:  "dde verified",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDDEVerified},
			cfg:   full,
			want:  PhaseDDEVerified,
		},
		{
			name:  "dde not required is skipped",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDDEVerified},
			cfg:   models.WorkflowConfig{RequiresSDV: true},
			want:  PhaseDataEntryComplete,
		},
		{
			name:  "sdv verified flag",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDataEntryComplete, SDVVerified: true},
			cfg:   full,
			want:  PhaseSDVComplete,
		},
		{
			name:  "signed wins over pending sdv",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDataEntryComplete, Signed: true},
			cfg:   full,
			want:  PhaseSigned,
		},
		{
			name:  "signature not required is skipped",
			state: FormState{Status: models.CRFStatusDataComplete, Completion: models.CompletionDataEntryComplete, Signed: true},
			cfg:   minimal,
			want:  PhaseDataEntryComplete,
		},
		{
			name:  "locked dominates everything",
			state: FormState{Status: models.CRFStatusLocked, Completion: models.CompletionDataEntry},
			cfg:   minimal,
			want:  PhaseLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePhase(tt.state, tt.cfg))
		})
	}
}

func TestDerivePhaseAlwaysOnPath(t *testing.T) {
	configs := []models.WorkflowConfig{
		{},
		{RequiresSDV: true},
		{RequiresSignature: true},
		{RequiresDDE: true},
		{RequiresSDV: true, RequiresSignature: true},
		{RequiresSDV: true, RequiresSignature: true, RequiresDDE: true},
	}
	states := []FormState{
		{Status: models.CRFStatusAvailable},
		{Status: models.CRFStatusAvailable, Completion: models.CompletionDataEntry},
		{Status: models.CRFStatusDataComplete, Completion: models.CompletionDataEntryComplete},
		{Status: models.CRFStatusDataComplete, Completion: models.CompletionDDEVerified},
		{Status: models.CRFStatusDataComplete, Completion: models.CompletionSDVComplete, SDVVerified: true},
		{Status: models.CRFStatusDataComplete, Completion: models.CompletionSigned, Signed: true},
		{Status: models.CRFStatusLocked, Completion: models.CompletionSigned, Signed: true},
	}

	for _, cfg := range configs {
		path := PhasePath(cfg)
		for _, state := range states {
			phase := DerivePhase(state, cfg)
			assert.Contains(t, path, phase, "derived phase must be a member of the configured path")
		}
	}
}

func TestPhasePath(t *testing.T) {
	assert.Equal(t,
		[]Phase{PhaseNotStarted, PhaseDataEntry, PhaseDataEntryComplete, PhaseLocked},
		PhasePath(models.WorkflowConfig{}))

	assert.Equal(t,
		[]Phase{PhaseNotStarted, PhaseDataEntry, PhaseDataEntryComplete, PhaseDDEVerified, PhaseSDVComplete, PhaseSigned, PhaseLocked},
		PhasePath(models.WorkflowConfig{RequiresSDV: true, RequiresSignature: true, RequiresDDE: true}))

	assert.Equal(t,
		[]Phase{PhaseNotStarted, PhaseDataEntry, PhaseDataEntryComplete, PhaseSDVComplete, PhaseLocked},
		PhasePath(models.WorkflowConfig{RequiresSDV: true}))
}

func TestSplitPath(t *testing.T) {
	path := PhasePath(models.WorkflowConfig{RequiresSDV: true})

	completed, pending := SplitPath(path, PhaseDataEntryComplete)
	assert.Equal(t, []Phase{PhaseNotStarted, PhaseDataEntry, PhaseDataEntryComplete}, completed)
	assert.Equal(t, []Phase{PhaseSDVComplete, PhaseLocked}, pending)

	completed, pending = SplitPath(path, PhaseLocked)
	assert.Equal(t, path, completed)
	assert.Empty(t, pending)
}
