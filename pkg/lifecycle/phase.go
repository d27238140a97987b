// Package lifecycle implements the CRF instance state machine: data entry,
// verification, signature, protective freeze, and permanent lock, with
// idempotent single and batch transitions.
package lifecycle

import (
	"github.com/clinforge/edc/pkg/common/models"
)

// Phase is the effective lifecycle phase of a CRF instance. It is always
// derived from the stored flat fields, never stored itself.
type Phase string

const (
	PhaseNotStarted        Phase = "not_started"
	PhaseDataEntry         Phase = "data_entry"
	PhaseDataEntryComplete Phase = "data_entry_complete"
	PhaseDDEVerified       Phase = "dde_verified"
	PhaseSDVComplete       Phase = "sdv_complete"
	PhaseSigned            Phase = "signed"
	PhaseLocked            Phase = "locked"
)

// FormState is the minimal stored state a phase derives from. frozen is an
// orthogonal overlay and deliberately absent.
type FormState struct {
	Status      models.CRFStatus
	Completion  models.CompletionPhase
	SDVVerified bool
	Signed      bool
}

// DerivePhase computes the effective phase by evaluating from the terminal
// end backward: locked, then signed, then sdv_complete, then dde_verified,
// then data_entry_complete, then data_entry, else not_started. Optional
// phases the workflow configuration does not require are skipped so the
// result is always a member of PhasePath(cfg).
func DerivePhase(state FormState, cfg models.WorkflowConfig) Phase {
	switch {
	case state.Status == models.CRFStatusLocked:
		return PhaseLocked
	case cfg.RequiresSignature && (state.Signed || state.Completion >= models.CompletionSigned):
		return PhaseSigned
	case cfg.RequiresSDV && (state.SDVVerified || state.Completion >= models.CompletionSDVComplete):
		return PhaseSDVComplete
	case cfg.RequiresDDE && state.Completion >= models.CompletionDDEVerified:
		return PhaseDDEVerified
	case state.Status == models.CRFStatusDataComplete || state.Completion >= models.CompletionDataEntryComplete:
		return PhaseDataEntryComplete
	case state.Completion >= models.CompletionDataEntry:
		return PhaseDataEntry
	}
	return PhaseNotStarted
}

// PhasePath builds the ordered phase list for a workflow configuration. The
// path always starts not_started -> data_entry -> data_entry_complete and
// always terminates at locked; the optional phases in between are filtered
// by the configuration.
func PhasePath(cfg models.WorkflowConfig) []Phase {
	path := []Phase{PhaseNotStarted, PhaseDataEntry, PhaseDataEntryComplete}
	if cfg.RequiresDDE {
		path = append(path, PhaseDDEVerified)
	}
	if cfg.RequiresSDV {
		path = append(path, PhaseSDVComplete)
	}
	if cfg.RequiresSignature {
		path = append(path, PhaseSigned)
	}
	return append(path, PhaseLocked)
}

// SplitPath partitions a phase path into the phases reached (up to and
// including current) and those still pending.
func SplitPath(path []Phase, current Phase) (completed, pending []Phase) {
	idx := 0
	for i, phase := range path {
		if phase == current {
			idx = i
			break
		}
	}
	completed = append(completed, path[:idx+1]...)
	pending = append(pending, path[idx+1:]...)
	return completed, pending
}

func phaseStrings(phases []Phase) []string {
	out := make([]string, 0, len(phases))
	for _, p := range phases {
		out = append(out, string(p))
	}
	return out
}
