// Package query implements the discrepancy-note resolution workflow that
// gates form locking: new -> updated -> resolution_proposed -> closed, with
// an explicit reopen back to new.
package query

import (
	"fmt"

	"github.com/clinforge/edc/pkg/common/models"
)

// allowedTransitions defines the permitted resolution status changes.
var allowedTransitions = map[models.QueryStatus]map[models.QueryStatus]struct{}{
	models.QueryStatusNew: {
		models.QueryStatusUpdated: {},
		models.QueryStatusClosed:  {},
	},
	models.QueryStatusUpdated: {
		models.QueryStatusResolutionProposed: {},
		models.QueryStatusClosed:             {},
	},
	models.QueryStatusResolutionProposed: {
		models.QueryStatusClosed: {},
	},
	models.QueryStatusClosed: {
		models.QueryStatusNew: {},
	},
}

func IsValidTransition(from, to models.QueryStatus) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

func ValidateTransition(from, to models.QueryStatus) error {
	if !IsValidTransition(from, to) {
		return fmt.Errorf("invalid query status transition from %q to %q", from, to)
	}
	return nil
}

// openStatuses lists every status that counts a query as open.
var openStatuses = []models.QueryStatus{
	models.QueryStatusNew,
	models.QueryStatusUpdated,
	models.QueryStatusResolutionProposed,
}
