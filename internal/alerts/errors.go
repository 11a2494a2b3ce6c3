package alerts

import (
	"errors"
	"fmt"

	"threatwatch/internal/models"
)

// ErrAlertNotFound is surfaced to callers as a not-found condition.
var ErrAlertNotFound = errors.New("alert not found")

// InvalidTransitionError rejects a lifecycle operation with no mutation and
// a descriptive reason.
type InvalidTransitionError struct {
	Op     string
	Status models.AlertStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s alert in status %q: %s", e.Op, e.Status, e.Reason)
}

// IsInvalidTransition reports whether err is a rejected lifecycle operation.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
