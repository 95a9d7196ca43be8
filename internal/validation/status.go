// Package validation holds the pure decision logic that guards applicator
// documentation: status transitions per treatment topology and the offline
// gates (scan, finalization, comment, bundle expiry, inventory metadata).
package validation

import "strings"

// Status is an applicator lifecycle status
type Status string

const (
	// Unscanned marks an applicator with no recorded status yet. It is not
	// a lifecycle status and is never stored as the result of a transition.
	Unscanned Status = ""

	StatusSealed            Status = "SEALED"
	StatusOpened            Status = "OPENED"
	StatusLoaded            Status = "LOADED"
	StatusInserted          Status = "INSERTED"
	StatusFaulty            Status = "FAULTY"
	StatusDisposed          Status = "DISPOSED"
	StatusDischarged        Status = "DISCHARGED"
	StatusDeploymentFailure Status = "DEPLOYMENT_FAILURE"
)

// AllStatuses lists the eight lifecycle statuses
var AllStatuses = []Status{
	StatusSealed,
	StatusOpened,
	StatusLoaded,
	StatusInserted,
	StatusFaulty,
	StatusDisposed,
	StatusDischarged,
	StatusDeploymentFailure,
}

// Valid reports whether s is one of the eight lifecycle statuses
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	if s == Unscanned {
		return "UNSCANNED"
	}
	return string(s)
}

// ParseStatus maps stored text to a Status; empty text is Unscanned
func ParseStatus(text string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(text)))
	if s == Unscanned {
		return Unscanned, true
	}
	return s, s.Valid()
}

var terminalStatuses = map[Status]bool{
	StatusInserted:          true,
	StatusFaulty:            true,
	StatusDisposed:          true,
	StatusDischarged:        true,
	StatusDeploymentFailure: true,
}

var confirmationRequired = map[Status]bool{
	StatusInserted: true,
	StatusFaulty:   true,
}

// medical-critical statuses never take part in automatic conflict resolution
var criticalStatuses = map[Status]bool{
	StatusInserted:          true,
	StatusFaulty:            true,
	StatusDisposed:          true,
	StatusDeploymentFailure: true,
}

var reasonRequired = map[Status]bool{
	StatusFaulty:            true,
	StatusDisposed:          true,
	StatusDischarged:        true,
	StatusDeploymentFailure: true,
}

// RequiresConfirmation reports whether moving into s needs explicit user confirmation
func RequiresConfirmation(s Status) bool {
	return confirmationRequired[s]
}

// IsCritical reports whether s is in the medical-critical set
func IsCritical(s Status) bool {
	return criticalStatuses[s]
}

// RequiresReason reports whether moving into s needs a non-empty reason
func RequiresReason(s Status) bool {
	return reasonRequired[s]
}

// Level is the severity attached to a validation result
type Level string

const (
	LevelNone    Level = "none"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Result is the outcome of every check in this package. It is a value, not
// an error: callers render Reason and decide on Level.
type Result struct {
	Allowed              bool   `json:"allowed"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	Level                Level  `json:"level"`
	Reason               string `json:"reason"`
}

func allow(level Level, reason string) Result {
	return Result{Allowed: true, Level: level, Reason: reason}
}

func reject(reason string) Result {
	return Result{Allowed: false, Level: LevelError, Reason: reason}
}
