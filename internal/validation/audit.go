package validation

import (
	"errors"
	"strings"
	"time"
)

// TransitionAudit is the record every accepted transition leaves behind
type TransitionAudit struct {
	Serial        string
	OldStatus     Status
	NewStatus     Status
	Actor         string
	Reason        string
	At            time.Time
	CorrelationID string
}

var (
	ErrMissingActor       = errors.New("audit: actor is required")
	ErrMissingCorrelation = errors.New("audit: correlation id is required")
	ErrMissingReason      = errors.New("audit: reason is required for this status")
)

// NewTransitionAudit checks the mandatory fields of an audit record
func NewTransitionAudit(serial string, from, to Status, actor, reason, correlationID string, at time.Time) (TransitionAudit, error) {
	if strings.TrimSpace(actor) == "" {
		return TransitionAudit{}, ErrMissingActor
	}
	if strings.TrimSpace(correlationID) == "" {
		return TransitionAudit{}, ErrMissingCorrelation
	}
	if RequiresReason(to) && strings.TrimSpace(reason) == "" {
		return TransitionAudit{}, ErrMissingReason
	}

	return TransitionAudit{
		Serial:        serial,
		OldStatus:     from,
		NewStatus:     to,
		Actor:         actor,
		Reason:        strings.TrimSpace(reason),
		At:            at,
		CorrelationID: correlationID,
	}, nil
}
