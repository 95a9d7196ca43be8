package sync

import (
	"encoding/json"

	"github.com/xelth-com/seedtrackgo/internal/validation"
)

// StatusChangePayload is the body of a status_change operation
type StatusChangePayload struct {
	Serial      string            `json:"serial"`
	TreatmentID string            `json:"treatment_id"`
	From        validation.Status `json:"from"`
	To          validation.Status `json:"to"`
	Reason      string            `json:"reason,omitempty"`
	Actor       string            `json:"actor"`
	Offline     bool              `json:"offline"`

	// Resolution is set on changes re-queued by an administrator's
	// conflict decision. ResolverToken is that administrator's token; the
	// server refuses a resolution it cannot verify.
	Resolution    string `json:"resolution,omitempty"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
	ResolverToken string `json:"resolver_token,omitempty"`
}

// UpdatePayload is the body of an update operation
type UpdatePayload struct {
	Serial  string `json:"serial"`
	Comment string `json:"comment"`
	Actor   string `json:"actor"`
}

// CreatePayload is the body of a create operation
type CreatePayload struct {
	Serial       string            `json:"serial"`
	TreatmentID  string            `json:"treatment_id"`
	SeedQuantity int               `json:"seed_quantity"`
	Status       validation.Status `json:"status"`
	Actor        string            `json:"actor"`
}

// statusFields pulls the statuses a payload touches, whatever its operation
func statusFields(raw []byte) (from, to validation.Status) {
	var p struct {
		From   validation.Status `json:"from"`
		To     validation.Status `json:"to"`
		Status validation.Status `json:"status"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ""
	}
	if p.To == "" {
		p.To = p.Status
	}
	return p.From, p.To
}
