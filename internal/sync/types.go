package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/validation"
)

var (
	// ErrIntegrity marks a queued change whose stored hash no longer matches its payload
	ErrIntegrity = errors.New("sync: content hash mismatch")
	ErrOffline   = errors.New("sync: device is offline")
)

// Change is a local mutation handed to the queue
type Change struct {
	EntityType   string
	EntityID     string
	Operation    string
	BaseVersion  int64
	Payload      interface{}
	DeviceID     string
	ChangedAt    time.Time
	OfflineSince *time.Time
	// Seq places the change in its entity's queue; zero appends it
	Seq uint
}

// ServerVersion is the server's current view of an entity
type ServerVersion struct {
	EntityType   string            `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	Version      int64             `json:"version"`
	Status       validation.Status `json:"status,omitempty"`
	LastDeviceID string            `json:"last_device_id,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
}

// SubmitRequest is the body of POST /api/sync/changes
type SubmitRequest struct {
	ContentHash  string          `json:"content_hash" validate:"required,len=64,hexadecimal"`
	EntityType   string          `json:"entity_type" validate:"required,oneof=treatment applicator"`
	EntityID     string          `json:"entity_id" validate:"required,max=128"`
	Operation    string          `json:"operation" validate:"required,oneof=create update status_change"`
	BaseVersion  int64           `json:"base_version" validate:"gte=0"`
	DeviceID     string          `json:"device_id" validate:"required,max=64"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	ChangedAt    time.Time       `json:"changed_at"`
	OfflineSince *time.Time      `json:"offline_since,omitempty"`
}

// Submit response statuses
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
)

// SubmitResponse is the server's answer to a SubmitRequest
type SubmitResponse struct {
	Status  string         `json:"status,omitempty"`
	Version int64          `json:"version,omitempty"`
	Error   string         `json:"error,omitempty"`
	Server  *ServerVersion `json:"server,omitempty"`
}

// SubmitResult is an accepted submission
type SubmitResult struct {
	Duplicate bool
	Version   int64
}

// ConflictError means the server state diverged from the change's baseline
type ConflictError struct {
	Reason string
	Server ServerVersion
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s %s (server version %d): %s", e.Server.EntityType, e.Server.EntityID, e.Server.Version, e.Reason)
}

// RejectedError is a non-transient refusal. Server is set when the refusal
// was about entity state rather than the request itself.
type RejectedError struct {
	Reason string
	Server *ServerVersion
}

func (e *RejectedError) Error() string {
	return "sync rejected: " + e.Reason
}

// TransientError is worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "sync transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// DrainReport summarizes one drain pass
type DrainReport struct {
	Submitted  int
	Duplicates int
	Failed     int
	Conflicts  int
	// Skipped entries stay pending behind a failed change of the same entity
	Skipped     int
	Interrupted bool
	Duration    time.Duration
}

// EngineStatus is what a UI shows for manual sync
type EngineStatus struct {
	Online     bool
	Draining   bool
	Pending    int64
	Failed     int
	Conflicts  int
	LastDrain  time.Time
	LastReport DrainReport
}
