package models

import (
	"errors"
	"strings"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/validation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAuditImmutable is returned by any attempt to change an audit entry
var ErrAuditImmutable = errors.New("offline audit log is append-only")

// Entity kinds carried by the queue
const (
	EntityTreatment  = "treatment"
	EntityApplicator = "applicator"
)

// Change operations
const (
	OpCreate       = "create"
	OpUpdate       = "update"
	OpStatusChange = "status_change"
)

// Audit-only operations, appended after the fact
const (
	OpSyncConfirmed    = "sync_confirmed"
	OpConflictResolved = "conflict_resolved"
)

// Pending change lifecycle
const (
	ChangePending  = "pending"
	ChangeSyncing  = "syncing"
	ChangeFailed   = "failed"
	ChangeSynced   = "synced"
	ChangeConflict = "conflict"
	// ChangeResolved is a change superseded by a re-queued replacement
	ChangeResolved = "resolved"
)

// PendingChange is one queued local mutation awaiting the server
type PendingChange struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	EntityType  string `gorm:"type:varchar(32);not null;index:idx_pending_entity,priority:1" json:"entityType"`
	EntityID    string `gorm:"type:varchar(128);not null;index:idx_pending_entity,priority:2" json:"entityId"`
	Operation   string `gorm:"type:varchar(20);not null" json:"operation"` // create, update, status_change
	ContentHash string `gorm:"type:varchar(64);not null;uniqueIndex" json:"contentHash"`
	BaseVersion int64  `json:"baseVersion"`
	DeviceID    string `gorm:"type:varchar(64)" json:"deviceId"`
	// Seq orders changes of one entity; a re-queued replacement keeps the
	// Seq of the change it replaces
	Seq uint `gorm:"index" json:"seq"`

	// Payload is plaintext in memory; PayloadSealed is what reaches disk
	Payload       datatypes.JSON `gorm:"-" json:"payload"`
	PayloadSealed []byte         `gorm:"column:payload;not null" json:"-"`

	RetryCount   int        `gorm:"default:0" json:"retryCount"`
	Status       string     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	LastError    string     `gorm:"type:text" json:"lastError,omitempty"`
	ConflictID   *uint      `json:"conflictId,omitempty"`
	OfflineSince *time.Time `json:"offlineSince,omitempty"`
	ChangedAt    time.Time  `json:"changedAt"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
	CreatedAt    time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (PendingChange) TableName() string {
	return "pending_changes"
}

// Conflict classification
const (
	ConflictVersionMismatch = "version_mismatch"
	ConflictStatus          = "status_conflict"
	ConflictData            = "data_conflict"
	ConflictConcurrentEdit  = "concurrent_edit"
)

// Conflict status
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// Conflict resolution strategies
const (
	ResolveLocalWins     = "local_wins"
	ResolveServerWins    = "server_wins"
	ResolveMerged        = "merged"
	ResolveAdminOverride = "admin_override"
)

// SyncConflict represents a divergence between a queued change and the server
type SyncConflict struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	EntityType         string         `gorm:"type:varchar(32);not null;index:idx_conflict_entity" json:"entityType"`
	EntityID           string         `gorm:"type:varchar(128);not null;index:idx_conflict_entity" json:"entityId"`
	ChangeID           uint           `json:"changeId"`
	ConflictType       string         `gorm:"type:varchar(32)" json:"conflictType"`
	LocalData          datatypes.JSON `json:"localData"`
	ServerData         datatypes.JSON `json:"serverData"`
	LocalVersion       int64          `json:"localVersion"`
	ServerVersion      int64          `json:"serverVersion"`
	RequiresAdmin      bool           `json:"requiresAdmin"`
	Status             string         `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	ResolutionStrategy string         `gorm:"type:varchar(32)" json:"resolutionStrategy,omitempty"`
	ResolvedBy         *string        `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time     `json:"resolvedAt,omitempty"`
	DiscardedData      datatypes.JSON `json:"discardedData,omitempty"`
	Notes              string         `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// TableName specifies the table name
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// OfflineAuditLog is an append-only record of a mutation made on the device
type OfflineAuditLog struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	EntityType      string     `gorm:"type:varchar(32);not null;index:idx_audit_entity" json:"entityType"`
	EntityID        string     `gorm:"type:varchar(128);not null;index:idx_audit_entity" json:"entityId"`
	Operation       string     `gorm:"type:varchar(32);not null" json:"operation"`
	Actor           string     `gorm:"type:varchar(255);not null" json:"actor"`
	DeviceID        string     `gorm:"type:varchar(64)" json:"deviceId"`
	OfflineSince    *time.Time `json:"offlineSince,omitempty"`
	ChangedAt       time.Time  `json:"changedAt"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	ChangeHash      string     `gorm:"type:varchar(64);index" json:"changeHash"`
	ConflictOutcome string     `gorm:"type:varchar(32)" json:"conflictOutcome,omitempty"`
	CorrelationID   string     `gorm:"type:varchar(64);index" json:"correlationId"`
	Reason          string     `gorm:"type:text" json:"reason,omitempty"`

	BeforeState  datatypes.JSON `gorm:"-" json:"beforeState,omitempty"`
	AfterState   datatypes.JSON `gorm:"-" json:"afterState,omitempty"`
	BeforeSealed []byte         `gorm:"column:before_state" json:"-"`
	AfterSealed  []byte         `gorm:"column:after_state" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name
func (OfflineAuditLog) TableName() string {
	return "offline_audit_log"
}

// BeforeUpdate hook
func (a *OfflineAuditLog) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// BeforeDelete hook
func (a *OfflineAuditLog) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// ERPMetadataCache is the last inventory snapshot seen for a serial
type ERPMetadataCache struct {
	Serial         string     `gorm:"primaryKey;type:varchar(128)" json:"serial"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
	NoUse          bool       `json:"noUse"`
	TreatmentTypes string     `gorm:"type:varchar(255)" json:"treatmentTypes"` // comma separated
	SeedCount      int        `json:"seedCount"`
	CachedAt       time.Time  `gorm:"not null" json:"cachedAt"`
}

// TableName specifies the table name
func (ERPMetadataCache) TableName() string {
	return "erp_metadata_cache"
}

// Metadata converts the cache row for validation
func (c *ERPMetadataCache) Metadata() *validation.ERPMetadata {
	if c == nil {
		return nil
	}
	var types []string
	for _, t := range strings.Split(c.TreatmentTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return &validation.ERPMetadata{
		Serial:         c.Serial,
		ExpiryDate:     c.ExpiryDate,
		NoUse:          c.NoUse,
		TreatmentTypes: types,
		SeedCount:      c.SeedCount,
		CachedAt:       c.CachedAt,
	}
}
