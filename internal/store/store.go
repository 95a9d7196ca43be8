// Package store is the on-device persistence for offline documentation:
// treatment and applicator mirrors, the pending-change queue, sync
// conflicts, the append-only audit log and the inventory metadata cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/models"
)

var (
	ErrNotFound = errors.New("store: record not found")
	// ErrSealed is returned when an encrypted field cannot be opened
	ErrSealed = errors.New("store: encrypted field failed verification")
)

// Store is transactional: WithTx runs fn against a Store bound to one
// transaction. Inside fn only the tx Store may be used.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error

	PutTreatment(ctx context.Context, t *models.Treatment) error
	GetTreatment(ctx context.Context, id string) (*models.Treatment, error)
	ListTreatments(ctx context.Context) ([]models.Treatment, error)
	ExpiredTreatments(ctx context.Context, now time.Time) ([]models.Treatment, error)
	DeleteTreatment(ctx context.Context, id string) error

	PutApplicator(ctx context.Context, a *models.Applicator) error
	GetApplicator(ctx context.Context, serial string) (*models.Applicator, error)
	ApplicatorsForTreatment(ctx context.Context, treatmentID string) ([]models.Applicator, error)

	// EnqueueChange inserts c unless a change with the same content hash
	// exists, in which case c is overwritten with the stored entry.
	EnqueueChange(ctx context.Context, c *models.PendingChange) (created bool, err error)
	GetChange(ctx context.Context, id uint) (*models.PendingChange, error)
	PendingChanges(ctx context.Context) ([]models.PendingChange, error)
	ChangesForEntity(ctx context.Context, entityType, entityID string) ([]models.PendingChange, error)
	ChangesByStatus(ctx context.Context, status string) ([]models.PendingChange, error)
	CountPending(ctx context.Context) (int64, error)
	UpdateChange(ctx context.Context, c *models.PendingChange) error

	AppendAudit(ctx context.Context, entry *models.OfflineAuditLog) error
	AuditTrail(ctx context.Context, entityType, entityID string) ([]models.OfflineAuditLog, error)

	PutConflict(ctx context.Context, c *models.SyncConflict) error
	GetConflict(ctx context.Context, id uint) (*models.SyncConflict, error)
	PendingConflicts(ctx context.Context) ([]models.SyncConflict, error)

	PutERPMetadata(ctx context.Context, m *models.ERPMetadataCache) error
	GetERPMetadata(ctx context.Context, serial string) (*models.ERPMetadataCache, error)
}
