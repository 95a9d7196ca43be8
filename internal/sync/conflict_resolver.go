package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrAdminRequired     = errors.New("sync: conflict requires an administrator")
	ErrConflictResolved  = errors.New("sync: conflict already resolved")
	ErrUnknownStrategy   = errors.New("sync: unknown resolution strategy")
	ErrMergedDataMissing = errors.New("sync: merged resolution needs merged data")
)

// Resolver roles
const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Resolver identifies who decided a conflict. Role is RoleAdmin only when
// Token is an administrator token the server has accepted; the token travels
// with re-queued changes so the server can verify the decision.
type Resolver struct {
	ID    string
	Role  string
	Token string
}

func (r Resolver) isAdmin() bool {
	return r.Role == RoleAdmin && r.Token != ""
}

// Resolution is a decision on one conflict
type Resolution struct {
	Strategy string
	Resolver Resolver
	// Merged is the payload to submit for the merged strategy
	Merged json.RawMessage
	Notes  string
}

// Detect classifies the divergence between a queued change and the server.
// It does not persist anything.
func Detect(c *models.PendingChange, server ServerVersion, deviceID string) *models.SyncConflict {
	localFrom, localTo := statusFields(c.Payload)
	serverData, _ := json.Marshal(server)

	conflict := &models.SyncConflict{
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		ChangeID:      c.ID,
		LocalData:     datatypes.JSON(c.Payload),
		ServerData:    datatypes.JSON(serverData),
		LocalVersion:  c.BaseVersion,
		ServerVersion: server.Version,
		Status:        models.ConflictPending,
	}

	switch {
	case server.Status != "" && localTo != "" && server.Status != localTo &&
		(localFrom == "" || server.Status != localFrom):
		conflict.ConflictType = models.ConflictStatus
	case server.LastDeviceID != "" && server.LastDeviceID != deviceID && server.Version > c.BaseVersion:
		conflict.ConflictType = models.ConflictConcurrentEdit
	case server.Version != c.BaseVersion:
		conflict.ConflictType = models.ConflictVersionMismatch
	default:
		conflict.ConflictType = models.ConflictData
	}

	conflict.RequiresAdmin = c.EntityType == models.EntityTreatment ||
		validation.IsCritical(localFrom) ||
		validation.IsCritical(localTo) ||
		validation.IsCritical(server.Status)
	return conflict
}

// ConflictResolver persists detected conflicts and applies decisions
type ConflictResolver struct {
	store       store.Store
	queue       *Queue
	deviceID    string
	autoResolve bool
	now         func() time.Time
	log         *zap.Logger
}

// NewConflictResolver creates a resolver. With autoResolve, conflicts that
// do not require an administrator are settled server_wins on detection.
func NewConflictResolver(s store.Store, q *Queue, deviceID string, autoResolve bool, now func() time.Time, log *zap.Logger) *ConflictResolver {
	if now == nil {
		now = time.Now
	}
	if q == nil {
		q = NewQueue(nil, now)
	}
	return &ConflictResolver{
		store:       s,
		queue:       q,
		deviceID:    deviceID,
		autoResolve: autoResolve,
		now:         now,
		log:         logger.OrNop(log),
	}
}

// Record stores the conflict for c and parks c in the conflict state
func (cr *ConflictResolver) Record(ctx context.Context, c *models.PendingChange, server ServerVersion) (*models.SyncConflict, error) {
	conflict := Detect(c, server, cr.deviceID)
	conflict.CreatedAt = cr.now().UTC()

	err := cr.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.PutConflict(ctx, conflict); err != nil {
			return err
		}
		c.Status = models.ChangeConflict
		c.ConflictID = &conflict.ID
		return tx.UpdateChange(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}

	cr.log.Warn("Sync conflict recorded",
		zap.Uint("conflict_id", conflict.ID),
		zap.String("entity_type", conflict.EntityType),
		zap.String("entity_id", conflict.EntityID),
		zap.String("type", conflict.ConflictType),
		zap.Bool("requires_admin", conflict.RequiresAdmin))

	if cr.autoResolve && !conflict.RequiresAdmin {
		res := Resolution{
			Strategy: models.ResolveServerWins,
			Resolver: Resolver{ID: "auto-resolve", Role: RoleSystem},
			Notes:    "non-critical conflict resolved by policy",
		}
		if err := cr.Resolve(ctx, conflict.ID, res); err != nil {
			cr.log.Error("Auto-resolution failed", zap.Uint("conflict_id", conflict.ID), zap.Error(err))
		} else if resolved, err := cr.store.GetConflict(ctx, conflict.ID); err == nil {
			conflict = resolved
		}
	}
	return conflict, nil
}

// Resolve applies res to a pending conflict. The discarded side is kept on
// the conflict and in the audit log.
func (cr *ConflictResolver) Resolve(ctx context.Context, conflictID uint, res Resolution) error {
	switch res.Strategy {
	case models.ResolveLocalWins, models.ResolveServerWins, models.ResolveMerged, models.ResolveAdminOverride:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, res.Strategy)
	}
	if res.Strategy == models.ResolveMerged && len(res.Merged) == 0 {
		return ErrMergedDataMissing
	}
	if res.Resolver.ID == "" {
		return validation.ErrMissingActor
	}

	return cr.store.WithTx(ctx, func(tx store.Store) error {
		conflict, err := tx.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		if conflict.Status == models.ConflictResolved {
			return ErrConflictResolved
		}
		if (conflict.RequiresAdmin || res.Strategy == models.ResolveAdminOverride) && !res.Resolver.isAdmin() {
			return ErrAdminRequired
		}

		var server ServerVersion
		if err := json.Unmarshal(conflict.ServerData, &server); err != nil {
			return fmt.Errorf("decode server data: %w", err)
		}

		change, err := tx.GetChange(ctx, conflict.ChangeID)
		if err != nil {
			return fmt.Errorf("load conflicted change: %w", err)
		}

		var winner, discarded []byte
		switch res.Strategy {
		case models.ResolveServerWins:
			winner, discarded = conflict.ServerData, conflict.LocalData
			if err := cr.applyServer(ctx, tx, conflict, server); err != nil {
				return err
			}
		case models.ResolveMerged:
			merged, err := CanonicalJSON(res.Merged)
			if err != nil {
				return fmt.Errorf("merged data: %w", err)
			}
			winner = merged
			discarded, _ = json.Marshal(map[string]json.RawMessage{
				"local":  json.RawMessage(nonNull(conflict.LocalData)),
				"server": json.RawMessage(nonNull(conflict.ServerData)),
			})
			if err := cr.requeue(ctx, tx, change, server, merged, res); err != nil {
				return err
			}
		default:
			winner, discarded = conflict.LocalData, conflict.ServerData
			if err := cr.requeue(ctx, tx, change, server, conflict.LocalData, res); err != nil {
				return err
			}
		}

		now := cr.now().UTC()
		resolvedBy := res.Resolver.ID
		conflict.Status = models.ConflictResolved
		conflict.ResolutionStrategy = res.Strategy
		conflict.ResolvedBy = &resolvedBy
		conflict.ResolvedAt = &now
		conflict.DiscardedData = datatypes.JSON(discarded)
		conflict.Notes = res.Notes
		if err := tx.PutConflict(ctx, conflict); err != nil {
			return err
		}

		change.Status = models.ChangeResolved
		if err := tx.UpdateChange(ctx, change); err != nil {
			return err
		}

		entry := &models.OfflineAuditLog{
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			Operation:       models.OpConflictResolved,
			Actor:           res.Resolver.ID,
			DeviceID:        cr.deviceID,
			ChangedAt:       now,
			ChangeHash:      change.ContentHash,
			ConflictOutcome: res.Strategy,
			CorrelationID:   uuid.NewString(),
			Reason:          res.Notes,
			BeforeState:     datatypes.JSON(discarded),
			AfterState:      datatypes.JSON(winner),
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		cr.log.Info("Sync conflict resolved",
			zap.Uint("conflict_id", conflict.ID),
			zap.String("strategy", res.Strategy),
			zap.String("resolved_by", res.Resolver.ID))
		return nil
	})
}

// applyServer overwrites the local mirror with the server's state
func (cr *ConflictResolver) applyServer(ctx context.Context, tx store.Store, conflict *models.SyncConflict, server ServerVersion) error {
	switch conflict.EntityType {
	case models.EntityApplicator:
		a, err := tx.GetApplicator(ctx, conflict.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if server.Status != "" {
			a.Status = server.Status
		}
		a.Version = server.Version
		a.SyncStatus = models.SyncSynced
		return tx.PutApplicator(ctx, a)
	case models.EntityTreatment:
		t, err := tx.GetTreatment(ctx, conflict.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		t.Version = server.Version
		return tx.PutTreatment(ctx, t)
	}
	return nil
}

// requeue enqueues payload rebased on the server version, in the queue
// position of the conflicted change. Pending changes queued after it are
// rebased to follow the replacement.
func (cr *ConflictResolver) requeue(ctx context.Context, tx store.Store, change *models.PendingChange, server ServerVersion, payload []byte, res Resolution) error {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		return fmt.Errorf("re-queue payload must be a JSON object")
	}
	if server.Status != "" {
		if _, ok := body["from"]; ok {
			body["from"] = server.Status
		}
	}
	delete(body, "resolution")
	delete(body, "resolved_by")
	delete(body, "resolver_token")
	// without a verified administrator the server checks the change as usual
	if res.Resolver.isAdmin() {
		body["resolution"] = res.Strategy
		body["resolved_by"] = res.Resolver.ID
		body["resolver_token"] = res.Resolver.Token
	}

	_, _, err := cr.queue.Enqueue(ctx, tx, Change{
		EntityType:   change.EntityType,
		EntityID:     change.EntityID,
		Operation:    change.Operation,
		BaseVersion:  server.Version,
		Payload:      body,
		DeviceID:     cr.deviceID,
		ChangedAt:    cr.now(),
		OfflineSince: change.OfflineSince,
		Seq:          change.Seq,
	})
	if err != nil {
		return err
	}
	if err := cr.rebaseFollowing(ctx, tx, change, server.Version+1); err != nil {
		return err
	}

	if change.EntityType == models.EntityApplicator {
		a, err := tx.GetApplicator(ctx, change.EntityID)
		if err == nil {
			a.SyncStatus = models.SyncPending
			return tx.PutApplicator(ctx, a)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// rebaseFollowing re-queues the pending changes behind change with baselines
// counting up from base. The originals are retired as resolved.
func (cr *ConflictResolver) rebaseFollowing(ctx context.Context, tx store.Store, change *models.PendingChange, base int64) error {
	all, err := tx.ChangesForEntity(ctx, change.EntityType, change.EntityID)
	if err != nil {
		return err
	}
	for i := range all {
		c := &all[i]
		if c.Seq <= change.Seq || c.Status != models.ChangePending || len(c.Payload) == 0 {
			continue
		}
		if c.BaseVersion != base {
			_, _, err := cr.queue.Enqueue(ctx, tx, Change{
				EntityType:   c.EntityType,
				EntityID:     c.EntityID,
				Operation:    c.Operation,
				BaseVersion:  base,
				Payload:      json.RawMessage(c.Payload),
				DeviceID:     c.DeviceID,
				ChangedAt:    c.ChangedAt,
				OfflineSince: c.OfflineSince,
				Seq:          c.Seq,
			})
			if err != nil {
				return err
			}
			c.Status = models.ChangeResolved
			c.LastError = fmt.Sprintf("rebased onto version %d after conflict resolution", base)
			if err := tx.UpdateChange(ctx, c); err != nil {
				return err
			}
		}
		base++
	}
	return nil
}

func nonNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
