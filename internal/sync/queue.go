package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"gorm.io/datatypes"
)

// Queue appends changes to the durable pending-change table
type Queue struct {
	hasher Hasher
	now    func() time.Time
}

// NewQueue creates a Queue. A nil hasher uses the SHA-256 calculator; now
// should be the adjusted clock and defaults to time.Now.
func NewQueue(h Hasher, now func() time.Time) *Queue {
	if h == nil {
		h = NewChecksumCalculator()
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{hasher: h, now: now}
}

// Enqueue stores c through s, normally a transaction Store. An identical
// change already queued is returned as is, with created false.
func (q *Queue) Enqueue(ctx context.Context, s store.Store, c Change) (*models.PendingChange, bool, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}

	hash, err := q.hasher.Hash(c.EntityType, c.EntityID, c.Operation, c.BaseVersion, canon)
	if err != nil {
		return nil, false, err
	}

	changedAt := c.ChangedAt
	if changedAt.IsZero() {
		changedAt = q.now()
	}

	pc := &models.PendingChange{
		EntityType:   c.EntityType,
		EntityID:     c.EntityID,
		Operation:    c.Operation,
		ContentHash:  hash,
		BaseVersion:  c.BaseVersion,
		DeviceID:     c.DeviceID,
		Payload:      datatypes.JSON(canon),
		Status:       models.ChangePending,
		OfflineSince: c.OfflineSince,
		ChangedAt:    changedAt.UTC(),
		Seq:          c.Seq,
	}
	created, err := s.EnqueueChange(ctx, pc)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s %s: %w", c.EntityType, c.EntityID, err)
	}
	return pc, created, nil
}
