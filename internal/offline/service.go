// Package offline is the device-side entry point used by the UI: it gates
// every mutation through the safety checks, records it, and queues it for
// the server.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xelth-com/seedtrackgo/internal/bundle"
	"github.com/xelth-com/seedtrackgo/internal/erp"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrFinalizationOffline  = errors.New("offline: treatment finalization is unavailable offline")
	ErrFinalizerUnavailable = errors.New("offline: no signature service configured")
	ErrUnsyncedChanges      = errors.New("offline: treatment has unsynced changes")
	ErrConfirmationRequired = errors.New("offline: transition requires explicit confirmation")
	ErrStaleApplicator      = errors.New("offline: applicator changed while the request was evaluated")
)

// Finalizer completes a treatment with the online signature service
type Finalizer interface {
	Finalize(ctx context.Context, treatmentID, actor string) error
}

// Clock is the adjusted clock
type Clock interface {
	Now() time.Time
}

// Network is the slice of netstatus.Monitor the facade exposes
type Network interface {
	IsOnline() bool
	OfflineSince() (time.Time, bool)
	LastOnline() (time.Time, bool)
	Subscribe(l netstatus.Listener) func()
}

// ClockStatus is implemented by clocksync.Service
type ClockStatus interface {
	IsClockReliable() bool
	Offset() time.Duration
}

// Deps are the collaborators of a Service
type Deps struct {
	Store     store.Store
	Network   Network
	Clock     Clock
	Bundles   *bundle.Manager
	ERP       *erp.Lookup
	Queue     *sync.Queue
	Engine    *sync.Engine
	Resolver  *sync.ConflictResolver
	Finalizer Finalizer
	DeviceID  string
}

// Service is the offline documentation facade
type Service struct {
	Deps
	log *zap.Logger
}

// NewService creates the facade
func NewService(d Deps, log *zap.Logger) *Service {
	if d.Queue == nil {
		var now func() time.Time
		if d.Clock != nil {
			now = d.Clock.Now
		}
		d.Queue = sync.NewQueue(nil, now)
	}
	return &Service{Deps: d, log: logger.OrNop(log)}
}

// Bundle is a treatment snapshot downloaded for offline use
type Bundle struct {
	Treatment   models.Treatment
	Applicators []models.Applicator
}

// DownloadBundle stores a bundle and caches inventory metadata for its
// applicators. The bundle expiry is derived from the download time.
func (s *Service) DownloadBundle(ctx context.Context, b Bundle) (validation.BundleCheck, error) {
	now := s.Clock.Now()
	t := b.Treatment
	t.DownloadedAt = now
	if t.BundleExpiresAt.IsZero() {
		t.BundleExpiresAt = s.Bundles.ExpiresAt(now)
	}

	serials := make([]string, 0, len(b.Applicators))
	err := s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.PutTreatment(ctx, &t); err != nil {
			return err
		}
		for i := range b.Applicators {
			a := b.Applicators[i]
			a.TreatmentID = t.ID
			if a.SyncStatus == "" {
				a.SyncStatus = models.SyncSynced
			}
			if err := tx.PutApplicator(ctx, &a); err != nil {
				return err
			}
			serials = append(serials, a.Serial)
		}
		return nil
	})
	if err != nil {
		return validation.BundleCheck{}, fmt.Errorf("store bundle %s: %w", t.ID, err)
	}

	if s.ERP != nil && s.Network.IsOnline() {
		n := s.ERP.Prefetch(ctx, serials)
		s.log.Info("Bundle downloaded",
			zap.String("treatment_id", t.ID),
			zap.Int("applicators", len(serials)),
			zap.Int("metadata_cached", n),
			zap.Time("expires_at", t.BundleExpiresAt))
	}
	return s.Bundles.Check(t.BundleExpiresAt), nil
}

// ScanApplicator admits a scanned serial for a treatment
func (s *Service) ScanApplicator(ctx context.Context, treatmentID, serial string) (validation.Result, *models.Applicator, error) {
	check, err := s.Bundles.CheckTreatment(ctx, treatmentID)
	if errors.Is(err, store.ErrNotFound) {
		return rejected("treatment %s is not available offline", treatmentID), nil, nil
	}
	if err != nil {
		return validation.Result{}, nil, err
	}
	if !check.Allowed {
		return check.Result, nil, nil
	}

	a, err := s.Store.GetApplicator(ctx, serial)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return validation.Result{}, nil, err
	}
	candidate := validation.ScanCandidate{Serial: serial, TreatmentID: treatmentID}
	if a != nil {
		candidate.Downloaded = true
		candidate.DownloadedFor = a.TreatmentID
	}
	res := validation.ValidateScan(candidate)
	if !res.Allowed {
		return res, nil, nil
	}
	return escalate(res, check.Result), a, nil
}

// StatusChangeRequest asks to move an applicator to a new status
type StatusChangeRequest struct {
	TreatmentID string
	Serial      string
	To          validation.Status
	Actor       string
	Reason      string
	// Confirmed acknowledges a transition that requires confirmation
	Confirmed bool
}

// Verdict is the outcome of a status change request
type Verdict struct {
	validation.Result
	Bundle        validation.BundleCheck `json:"bundle"`
	From          validation.Status      `json:"from"`
	Applied       bool                   `json:"applied"`
	ChangeID      uint                   `json:"changeId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// usage targets need verified inventory metadata; failure markings never do
var needsInventoryCheck = map[validation.Status]bool{
	validation.StatusSealed:   true,
	validation.StatusOpened:   true,
	validation.StatusLoaded:   true,
	validation.StatusInserted: true,
}

// RequestStatusChange evaluates req without changing anything
func (s *Service) RequestStatusChange(ctx context.Context, req StatusChangeRequest) (Verdict, error) {
	v, _, _, err := s.evaluate(ctx, req)
	return v, err
}

func (s *Service) evaluate(ctx context.Context, req StatusChangeRequest) (Verdict, *models.Treatment, *models.Applicator, error) {
	t, err := s.Store.GetTreatment(ctx, req.TreatmentID)
	if errors.Is(err, store.ErrNotFound) {
		return Verdict{Result: rejected("treatment %s is not available offline", req.TreatmentID)}, nil, nil, nil
	}
	if err != nil {
		return Verdict{}, nil, nil, err
	}

	v := Verdict{Bundle: s.Bundles.Check(t.BundleExpiresAt)}
	if !v.Bundle.Allowed {
		v.Result = v.Bundle.Result
		return v, t, nil, nil
	}

	a, err := s.Store.GetApplicator(ctx, req.Serial)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Verdict{}, nil, nil, err
	}
	candidate := validation.ScanCandidate{Serial: req.Serial, TreatmentID: t.ID}
	if a != nil {
		candidate.Downloaded = true
		candidate.DownloadedFor = a.TreatmentID
	}
	if res := validation.ValidateScan(candidate); !res.Allowed {
		v.Result = res
		return v, t, nil, nil
	}
	v.From = a.Status

	if !req.To.Valid() {
		v.Result = rejected("unknown status %q", req.To)
		return v, t, a, nil
	}

	res := validation.Check(validation.TransitionRequest{
		Topology: t.Topology(),
		From:     a.Status,
		To:       req.To,
		Offline:  !s.Network.IsOnline(),
	})
	if !res.Allowed {
		v.Result = res
		return v, t, a, nil
	}

	if a.Status != req.To && needsInventoryCheck[req.To] && s.ERP != nil {
		if inv := s.ERP.Verify(ctx, a.Serial, t.Indication); !inv.Allowed {
			v.Result = inv
			return v, t, a, nil
		}
	}

	if validation.RequiresReason(req.To) && a.Status != req.To {
		if r := validation.ValidateReason(req.To, req.Reason); !r.Allowed {
			v.Result = r
			return v, t, a, nil
		}
	}

	v.Result = escalate(res, v.Bundle.Result)
	return v, t, a, nil
}

// ApplyStatusChange validates req and, when allowed, updates the mirror,
// queues the change and writes the audit entry in one transaction.
func (s *Service) ApplyStatusChange(ctx context.Context, req StatusChangeRequest) (Verdict, error) {
	v, _, a, err := s.evaluate(ctx, req)
	if err != nil || !v.Allowed {
		return v, err
	}
	if v.RequiresConfirmation && !req.Confirmed {
		return v, ErrConfirmationRequired
	}
	if a.Status == req.To {
		return v, nil
	}

	now := s.Clock.Now().UTC()
	correlationID := uuid.NewString()
	audit, err := validation.NewTransitionAudit(a.Serial, a.Status, req.To, req.Actor, req.Reason, correlationID, now)
	if err != nil {
		v.Result = rejected("%v", err)
		return v, nil
	}

	online := s.Network.IsOnline()
	offlineSince := s.offlineSince()
	baseVersion := a.Version

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetApplicator(ctx, a.Serial)
		if err != nil {
			return err
		}
		if current.Version != baseVersion || current.Status != a.Status {
			return ErrStaleApplicator
		}

		before := snapshot(current)
		current.Status = req.To
		current.Version++
		current.SyncStatus = models.SyncPending
		if err := tx.PutApplicator(ctx, current); err != nil {
			return err
		}

		change, _, err := s.Queue.Enqueue(ctx, tx, sync.Change{
			EntityType:  models.EntityApplicator,
			EntityID:    current.Serial,
			Operation:   models.OpStatusChange,
			BaseVersion: baseVersion,
			DeviceID:    s.DeviceID,
			ChangedAt:   now,
			Payload: sync.StatusChangePayload{
				Serial:      current.Serial,
				TreatmentID: current.TreatmentID,
				From:        audit.OldStatus,
				To:          audit.NewStatus,
				Reason:      audit.Reason,
				Actor:       audit.Actor,
				Offline:     !online,
			},
			OfflineSince: offlineSince,
		})
		if err != nil {
			return err
		}
		v.ChangeID = change.ID

		return tx.AppendAudit(ctx, &models.OfflineAuditLog{
			EntityType:    models.EntityApplicator,
			EntityID:      current.Serial,
			Operation:     models.OpStatusChange,
			Actor:         audit.Actor,
			DeviceID:      s.DeviceID,
			OfflineSince:  offlineSince,
			ChangedAt:     audit.At,
			ChangeHash:    change.ContentHash,
			CorrelationID: audit.CorrelationID,
			Reason:        audit.Reason,
			BeforeState:   before,
			AfterState:    snapshot(current),
		})
	})
	if err != nil {
		return v, fmt.Errorf("apply status change for %s: %w", req.Serial, err)
	}

	v.Applied = true
	v.CorrelationID = correlationID
	s.log.Info("Status change recorded",
		zap.String("serial", req.Serial),
		zap.String("from", string(a.Status)),
		zap.String("to", string(req.To)),
		zap.Bool("offline", !online),
		zap.String("correlation_id", correlationID))

	if online && s.Engine != nil {
		s.Engine.TriggerSync()
	}
	return v, nil
}

// AddComment attaches a free-text comment to an applicator
func (s *Service) AddComment(ctx context.Context, serial, actor, comment string) (validation.Result, error) {
	if res := validation.ValidateComment(comment); !res.Allowed {
		return res, nil
	}
	if actor == "" {
		return rejected("%v", validation.ErrMissingActor), nil
	}

	a, err := s.Store.GetApplicator(ctx, serial)
	if errors.Is(err, store.ErrNotFound) {
		return rejected("applicator %s is not available offline", serial), nil
	}
	if err != nil {
		return validation.Result{}, err
	}
	if check, err := s.Bundles.CheckTreatment(ctx, a.TreatmentID); err != nil {
		return validation.Result{}, err
	} else if !check.Allowed {
		return check.Result, nil
	}

	now := s.Clock.Now().UTC()
	online := s.Network.IsOnline()
	offlineSince := s.offlineSince()

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetApplicator(ctx, serial)
		if err != nil {
			return err
		}
		before := snapshot(current)
		baseVersion := current.Version
		current.Comment = comment
		current.Version++
		current.SyncStatus = models.SyncPending
		if err := tx.PutApplicator(ctx, current); err != nil {
			return err
		}

		change, _, err := s.Queue.Enqueue(ctx, tx, sync.Change{
			EntityType:   models.EntityApplicator,
			EntityID:     serial,
			Operation:    models.OpUpdate,
			BaseVersion:  baseVersion,
			DeviceID:     s.DeviceID,
			ChangedAt:    now,
			Payload:      sync.UpdatePayload{Serial: serial, Comment: comment, Actor: actor},
			OfflineSince: offlineSince,
		})
		if err != nil {
			return err
		}

		return tx.AppendAudit(ctx, &models.OfflineAuditLog{
			EntityType:    models.EntityApplicator,
			EntityID:      serial,
			Operation:     models.OpUpdate,
			Actor:         actor,
			DeviceID:      s.DeviceID,
			OfflineSince:  offlineSince,
			ChangedAt:     now,
			ChangeHash:    change.ContentHash,
			CorrelationID: uuid.NewString(),
			BeforeState:   before,
			AfterState:    snapshot(current),
		})
	})
	if err != nil {
		return validation.Result{}, fmt.Errorf("add comment to %s: %w", serial, err)
	}

	if online && s.Engine != nil {
		s.Engine.TriggerSync()
	}
	return validation.Result{Allowed: true, Level: validation.LevelNone}, nil
}

// Finalize completes a treatment. It is always refused offline.
func (s *Service) Finalize(ctx context.Context, treatmentID, actor string) error {
	t, err := s.Store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return err
	}
	if !s.Network.IsOnline() {
		res := validation.ValidateOfflineFinalization(t.Topology())
		return fmt.Errorf("%w: %s", ErrFinalizationOffline, res.Reason)
	}
	if s.Finalizer == nil {
		return ErrFinalizerUnavailable
	}

	applicators, err := s.Store.ApplicatorsForTreatment(ctx, treatmentID)
	if err != nil {
		return err
	}
	for _, a := range applicators {
		if a.SyncStatus == models.SyncPending {
			return fmt.Errorf("%w: applicator %s", ErrUnsyncedChanges, a.Serial)
		}
	}

	if err := s.Finalizer.Finalize(ctx, treatmentID, actor); err != nil {
		return fmt.Errorf("finalize %s: %w", treatmentID, err)
	}
	t.Completed = true
	return s.Store.PutTreatment(ctx, t)
}

// TriggerSync drains the queue now
func (s *Service) TriggerSync(ctx context.Context) (sync.DrainReport, error) {
	return s.Engine.Drain(ctx)
}

// SyncStatus reports queue depth and the last drain
func (s *Service) SyncStatus(ctx context.Context) (sync.EngineStatus, error) {
	return s.Engine.Status(ctx)
}

// PendingConflicts lists conflicts awaiting a decision
func (s *Service) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	return s.Store.PendingConflicts(ctx)
}

// ResolveConflict applies a decision and lets any re-queued change drain
func (s *Service) ResolveConflict(ctx context.Context, id uint, res sync.Resolution) error {
	if err := s.Resolver.Resolve(ctx, id, res); err != nil {
		return err
	}
	if s.Network.IsOnline() && s.Engine != nil {
		s.Engine.TriggerSync()
	}
	return nil
}

// NetworkStatus is a snapshot for the UI
type NetworkStatus struct {
	Online        bool          `json:"online"`
	OfflineSince  *time.Time    `json:"offlineSince,omitempty"`
	LastOnline    *time.Time    `json:"lastOnline,omitempty"`
	ClockReliable bool          `json:"clockReliable"`
	ClockOffset   time.Duration `json:"clockOffset"`
}

// NetworkStatus reports connectivity and clock trust
func (s *Service) NetworkStatus() NetworkStatus {
	st := NetworkStatus{Online: s.Network.IsOnline(), OfflineSince: s.offlineSince()}
	if t, ok := s.Network.LastOnline(); ok {
		st.LastOnline = &t
	}
	if c, ok := s.Clock.(ClockStatus); ok {
		st.ClockReliable = c.IsClockReliable()
		st.ClockOffset = c.Offset()
	}
	return st
}

// Subscribe registers a connectivity listener
func (s *Service) Subscribe(l netstatus.Listener) func() {
	return s.Network.Subscribe(l)
}

func (s *Service) offlineSince() *time.Time {
	if t, ok := s.Network.OfflineSince(); ok {
		t = t.UTC()
		return &t
	}
	return nil
}

func snapshot(a *models.Applicator) datatypes.JSON {
	data, _ := json.Marshal(struct {
		Status  validation.Status `json:"status"`
		Version int64             `json:"version"`
		Comment string            `json:"comment,omitempty"`
	}{a.Status, a.Version, a.Comment})
	return datatypes.JSON(data)
}

func rejected(format string, args ...interface{}) validation.Result {
	return validation.Result{Allowed: false, Level: validation.LevelError, Reason: fmt.Sprintf(format, args...)}
}

// escalate raises res to the bundle warning level and appends its message
func escalate(res, warn validation.Result) validation.Result {
	if warn.Level == validation.LevelWarning && res.Level != validation.LevelError {
		res.Level = validation.LevelWarning
		if res.Reason == "" {
			res.Reason = warn.Reason
		} else {
			res.Reason += "; " + warn.Reason
		}
	}
	return res
}
