// Package sync drains the pending-change queue to the server and handles
// the conflicts that come back.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDrainInProgress = errors.New("sync: drain already in progress")
	ErrNotFailed       = errors.New("sync: change is not in the failed state")
)

// Connectivity is the slice of netstatus.Monitor the engine uses
type Connectivity interface {
	IsOnline() bool
	Subscribe(l netstatus.Listener) func()
}

// Options tunes the engine
type Options struct {
	DeviceID      string
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	JitterPercent uint64
	Workers       int
	SubmitTimeout time.Duration
	Hasher        Hasher
	Now           func() time.Time
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	if o.JitterPercent > 100 {
		o.JitterPercent = 100
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 15 * time.Second
	}
	if o.Hasher == nil {
		o.Hasher = NewChecksumCalculator()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine drains the queue whenever the device is online
type Engine struct {
	store     store.Store
	submitter Submitter
	resolver  *ConflictResolver
	net       Connectivity
	opts      Options
	log       *zap.Logger

	mu          sync.Mutex
	draining    bool
	cancelDrain context.CancelFunc
	lastDrain   time.Time
	lastReport  DrainReport
	running     bool
	unsubscribe func()
	trigger     chan struct{}
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewEngine creates a sync engine
func NewEngine(s store.Store, submitter Submitter, resolver *ConflictResolver, net Connectivity, opts Options, log *zap.Logger) *Engine {
	opts.normalize()
	return &Engine{
		store:     s,
		submitter: submitter,
		resolver:  resolver,
		net:       net,
		opts:      opts,
		log:       logger.OrNop(log),
		trigger:   make(chan struct{}, 1),
	}
}

// Start subscribes to connectivity and runs the drain worker
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	stop := e.stopChan
	e.mu.Unlock()

	e.unsubscribe = e.net.Subscribe(func(ev netstatus.Event) {
		if ev.Online {
			e.TriggerSync()
		} else {
			e.interrupt()
		}
	})

	e.wg.Add(1)
	go e.worker(stop)

	if e.net.IsOnline() {
		e.TriggerSync()
	}
	e.log.Info("Sync engine started", zap.String("device_id", e.opts.DeviceID))
}

// Stop interrupts any drain and waits for the worker
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.interrupt()
	e.wg.Wait()
	e.log.Info("Sync engine stopped")
}

// TriggerSync asks the worker for a drain. It never blocks.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) worker(stop chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-e.trigger:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrDrainInProgress) {
				e.log.Error("Drain failed", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

func (e *Engine) interrupt() {
	e.mu.Lock()
	cancel := e.cancelDrain
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain submits every pending change. Changes of one entity go in queue
// order, one at a time; different entities drain concurrently.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	if !e.net.IsOnline() {
		return DrainReport{}, ErrOffline
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return DrainReport{}, ErrDrainInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	e.draining = true
	e.cancelDrain = cancel
	e.mu.Unlock()

	start := e.opts.Now()
	report := &DrainReport{}
	defer func() {
		cancel()
		report.Duration = e.opts.Now().Sub(start)
		e.mu.Lock()
		e.draining = false
		e.cancelDrain = nil
		e.lastDrain = start
		e.lastReport = *report
		e.mu.Unlock()
	}()

	if err := e.recoverSyncing(ctx); err != nil {
		return *report, err
	}

	pending, err := e.store.PendingChanges(ctx)
	if err != nil {
		return *report, fmt.Errorf("load pending changes: %w", err)
	}
	if len(pending) == 0 {
		return *report, nil
	}

	groups := groupByEntity(pending)
	e.log.Info("Draining sync queue", zap.Int("changes", len(pending)), zap.Int("entities", len(groups)))

	var reportMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			r := e.drainEntity(gctx, group)
			reportMu.Lock()
			report.merge(r)
			reportMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Interrupted = ctx.Err() != nil
	e.log.Info("Drain finished",
		zap.Int("submitted", report.Submitted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("skipped", report.Skipped),
		zap.Bool("interrupted", report.Interrupted))
	return *report, nil
}

func (r *DrainReport) merge(o DrainReport) {
	r.Submitted += o.Submitted
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
}

// recoverSyncing returns changes left mid-flight by a crash to the queue
func (e *Engine) recoverSyncing(ctx context.Context) error {
	stuck, err := e.store.ChangesByStatus(ctx, models.ChangeSyncing)
	if err != nil {
		return err
	}
	for i := range stuck {
		stuck[i].Status = models.ChangePending
		if err := e.store.UpdateChange(ctx, &stuck[i]); err != nil {
			return err
		}
	}
	return nil
}

func groupByEntity(changes []models.PendingChange) [][]models.PendingChange {
	index := make(map[string]int)
	var groups [][]models.PendingChange
	for _, c := range changes {
		key := c.EntityType + "\x00" + c.EntityID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

// blocked reports whether an older change of the entity awaits a human
func (e *Engine) blocked(ctx context.Context, first models.PendingChange) (bool, error) {
	all, err := e.store.ChangesForEntity(ctx, first.EntityType, first.EntityID)
	if err != nil {
		return false, err
	}
	for _, c := range all {
		if c.ID == first.ID || c.Seq > first.Seq {
			break
		}
		if c.Status == models.ChangeFailed || c.Status == models.ChangeConflict {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) drainEntity(ctx context.Context, changes []models.PendingChange) DrainReport {
	var r DrainReport
	log := e.log.With(zap.String("entity_type", changes[0].EntityType), zap.String("entity_id", changes[0].EntityID))

	if blocked, err := e.blocked(ctx, changes[0]); err != nil || blocked {
		if err != nil {
			log.Error("Entity check failed", zap.Error(err))
		}
		r.Skipped = len(changes)
		return r
	}

	for i := range changes {
		c := &changes[i]
		if ctx.Err() != nil {
			return r
		}

		if err := VerifyChange(e.opts.Hasher, c); err != nil {
			log.Error("Queued change failed integrity check", zap.Uint("change_id", c.ID), zap.Error(err))
			e.markFailed(ctx, c, err)
			r.Failed++
			r.Skipped += len(changes) - i - 1
			return r
		}

		c.Status = models.ChangeSyncing
		if err := e.store.UpdateChange(ctx, c); err != nil {
			log.Error("Could not mark change syncing", zap.Error(err))
			return r
		}

		res, err := e.submitWithRetry(ctx, c)
		switch {
		case err == nil:
			if err := e.confirm(ctx, c, res); err != nil {
				log.Error("Could not record confirmation", zap.Uint("change_id", c.ID), zap.Error(err))
				return r
			}
			if res.Duplicate {
				r.Duplicates++
			} else {
				r.Submitted++
			}
			continue

		case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrOffline):
			e.requeue(c)
			return r
		}

		var conflictErr *ConflictError
		var rejectedErr *RejectedError
		switch {
		case errors.As(err, &conflictErr):
			e.toResolver(ctx, c, conflictErr.Server, &r)
		case errors.As(err, &rejectedErr) && rejectedErr.Server != nil:
			e.toResolver(ctx, c, *rejectedErr.Server, &r)
		default:
			log.Warn("Change failed, manual intervention needed",
				zap.Uint("change_id", c.ID),
				zap.Int("retries", c.RetryCount),
				zap.Error(err))
			e.markFailed(ctx, c, err)
			r.Failed++
		}
		r.Skipped += len(changes) - i - 1
		return r
	}
	return r
}

func (e *Engine) submitWithRetry(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
	b := retry.NewExponential(e.opts.RetryBase)
	b = retry.WithJitterPercent(e.opts.JitterPercent, b)
	b = retry.WithCappedDuration(e.opts.RetryMaxDelay, b)
	b = retry.WithMaxRetries(uint64(e.opts.MaxAttempts-1), b)

	var result SubmitResult
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
		defer cancel()

		res, err := e.submitter.Submit(sctx, c)
		if err == nil {
			result = res
			return nil
		}

		var transient *TransientError
		if errors.As(err, &transient) && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			c.RetryCount++
			c.LastError = err.Error()
			e.log.Debug("Transient submit failure",
				zap.Uint("change_id", c.ID),
				zap.Int("attempt", c.RetryCount),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	return result, err
}

// confirm marks c synced and appends the confirming audit entry
func (e *Engine) confirm(ctx context.Context, c *models.PendingChange, res SubmitResult) error {
	now := e.opts.Now().UTC()
	return e.store.WithTx(ctx, func(tx store.Store) error {
		c.Status = models.ChangeSynced
		c.SyncedAt = &now
		c.LastError = ""
		if err := tx.UpdateChange(ctx, c); err != nil {
			return err
		}

		entry := &models.OfflineAuditLog{
			EntityType:    c.EntityType,
			EntityID:      c.EntityID,
			Operation:     models.OpSyncConfirmed,
			Actor:         "sync-engine",
			DeviceID:      c.DeviceID,
			OfflineSince:  c.OfflineSince,
			ChangedAt:     c.ChangedAt,
			SyncedAt:      &now,
			ChangeHash:    c.ContentHash,
			CorrelationID: uuid.NewString(),
		}
		if res.Duplicate {
			entry.Reason = "already applied on server"
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		if c.EntityType != models.EntityApplicator {
			return nil
		}
		a, err := tx.GetApplicator(ctx, c.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if res.Version > a.Version {
			a.Version = res.Version
		}
		rest, err := tx.ChangesForEntity(ctx, c.EntityType, c.EntityID)
		if err != nil {
			return err
		}
		a.SyncStatus = models.SyncSynced
		for _, other := range rest {
			if other.ID != c.ID && (other.Status == models.ChangePending || other.Status == models.ChangeSyncing) {
				a.SyncStatus = models.SyncPending
				break
			}
		}
		return tx.PutApplicator(ctx, a)
	})
}

func (e *Engine) toResolver(ctx context.Context, c *models.PendingChange, server ServerVersion, r *DrainReport) {
	if _, err := e.resolver.Record(ctx, c, server); err != nil {
		e.log.Error("Could not record conflict", zap.Uint("change_id", c.ID), zap.Error(err))
		e.markFailed(ctx, c, err)
		r.Failed++
		return
	}
	r.Conflicts++
}

func (e *Engine) markFailed(ctx context.Context, c *models.PendingChange, cause error) {
	c.Status = models.ChangeFailed
	c.LastError = cause.Error()
	if err := e.store.UpdateChange(ctx, c); err != nil {
		e.log.Error("Could not mark change failed", zap.Uint("change_id", c.ID), zap.Error(err))
	}
}

// requeue puts an interrupted change back in the pending state. The drain
// context is already cancelled, so this uses a fresh one.
func (e *Engine) requeue(c *models.PendingChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Status = models.ChangePending
	if err := e.store.UpdateChange(ctx, c); err != nil {
		e.log.Error("Could not return change to queue", zap.Uint("change_id", c.ID), zap.Error(err))
	}
}

// RetryFailed returns a failed change to the queue and triggers a drain
func (e *Engine) RetryFailed(ctx context.Context, id uint) error {
	c, err := e.store.GetChange(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.ChangeFailed {
		return ErrNotFailed
	}
	c.Status = models.ChangePending
	c.RetryCount = 0
	c.LastError = ""
	if err := e.store.UpdateChange(ctx, c); err != nil {
		return err
	}
	e.TriggerSync()
	return nil
}

// Status reports queue depth and the last drain
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	failed, err := e.store.ChangesByStatus(ctx, models.ChangeFailed)
	if err != nil {
		return EngineStatus{}, err
	}
	conflicts, err := e.store.PendingConflicts(ctx)
	if err != nil {
		return EngineStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		Online:     e.net.IsOnline(),
		Draining:   e.draining,
		Pending:    pending,
		Failed:     len(failed),
		Conflicts:  len(conflicts),
		LastDrain:  e.lastDrain,
		LastReport: e.lastReport,
	}, nil
}
