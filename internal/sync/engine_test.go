package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/store/storetest"
	"github.com/xelth-com/seedtrackgo/internal/validation"
)

const testDevice = "device-A"

// fakeServer applies changes in memory, keyed by content hash
type fakeServer struct {
	mu      sync.Mutex
	applied map[string]bool
	order   []string
	calls   atomic.Int32
	fn      func(ctx context.Context, c *models.PendingChange) (SubmitResult, error)
}

func newFakeServer() *fakeServer {
	return &fakeServer{applied: make(map[string]bool)}
}

func (f *fakeServer) Submit(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[c.ContentHash] {
		return SubmitResult{Duplicate: true, Version: c.BaseVersion + 1}, nil
	}
	f.applied[c.ContentHash] = true
	f.order = append(f.order, c.ContentHash)
	return SubmitResult{Version: c.BaseVersion + 1}, nil
}

type testRig struct {
	store   store.Store
	queue   *Queue
	monitor *netstatus.Monitor
	engine  *Engine
	server  *fakeServer
}

func newRig(t *testing.T, online bool, opts Options) *testRig {
	t.Helper()
	s := storetest.New(t)
	q := NewQueue(nil, nil)
	m := netstatus.NewMonitor(nil, netstatus.Options{InitialOnline: online}, nil)
	srv := newFakeServer()

	opts.DeviceID = testDevice
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 5 * time.Millisecond
	}
	resolver := NewConflictResolver(s, q, testDevice, false, nil, nil)
	e := NewEngine(s, srv, resolver, m, opts, nil)
	return &testRig{store: s, queue: q, monitor: m, engine: e, server: srv}
}

func (r *testRig) applicator(t *testing.T, serial string, status validation.Status, version int64) {
	t.Helper()
	require.NoError(t, r.store.PutApplicator(context.Background(), &models.Applicator{
		Serial:      serial,
		TreatmentID: "T1",
		Status:      status,
		SyncStatus:  models.SyncPending,
		Version:     version,
	}))
}

func (r *testRig) statusChange(t *testing.T, serial string, from, to validation.Status, base int64) *models.PendingChange {
	t.Helper()
	c, created, err := r.queue.Enqueue(context.Background(), r.store, Change{
		EntityType:  models.EntityApplicator,
		EntityID:    serial,
		Operation:   models.OpStatusChange,
		BaseVersion: base,
		DeviceID:    testDevice,
		Payload: StatusChangePayload{
			Serial:      serial,
			TreatmentID: "T1",
			From:        from,
			To:          to,
			Actor:       "nurse-1",
			Offline:     true,
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func (r *testRig) change(t *testing.T, id uint) *models.PendingChange {
	t.Helper()
	c, err := r.store.GetChange(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestEnqueueIsIdempotent(t *testing.T) {
	rig := newRig(t, true, Options{})
	first := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	again, created, err := rig.queue.Enqueue(context.Background(), rig.store, Change{
		EntityType:  models.EntityApplicator,
		EntityID:    "APP-001",
		Operation:   models.OpStatusChange,
		BaseVersion: 0,
		Payload: map[string]interface{}{
			"offline":      true,
			"actor":        "nurse-1",
			"to":           "OPENED",
			"from":         "SEALED",
			"treatment_id": "T1",
			"serial":       "APP-001",
		},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	n, err := rig.store.CountPending(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDrainKeepsOrderAndResubmitIsNoop(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, true, Options{})
	rig.applicator(t, "APP-001", validation.StatusLoaded, 3)

	c1 := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)
	c2 := rig.statusChange(t, "APP-001", validation.StatusOpened, validation.StatusLoaded, 1)
	c3 := rig.statusChange(t, "APP-001", validation.StatusLoaded, validation.StatusInserted, 2)
	require.NotEqual(t, c1.ContentHash, c2.ContentHash)
	require.NotEqual(t, c2.ContentHash, c3.ContentHash)

	report, err := rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Submitted)
	assert.Zero(t, report.Failed)
	assert.Equal(t, []string{c1.ContentHash, c2.ContentHash, c3.ContentHash}, rig.server.order)

	for _, c := range []*models.PendingChange{c1, c2, c3} {
		got := rig.change(t, c.ID)
		assert.Equal(t, models.ChangeSynced, got.Status)
		assert.NotNil(t, got.SyncedAt)
	}

	a, err := rig.store.GetApplicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, a.SyncStatus)

	trail, err := rig.store.AuditTrail(ctx, models.EntityApplicator, "APP-001")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for _, entry := range trail {
		assert.Equal(t, models.OpSyncConfirmed, entry.Operation)
		assert.NotNil(t, entry.SyncedAt)
	}

	// A client bug resubmits the first change
	res, err := rig.server.Submit(ctx, c1)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, rig.server.order, 3)
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	rig := newRig(t, true, Options{MaxAttempts: 5})
	var attempts atomic.Int32
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		if attempts.Add(1) <= 2 {
			return SubmitResult{}, &TransientError{Err: errors.New("HTTP 503")}
		}
		return SubmitResult{Version: 1}, nil
	}
	c := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	report, err := rig.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)

	got := rig.change(t, c.ID)
	assert.Equal(t, models.ChangeSynced, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestTransientFailuresAreBounded(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, true, Options{MaxAttempts: 3})
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		return SubmitResult{}, &TransientError{Err: errors.New("connection reset by peer")}
	}
	c1 := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)
	c2 := rig.statusChange(t, "APP-001", validation.StatusOpened, validation.StatusLoaded, 1)

	report, err := rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.EqualValues(t, 3, rig.server.calls.Load())

	failed := rig.change(t, c1.ID)
	assert.Equal(t, models.ChangeFailed, failed.Status)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Contains(t, failed.LastError, "connection reset")
	assert.Equal(t, models.ChangePending, rig.change(t, c2.ID).Status)

	// The failed change keeps blocking its entity until someone retries it
	report, err = rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.EqualValues(t, 3, rig.server.calls.Load())

	rig.server.fn = nil
	require.NoError(t, rig.engine.RetryFailed(ctx, c1.ID))
	assert.ErrorIs(t, rig.engine.RetryFailed(ctx, c2.ID), ErrNotFailed)

	report, err = rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Submitted)
}

func TestNonTransientRejectionIsNotRetried(t *testing.T) {
	rig := newRig(t, true, Options{MaxAttempts: 5})
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		return SubmitResult{}, &RejectedError{Reason: "malformed payload"}
	}
	c := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	report, err := rig.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 1, rig.server.calls.Load())
	assert.Equal(t, models.ChangeFailed, rig.change(t, c.ID).Status)
}

func TestConflictIsHandedToResolver(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, true, Options{})
	rig.applicator(t, "APP-001", validation.StatusInserted, 3)
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		return SubmitResult{}, &ConflictError{
			Reason: "baseline mismatch",
			Server: ServerVersion{
				EntityType: models.EntityApplicator,
				EntityID:   "APP-001",
				Version:    5,
				Status:     validation.StatusOpened,
			},
		}
	}
	c := rig.statusChange(t, "APP-001", validation.StatusLoaded, validation.StatusInserted, 2)

	report, err := rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.EqualValues(t, 1, rig.server.calls.Load())

	got := rig.change(t, c.ID)
	assert.Equal(t, models.ChangeConflict, got.Status)
	require.NotNil(t, got.ConflictID)

	conflicts, err := rig.store.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictStatus, conflicts[0].ConflictType)
	assert.True(t, conflicts[0].RequiresAdmin)

	// Neither side was overwritten
	a, err := rig.store.GetApplicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, validation.StatusInserted, a.Status)
}

type tamperedHasher struct{}

func (tamperedHasher) Hash(string, string, string, int64, []byte) (string, error) {
	return "0000", nil
}

func TestIntegrityMismatchBlocksSubmission(t *testing.T) {
	rig := newRig(t, true, Options{Hasher: tamperedHasher{}})
	c := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	report, err := rig.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, rig.server.calls.Load())

	got := rig.change(t, c.ID)
	assert.Equal(t, models.ChangeFailed, got.Status)
	assert.Contains(t, got.LastError, "hash mismatch")
}

func TestDrainOfflineIsRefused(t *testing.T) {
	rig := newRig(t, false, Options{})
	rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	_, err := rig.engine.Drain(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, rig.server.calls.Load())
}

func TestEntitiesDrainConcurrently(t *testing.T) {
	rig := newRig(t, true, Options{Workers: 2})
	bSubmitted := make(chan struct{})
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		if c.EntityID == "APP-B" {
			close(bSubmitted)
			return SubmitResult{Version: 1}, nil
		}
		select {
		case <-bSubmitted:
			return SubmitResult{Version: 1}, nil
		case <-time.After(2 * time.Second):
			return SubmitResult{}, &RejectedError{Reason: "APP-B was not drained alongside APP-A"}
		}
	}
	rig.statusChange(t, "APP-A", validation.StatusSealed, validation.StatusOpened, 0)
	rig.statusChange(t, "APP-B", validation.StatusSealed, validation.StatusOpened, 0)

	report, err := rig.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Submitted)
}

func TestEngineDrainsWhenNetworkReturns(t *testing.T) {
	rig := newRig(t, false, Options{})
	c := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	rig.engine.Start()
	defer rig.engine.Stop()

	assert.Never(t, func() bool { return rig.server.calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	rig.monitor.SetOnline(true)
	assert.Eventually(t, func() bool {
		got, err := rig.store.GetChange(context.Background(), c.ID)
		return err == nil && got.Status == models.ChangeSynced
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGoingOfflineInterruptsDrain(t *testing.T) {
	rig := newRig(t, true, Options{})
	entered := make(chan struct{})
	var once sync.Once
	rig.server.fn = func(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return SubmitResult{}, ctx.Err()
	}
	c1 := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)
	c2 := rig.statusChange(t, "APP-001", validation.StatusOpened, validation.StatusLoaded, 1)

	rig.engine.Start()
	defer rig.engine.Stop()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not start")
	}
	rig.monitor.SetOnline(false)

	assert.Eventually(t, func() bool {
		st, err := rig.engine.Status(context.Background())
		return err == nil && !st.Draining
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.ChangePending, rig.change(t, c1.ID).Status)
	assert.Equal(t, models.ChangePending, rig.change(t, c2.ID).Status)
	assert.EqualValues(t, 1, rig.server.calls.Load())

	st, err := rig.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.EqualValues(t, 2, st.Pending)
	assert.True(t, st.LastReport.Interrupted)
}

func TestChangeLeftSyncingIsResubmitted(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, true, Options{})
	rig.applicator(t, "APP-001", validation.StatusOpened, 1)
	c := rig.statusChange(t, "APP-001", validation.StatusSealed, validation.StatusOpened, 0)

	// process died mid-submit
	c.Status = models.ChangeSyncing
	require.NoError(t, rig.store.UpdateChange(ctx, c))

	report, err := rig.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, models.ChangeSynced, rig.change(t, c.ID).Status)
}

func TestEnqueueStampsWithInjectedClock(t *testing.T) {
	adjusted := time.Date(2026, 3, 1, 8, 7, 0, 0, time.UTC)
	q := NewQueue(nil, func() time.Time { return adjusted })

	c, _, err := q.Enqueue(context.Background(), storetest.New(t), Change{
		EntityType: models.EntityApplicator,
		EntityID:   "APP-001",
		Operation:  models.OpUpdate,
		Payload:    UpdatePayload{Serial: "APP-001", Comment: "checked", Actor: "nurse-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, adjusted, c.ChangedAt)
}
