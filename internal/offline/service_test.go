package offline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/seedtrackgo/internal/bundle"
	"github.com/xelth-com/seedtrackgo/internal/erp"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/store/storetest"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/validation"
)

const device = "tablet-1"

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type lots map[string]*validation.ERPMetadata

func (l lots) FetchLot(ctx context.Context, serial string) (*validation.ERPMetadata, error) {
	m, ok := l[serial]
	if !ok {
		return nil, erp.ErrLotNotFound
	}
	cp := *m
	return &cp, nil
}

type acceptAll struct{}

func (acceptAll) Submit(ctx context.Context, c *models.PendingChange) (sync.SubmitResult, error) {
	return sync.SubmitResult{Version: c.BaseVersion + 1}, nil
}

type recordingFinalizer struct{ calls []string }

func (f *recordingFinalizer) Finalize(ctx context.Context, treatmentID, actor string) error {
	f.calls = append(f.calls, treatmentID)
	return nil
}

type rig struct {
	svc     *Service
	store   store.Store
	monitor *netstatus.Monitor
	clock   *fixedClock
	lots    lots
	final   *recordingFinalizer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	s := storetest.New(t)
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	m := netstatus.NewMonitor(nil, netstatus.Options{InitialOnline: true}, nil)
	expiry := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	inventory := lots{}
	for _, serial := range []string{"APP-001", "APP-002", "APP-003"} {
		inventory[serial] = &validation.ERPMetadata{Serial: serial, ExpiryDate: &expiry, TreatmentTypes: []string{"prostate"}, SeedCount: 20}
	}

	q := sync.NewQueue(nil, nil)
	resolver := sync.NewConflictResolver(s, q, device, false, clock.Now, nil)
	engine := sync.NewEngine(s, acceptAll{}, resolver, m, sync.Options{DeviceID: device, Now: clock.Now}, nil)
	final := &recordingFinalizer{}

	svc := NewService(Deps{
		Store:     s,
		Network:   m,
		Clock:     clock,
		Bundles:   bundle.NewManager(s, clock, bundle.DefaultTTL, bundle.DefaultWarningWindow, nil),
		ERP:       erp.NewLookup(inventory, s, m, clock, erp.DefaultCacheTTL, nil),
		Queue:     q,
		Engine:    engine,
		Resolver:  resolver,
		Finalizer: final,
		DeviceID:  device,
	}, nil)
	return &rig{svc: svc, store: s, monitor: m, clock: clock, lots: inventory, final: final}
}

func (r *rig) download(t *testing.T) {
	t.Helper()
	check, err := r.svc.DownloadBundle(context.Background(), Bundle{
		Treatment: models.Treatment{ID: "T1", Type: models.TreatmentInsertion, Indication: "prostate"},
		Applicators: []models.Applicator{
			{Serial: "APP-001", Status: validation.StatusSealed, SeedQuantity: 20},
			{Serial: "APP-002", Status: validation.StatusOpened, SeedQuantity: 20},
			{Serial: "APP-003", Status: validation.StatusLoaded, SeedQuantity: 20},
		},
	})
	require.NoError(t, err)
	require.True(t, check.Allowed)
	assert.Equal(t, validation.BundleValid, check.State)
}

func TestDownloadBundleAndScan(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)

	tr, err := r.store.GetTreatment(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, r.clock.now.Add(bundle.DefaultTTL), tr.BundleExpiresAt.UTC())

	_, err = r.store.GetERPMetadata(ctx, "APP-002")
	assert.NoError(t, err, "metadata cached while downloading")

	res, a, err := r.svc.ScanApplicator(ctx, "T1", "APP-001")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, a)
	assert.Equal(t, validation.StatusSealed, a.Status)

	res, _, err = r.svc.ScanApplicator(ctx, "T1", "APP-999")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, _, err = r.svc.ScanApplicator(ctx, "T2", "APP-001")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestApplyStatusChangeOffline(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)
	r.monitor.SetOnline(false)

	req := StatusChangeRequest{TreatmentID: "T1", Serial: "APP-001", To: validation.StatusOpened, Actor: "nurse-1"}
	preview, err := r.svc.RequestStatusChange(ctx, req)
	require.NoError(t, err)
	assert.True(t, preview.Allowed)
	assert.False(t, preview.Applied)

	v, err := r.svc.ApplyStatusChange(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Applied)
	assert.NotEmpty(t, v.CorrelationID)
	assert.Contains(t, v.Reason, "offline")

	a, err := r.store.GetApplicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, validation.StatusOpened, a.Status)
	assert.EqualValues(t, 1, a.Version)
	assert.Equal(t, models.SyncPending, a.SyncStatus)

	changes, err := r.store.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, v.ChangeID, changes[0].ID)
	assert.EqualValues(t, 0, changes[0].BaseVersion)
	assert.NotNil(t, changes[0].OfflineSince)

	var p sync.StatusChangePayload
	require.NoError(t, json.Unmarshal(changes[0].Payload, &p))
	assert.Equal(t, validation.StatusSealed, p.From)
	assert.Equal(t, validation.StatusOpened, p.To)
	assert.True(t, p.Offline)

	trail, err := r.store.AuditTrail(ctx, models.EntityApplicator, "APP-001")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, v.CorrelationID, trail[0].CorrelationID)
	assert.Equal(t, changes[0].ContentHash, trail[0].ChangeHash)
	assert.JSONEq(t, `{"status":"SEALED","version":0}`, string(trail[0].BeforeState))

	_, err = r.svc.TriggerSync(ctx)
	assert.ErrorIs(t, err, sync.ErrOffline)
}

func TestIllegalTransitionChangesNothing(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)

	v, err := r.svc.ApplyStatusChange(ctx, StatusChangeRequest{TreatmentID: "T1", Serial: "APP-001", To: validation.StatusInserted, Actor: "nurse-1"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.False(t, v.Applied)

	n, err := r.store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	a, err := r.store.GetApplicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, validation.StatusSealed, a.Status)
}

func TestFaultyNeedsReasonAndConfirmation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)

	req := StatusChangeRequest{TreatmentID: "T1", Serial: "APP-002", To: validation.StatusFaulty, Actor: "nurse-1"}
	v, err := r.svc.ApplyStatusChange(ctx, req)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "reason")

	req.Reason = "bent needle"
	v, err = r.svc.ApplyStatusChange(ctx, req)
	assert.ErrorIs(t, err, ErrConfirmationRequired)
	assert.True(t, v.RequiresConfirmation)
	assert.False(t, v.Applied)

	req.Confirmed = true
	v, err = r.svc.ApplyStatusChange(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Applied)

	trail, err := r.store.AuditTrail(ctx, models.EntityApplicator, "APP-002")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "bent needle", trail[0].Reason)
}

func TestExpiredBundleBlocksChanges(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)
	r.clock.now = r.clock.now.Add(bundle.DefaultTTL + time.Minute)

	v, err := r.svc.ApplyStatusChange(ctx, StatusChangeRequest{TreatmentID: "T1", Serial: "APP-001", To: validation.StatusOpened, Actor: "nurse-1"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, validation.BundleExpired, v.Bundle.State)

	res, _, err := r.svc.ScanApplicator(ctx, "T1", "APP-001")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestExpiringBundleWarns(t *testing.T) {
	r := newRig(t)
	r.download(t)
	r.clock.now = r.clock.now.Add(bundle.DefaultTTL - time.Hour)

	v, err := r.svc.RequestStatusChange(context.Background(), StatusChangeRequest{TreatmentID: "T1", Serial: "APP-001", To: validation.StatusOpened, Actor: "nurse-1"})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, validation.LevelWarning, v.Level)
	assert.Equal(t, validation.BundleExpiringSoon, v.Bundle.State)
}

func TestInventoryFlagBlocksUse(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.lots["APP-003"].NoUse = true
	r.download(t)

	v, err := r.svc.RequestStatusChange(ctx, StatusChangeRequest{TreatmentID: "T1", Serial: "APP-003", To: validation.StatusInserted, Actor: "nurse-1"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "no-use")

	// failure outcomes stay recordable
	v, err = r.svc.RequestStatusChange(ctx, StatusChangeRequest{TreatmentID: "T1", Serial: "APP-003", To: validation.StatusDischarged, Actor: "nurse-1", Reason: "flagged"})
	require.NoError(t, err)
	assert.True(t, v.Allowed, v.Reason)
}

func TestAddComment(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)

	res, err := r.svc.AddComment(ctx, "APP-001", "nurse-1", "   ")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = r.svc.AddComment(ctx, "APP-001", "nurse-1", "label smudged")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	a, err := r.store.GetApplicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, "label smudged", a.Comment)

	changes, err := r.store.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.OpUpdate, changes[0].Operation)
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.download(t)

	_, err := r.svc.ApplyStatusChange(ctx, StatusChangeRequest{TreatmentID: "T1", Serial: "APP-001", To: validation.StatusOpened, Actor: "nurse-1"})
	require.NoError(t, err)

	r.monitor.SetOnline(false)
	err = r.svc.Finalize(ctx, "T1", "dr-1")
	assert.True(t, errors.Is(err, ErrFinalizationOffline))

	r.monitor.SetOnline(true)
	err = r.svc.Finalize(ctx, "T1", "dr-1")
	assert.ErrorIs(t, err, ErrUnsyncedChanges)

	report, err := r.svc.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)

	require.NoError(t, r.svc.Finalize(ctx, "T1", "dr-1"))
	assert.Equal(t, []string{"T1"}, r.final.calls)
	tr, err := r.store.GetTreatment(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tr.Completed)
}

func TestNetworkStatusAndSubscribe(t *testing.T) {
	r := newRig(t)
	events := make(chan netstatus.Event, 1)
	unsubscribe := r.svc.Subscribe(func(ev netstatus.Event) { events <- ev })
	defer unsubscribe()

	r.monitor.SetOnline(false)
	select {
	case ev := <-events:
		assert.False(t, ev.Online)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	st := r.svc.NetworkStatus()
	assert.False(t, st.Online)
	assert.NotNil(t, st.OfflineSince)
}
