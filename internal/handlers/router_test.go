package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/seedtrackgo/internal/clocksync"
	"github.com/xelth-com/seedtrackgo/internal/database"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/offline"
	"github.com/xelth-com/seedtrackgo/internal/services/ingest"
	"github.com/xelth-com/seedtrackgo/internal/store/storetest"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"github.com/xelth-com/seedtrackgo/internal/websocket"
)

const (
	jwtSecret        = "router-test-secret"
	enrollmentSecret = "ward-3-enrollment"
)

type testServer struct {
	url    string
	ingest *ingest.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AutoMigrate(models.ServerModels()...))

	hub := websocket.NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	hash, err := utils.HashPassword(enrollmentSecret)
	require.NoError(t, err)

	svc := ingest.NewService(db.DB, hub, jwtSecret, nil)
	require.NoError(t, svc.Register(context.Background(), ingest.Bundle{
		Treatment:   models.ServerTreatment{ID: "T1", Type: models.TreatmentInsertion, Indication: "prostate"},
		Applicators: []models.ServerApplicator{{Serial: "APP-001", Status: string(validation.StatusSealed), SeedQuantity: 20}},
	}))

	router := NewRouter(db.DB, svc, hub, Options{JWTSecret: jwtSecret, EnrollmentSecretHash: hash}, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, ingest: svc}
}

func (s *testServer) base() string { return s.url }

func newDevice(t *testing.T, s *testServer, id string) *offline.Remote {
	t.Helper()
	identity, err := utils.LoadOrGenerateDeviceIdentity(filepath.Join(t.TempDir(), "identity.json"), id)
	require.NoError(t, err)
	return offline.NewRemote(s.base, "", identity, nil)
}

func queued(t *testing.T, deviceID string, base int64, p sync.StatusChangePayload) *models.PendingChange {
	t.Helper()
	c, _, err := sync.NewQueue(nil, nil).Enqueue(context.Background(), storetest.New(t), sync.Change{
		EntityType:  models.EntityApplicator,
		EntityID:    p.Serial,
		Operation:   models.OpStatusChange,
		BaseVersion: base,
		DeviceID:    deviceID,
		Payload:     p,
	})
	require.NoError(t, err)
	return c
}

func TestDeviceSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := newDevice(t, s, "tablet-1")

	token, err := device.Pair(ctx, "Ward 3 tablet", enrollmentSecret)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	b, err := device.FetchBundle(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "prostate", b.Treatment.Indication)
	require.Len(t, b.Applicators, 1)
	assert.Equal(t, validation.StatusSealed, b.Applicators[0].Status)

	sub := sync.NewHTTPSubmitter(s.base, token, 5*time.Second)
	change := queued(t, "tablet-1", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusOpened, Actor: "nurse-1", Offline: true,
	})

	res, err := sub.Submit(ctx, change)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.EqualValues(t, 1, res.Version)

	res, err = sub.Submit(ctx, change)
	require.NoError(t, err)
	assert.True(t, res.Duplicate, "replaying a change must not apply it twice")

	stale := queued(t, "tablet-1", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusOpened, Actor: "nurse-2", Offline: true,
	})
	_, err = sub.Submit(ctx, stale)
	var conflict *sync.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.EqualValues(t, 1, conflict.Server.Version)
	assert.Equal(t, validation.StatusOpened, conflict.Server.Status)

	serverTime, err := clocksync.NewHTTPTimeSource(s.base).ServerTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), serverTime, time.Minute)

	require.NoError(t, device.Finalize(ctx, "T1", "dr-1"))
	final, err := s.ingest.Bundle(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, final.Treatment.Completed)
}

func TestPendingDeviceNeedsApproval(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := newDevice(t, s, "tablet-2")

	_, err := device.Pair(ctx, "spare tablet", "")
	assert.ErrorIs(t, err, offline.ErrPairingPending)

	deviceToken, err := utils.GenerateDeviceToken("tablet-2", jwtSecret, time.Hour)
	require.NoError(t, err)
	_, err = sync.NewHTTPSubmitter(s.base, deviceToken, time.Second).Submit(ctx, queued(t, "tablet-2", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusOpened, Actor: "nurse-1",
	}))
	var rejected *sync.RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)

	adminToken, err := utils.GenerateAdminToken("ops", jwtSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, setStatus(t, s, deviceToken, "tablet-2", "active"))
	assert.Equal(t, http.StatusOK, setStatus(t, s, adminToken, "tablet-2", "active"))

	token, err := device.Pair(ctx, "spare tablet", "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func setStatus(t *testing.T, s *testServer, token, deviceID, status string) int {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"status": status})
	req, err := http.NewRequest(http.MethodPut, s.url+"/admin/devices/"+deviceID+"/status", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestChangesFromAnotherDeviceAreRefused(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	token, err := newDevice(t, s, "tablet-1").Pair(ctx, "", enrollmentSecret)
	require.NoError(t, err)

	_, err = sync.NewHTTPSubmitter(s.base, token, time.Second).Submit(ctx, queued(t, "tablet-9", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusOpened, Actor: "nurse-1",
	}))
	var rejected *sync.RejectedError
	assert.True(t, errors.As(err, &rejected), "got %v", err)
}

func TestFinalizeNeedsDeviceSignature(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	token, err := newDevice(t, s, "tablet-1").Pair(ctx, "", enrollmentSecret)
	require.NoError(t, err)

	// same token, different key pair
	impostor := newDevice(t, s, "tablet-1")
	impostor.Token = token
	err = impostor.Finalize(ctx, "T1", "dr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	b, err := s.ingest.Bundle(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, b.Treatment.Completed)
}

func TestResolvedChangeNeedsVerifiedAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := newDevice(t, s, "tablet-1")
	token, err := device.Pair(ctx, "", enrollmentSecret)
	require.NoError(t, err)
	sub := sync.NewHTTPSubmitter(s.base, token, 5*time.Second)

	_, err = device.VerifyAdmin(ctx, token)
	assert.ErrorIs(t, err, sync.ErrAdminRequired, "a device token is not an admin token")

	_, err = sub.Submit(ctx, queued(t, "tablet-1", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusInserted,
		Actor: "nurse-1", Resolution: models.ResolveLocalWins, ResolvedBy: "nurse-1",
	}))
	var rejected *sync.RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	a, err := s.ingest.Applicator(ctx, "APP-001")
	require.NoError(t, err)
	assert.Equal(t, string(validation.StatusSealed), a.Status)

	adminToken, err := utils.GenerateAdminToken("ops", jwtSecret, time.Hour)
	require.NoError(t, err)
	resolver, err := device.VerifyAdmin(ctx, adminToken)
	require.NoError(t, err)
	assert.Equal(t, sync.Resolver{ID: "ops", Role: sync.RoleAdmin, Token: adminToken}, resolver)

	res, err := sub.Submit(ctx, queued(t, "tablet-1", 0, sync.StatusChangePayload{
		Serial: "APP-001", TreatmentID: "T1", From: validation.StatusSealed, To: validation.StatusInserted,
		Actor: "nurse-1", Resolution: models.ResolveAdminOverride, ResolvedBy: resolver.ID, ResolverToken: resolver.Token,
	}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Version)
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get(s.url + "/api/applicators/APP-001")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	NewRouter(nil, nil, nil, Options{JWTSecret: jwtSecret}, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
