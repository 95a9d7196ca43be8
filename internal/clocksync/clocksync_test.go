package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sourceFunc func(ctx context.Context) (time.Time, error)

func (f sourceFunc) ServerTime(ctx context.Context) (time.Time, error) { return f(ctx) }

type staticNet struct{ online atomic.Bool }

func (n *staticNet) IsOnline() bool { return n.online.Load() }

func onlineNet() *staticNet {
	n := &staticNet{}
	n.online.Store(true)
	return n
}

// skewedSource simulates a server ahead of the device by delta, with a
// symmetric network delay of rtt/2 each way.
func skewedSource(local *manualClock, delta, rtt time.Duration) sourceFunc {
	return func(context.Context) (time.Time, error) {
		local.Advance(rtt / 2)
		server := local.Now().Add(delta)
		local.Advance(rtt / 2)
		return server, nil
	}
}

func TestSyncMeasuresOffset(t *testing.T) {
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	delta := 90 * time.Second
	svc := NewService(skewedSource(local, delta, 200*time.Millisecond), onlineNet(), Options{Local: local}, nil)

	assert.True(t, svc.NeedsSync())
	assert.False(t, svc.IsClockReliable())

	res := svc.Sync(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, delta, res.Offset)
	assert.Equal(t, 200*time.Millisecond, res.RoundTrip)

	assert.True(t, svc.IsClockReliable())
	assert.False(t, svc.NeedsSync())
	assert.Equal(t, local.Now().Add(delta), svc.Now())
}

func TestLargeSkewIsAppliedButUnreliable(t *testing.T) {
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(skewedSource(local, -10*time.Minute, 0), onlineNet(), Options{Local: local}, nil)

	res := svc.Sync(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, -10*time.Minute, svc.Offset())
	assert.False(t, svc.IsClockReliable())
}

func TestSecondConcurrentSyncFailsFast(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	svc := NewService(sourceFunc(func(context.Context) (time.Time, error) {
		close(entered)
		<-release
		return time.Now(), nil
	}), onlineNet(), Options{}, nil)

	done := make(chan Result, 1)
	go func() { done <- svc.Sync(context.Background()) }()

	<-entered
	second := svc.Sync(context.Background())
	assert.ErrorIs(t, second.Err, ErrSyncInProgress)
	assert.False(t, second.Success)

	close(release)
	first := <-done
	assert.True(t, first.Success)
}

func TestFailedSyncKeepsPreviousOffset(t *testing.T) {
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	fail := false
	good := skewedSource(local, 30*time.Second, 0)
	net := onlineNet()
	svc := NewService(sourceFunc(func(ctx context.Context) (time.Time, error) {
		if fail {
			return time.Time{}, errors.New("connection refused")
		}
		return good(ctx)
	}), net, Options{Local: local}, nil)

	require.True(t, svc.Sync(context.Background()).Success)

	fail = true
	res := svc.Sync(context.Background())
	assert.Error(t, res.Err)
	assert.Equal(t, 30*time.Second, svc.Offset())

	net.online.Store(false)
	res = svc.Sync(context.Background())
	assert.ErrorIs(t, res.Err, ErrOffline)
	assert.Equal(t, 30*time.Second, svc.Offset())
}

func TestNeedsSyncAfterInterval(t *testing.T) {
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(skewedSource(local, 0, 0), nil, Options{Local: local, Interval: time.Hour}, nil)

	require.True(t, svc.Sync(context.Background()).Success)
	local.Advance(59 * time.Minute)
	assert.False(t, svc.NeedsSync())
	local.Advance(2 * time.Minute)
	assert.True(t, svc.NeedsSync())
}

func TestAutoSyncOnlyWhenNeeded(t *testing.T) {
	var calls atomic.Int32
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(sourceFunc(func(context.Context) (time.Time, error) {
		calls.Add(1)
		return local.Now(), nil
	}), onlineNet(), Options{Local: local}, nil)

	svc.AutoSync(false)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	svc.AutoSync(true)
	assert.Eventually(t, func() bool {
		_, ok := svc.LastSync()
		return ok
	}, time.Second, 5*time.Millisecond)

	svc.AutoSync(true)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAdjustZeroTime(t *testing.T) {
	svc := NewService(nil, nil, Options{}, nil)
	assert.True(t, svc.Adjust(time.Time{}).IsZero())
}

func TestHTTPTimeSource(t *testing.T) {
	want := time.Date(2026, 3, 1, 8, 0, 0, 123000000, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/time", r.URL.Path)
		_ = json.NewEncoder(w).Encode(TimeResponse{ServerTime: want})
	}))
	defer srv.Close()

	src := NewHTTPTimeSource(func() string { return srv.URL + "/" })
	got, err := src.ServerTime(context.Background())
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = NewHTTPTimeSource(func() string { return "" }).ServerTime(context.Background())
	assert.Error(t, err)
}

func TestAttachSyncsOnReconnect(t *testing.T) {
	monitor := netstatus.NewMonitor(nil, netstatus.Options{}, nil)
	synced := make(chan struct{}, 1)
	svc := NewService(sourceFunc(func(context.Context) (time.Time, error) {
		synced <- struct{}{}
		return time.Now(), nil
	}), monitor, Options{}, nil)

	detach := svc.Attach(monitor)
	defer detach()

	monitor.SetOnline(true)
	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger a clock sync")
	}
}

func TestMonitorTimestampsFollowAdjustedClock(t *testing.T) {
	local := &manualClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	delta := 7 * time.Minute
	adjusted := &Deferred{Local: local}
	monitor := netstatus.NewMonitor(nil, netstatus.Options{InitialOnline: true, Now: adjusted.Now}, nil)

	svc := NewService(skewedSource(local, delta, 0), monitor, Options{Local: local}, nil)
	adjusted.Bind(svc)
	require.NoError(t, svc.Sync(context.Background()).Err)

	local.Advance(time.Minute)
	monitor.SetOnline(false)
	since, ok := monitor.OfflineSince()
	require.True(t, ok)
	assert.Equal(t, local.Now().Add(delta), since)
	assert.Equal(t, svc.Now(), since)
}
