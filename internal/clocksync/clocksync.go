// Package clocksync estimates the offset between the device clock and the
// server clock and exposes an offset-adjusted clock.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"go.uber.org/zap"
)

var (
	ErrOffline        = errors.New("clocksync: device is offline")
	ErrSyncInProgress = errors.New("clocksync: sync already in progress")
)

const (
	DefaultInterval      = time.Hour
	DefaultSkewThreshold = 5 * time.Minute
)

// Clock is the time source every component reads
type Clock interface {
	Now() time.Time
}

// SystemClock is the raw device clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimeSource returns the server's current time
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Connectivity is the slice of the network monitor this service needs
type Connectivity interface {
	IsOnline() bool
}

// Result describes one sync attempt
type Result struct {
	Success   bool
	Offset    time.Duration
	RoundTrip time.Duration
	Err       error
}

// Options configures a Service
type Options struct {
	Interval      time.Duration
	SkewThreshold time.Duration
	// Local is the raw device clock, SystemClock when nil
	Local Clock
}

// Service holds the last measured offset. It is safe for concurrent use.
type Service struct {
	source   TimeSource
	net      Connectivity
	local    Clock
	interval time.Duration
	skew     time.Duration
	log      *zap.Logger

	inFlight atomic.Bool

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
	synced   bool
}

// NewService creates a clock service. net may be nil, meaning always online.
func NewService(source TimeSource, net Connectivity, opts Options, log *zap.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SkewThreshold <= 0 {
		opts.SkewThreshold = DefaultSkewThreshold
	}
	if opts.Local == nil {
		opts.Local = SystemClock{}
	}
	return &Service{
		source:   source,
		net:      net,
		local:    opts.Local,
		interval: opts.Interval,
		skew:     opts.SkewThreshold,
		log:      logger.OrNop(log),
	}
}

// Sync measures the offset once. A call made while another is in flight
// fails immediately with ErrSyncInProgress. Failures keep the previous offset.
func (s *Service) Sync(ctx context.Context) Result {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Result{Err: ErrSyncInProgress}
	}
	defer s.inFlight.Store(false)

	if s.net != nil && !s.net.IsOnline() {
		return Result{Err: ErrOffline}
	}

	sent := s.local.Now()
	serverTime, err := s.source.ServerTime(ctx)
	received := s.local.Now()
	if err != nil {
		s.log.Warn("Clock sync failed", zap.Error(err))
		return Result{Err: fmt.Errorf("clocksync: %w", err)}
	}

	rtt := received.Sub(sent)
	midpoint := sent.Add(rtt / 2)
	offset := serverTime.Sub(midpoint)

	if offset > s.skew || offset < -s.skew {
		s.log.Warn("Clock skew above threshold",
			zap.Duration("offset", offset),
			zap.Duration("threshold", s.skew))
	}

	s.mu.Lock()
	s.offset = offset
	s.lastSync = received
	s.synced = true
	s.mu.Unlock()

	s.log.Debug("Clock synchronized", zap.Duration("offset", offset), zap.Duration("rtt", rtt))
	return Result{Success: true, Offset: offset, RoundTrip: rtt}
}

// NeedsSync is true if never synced or the last sync is older than the interval
func (s *Service) NeedsSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.synced || s.local.Now().Sub(s.lastSync) > s.interval
}

// IsClockReliable is false if never synced or the offset exceeds the threshold
func (s *Service) IsClockReliable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced && s.offset <= s.skew && s.offset >= -s.skew
}

// Offset returns the last measured offset
func (s *Service) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// LastSync returns the time of the last successful sync
func (s *Service) LastSync() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, s.synced
}

// Now returns the offset-adjusted current time
func (s *Service) Now() time.Time {
	return s.Adjust(s.local.Now())
}

// Adjust converts a raw device timestamp to server time
func (s *Service) Adjust(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(s.Offset())
}

// AutoSync runs Sync in the background when online is true and NeedsSync
// holds. It is meant to be called from a connectivity listener.
func (s *Service) AutoSync(online bool) {
	if !online || !s.NeedsSync() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if res := s.Sync(ctx); res.Err != nil && !errors.Is(res.Err, ErrSyncInProgress) {
			s.log.Warn("Automatic clock sync failed", zap.Error(res.Err))
		}
	}()
}

// Deferred is a Clock for components built before the Service, such as the
// network monitor the Service itself depends on. It reads Local until Bind.
type Deferred struct {
	Local Clock
	svc   atomic.Pointer[Service]
}

// Bind routes every later Now through s
func (d *Deferred) Bind(s *Service) {
	d.svc.Store(s)
}

// Now returns the adjusted time once bound
func (d *Deferred) Now() time.Time {
	if s := d.svc.Load(); s != nil {
		return s.Now()
	}
	if d.Local != nil {
		return d.Local.Now()
	}
	return time.Now()
}

// Notifier is the subscription side of netstatus.Monitor
type Notifier interface {
	Subscribe(l netstatus.Listener) func()
}

// Attach syncs automatically whenever n reports the network back and the
// offset is due. The returned func detaches.
func (s *Service) Attach(n Notifier) func() {
	return n.Subscribe(func(ev netstatus.Event) {
		s.AutoSync(ev.Online)
	})
}
