// Package netstatus tracks device connectivity and notifies subscribers of
// online/offline transitions.
package netstatus

import (
	"context"
	"sync"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"go.uber.org/zap"
)

// Prober reads the platform connectivity signal
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Event describes one connectivity transition
type Event struct {
	Online bool
	At     time.Time
	// OfflineFor is the length of the outage that just ended
	OfflineFor time.Duration
}

// Listener receives transitions synchronously. It must not call SetOnline
// or CheckNetwork.
type Listener func(Event)

// Options configures a Monitor
type Options struct {
	InitialOnline bool
	Now           func() time.Time
}

type subscription struct {
	id int
	fn Listener
}

// Monitor holds the cached connectivity state
type Monitor struct {
	mu           sync.RWMutex
	online       bool
	lastOnline   time.Time
	offlineSince time.Time
	listeners    []subscription
	nextID       int

	// notifyMu keeps fan-out of consecutive transitions in order
	notifyMu sync.Mutex

	prober  Prober
	now     func() time.Time
	stop    chan struct{}
	running bool
	log     *zap.Logger
}

// NewMonitor creates a monitor. prober may be nil when state is only pushed
// through SetOnline.
func NewMonitor(prober Prober, opts Options, log *zap.Logger) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Monitor{
		online: opts.InitialOnline,
		prober: prober,
		now:    now,
		log:    logger.OrNop(log),
	}
	if m.online {
		m.lastOnline = now()
	} else {
		m.offlineSince = now()
	}
	return m
}

// IsOnline returns the cached state
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastOnline returns when connectivity was last confirmed
func (m *Monitor) LastOnline() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.online {
		return m.now(), true
	}
	return m.lastOnline, !m.lastOnline.IsZero()
}

// OfflineSince returns the start of the current outage
func (m *Monitor) OfflineSince() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.online {
		return time.Time{}, false
	}
	return m.offlineSince, true
}

// OfflineDuration is zero while online
func (m *Monitor) OfflineDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.online {
		return 0
	}
	return m.now().Sub(m.offlineSince)
}

// Subscribe registers l and returns its unsubscribe handle
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: l})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline applies a connectivity signal. Listeners run only when the
// signal differs from the cached state; the return value reports that.
func (m *Monitor) SetOnline(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}

	at := m.now()
	ev := Event{Online: online, At: at}
	m.online = online
	if online {
		ev.OfflineFor = at.Sub(m.offlineSince)
		m.offlineSince = time.Time{}
		m.lastOnline = at
	} else {
		m.offlineSince = at
	}
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		m.log.Info("Network online", zap.Duration("offline_for", ev.OfflineFor))
	} else {
		m.log.Warn("Network offline")
	}

	for _, s := range listeners {
		m.notify(s, ev)
	}
	return true
}

func (m *Monitor) notify(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Network listener panicked", zap.Int("listener", s.id), zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}

// CheckNetwork re-reads the prober and fires a transition if it disagrees
// with the cached state. It returns the resulting state.
func (m *Monitor) CheckNetwork(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	online := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		// an aborted probe says nothing about the network
		return m.IsOnline()
	}
	m.SetOnline(online)
	return online
}

// Start probes every interval until Stop
func (m *Monitor) Start(interval time.Duration) {
	m.mu.Lock()
	if m.running || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	go m.probeLoop(interval, stop)
}

// Stop ends the probe loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
}

func (m *Monitor) probeLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	m.CheckNetwork(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckNetwork(ctx)
		case <-stop:
			return
		}
	}
}
