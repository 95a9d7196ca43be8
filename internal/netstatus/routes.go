package netstatus

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"go.uber.org/zap"
)

// Route is one server endpoint the device can sync through
type Route struct {
	URL      string
	Type     string // primary, fallback
	Timeout  time.Duration
	Priority int // lower = higher priority
}

// RouteSwitch tracks when routes are switched
type RouteSwitch struct {
	FromRoute string
	ToRoute   string
	Reason    string
	Timestamp time.Time
}

// RouteStatus tracks the health of a route
type RouteStatus struct {
	URL          string
	IsAvailable  bool
	LastCheck    time.Time
	LastSuccess  *time.Time
	LastFailure  *time.Time
	SuccessCount int
	FailureCount int
	AvgLatency   time.Duration
	latencySum   time.Duration
	latencyCount int
}

const offlineRoute = "offline"

// RouteProber is a Prober that checks GET <route>/health in priority order
// and remembers which route answered.
type RouteProber struct {
	mu            sync.RWMutex
	routes        []Route
	currentRoute  string
	routeStatuses map[string]*RouteStatus
	routeHistory  []RouteSwitch
	client        *http.Client
	log           *zap.Logger
}

// NewRouteProber creates a prober over routes
func NewRouteProber(routes []Route, log *zap.Logger) *RouteProber {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	p := &RouteProber{
		routes:        sorted,
		currentRoute:  offlineRoute,
		routeStatuses: make(map[string]*RouteStatus),
		client:        &http.Client{},
		log:           logger.OrNop(log),
	}
	for _, r := range sorted {
		p.routeStatuses[r.URL] = &RouteStatus{URL: r.URL}
	}
	return p
}

// Probe selects the best reachable route. It reports false when none answers.
func (p *RouteProber) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, route := range p.routes {
		if p.testConnection(ctx, route) {
			if p.currentRoute != route.URL {
				reason := "route_available"
				if p.currentRoute != offlineRoute {
					reason = "higher_priority_route"
				}
				p.logRouteSwitch(p.currentRoute, route.URL, reason)
				p.currentRoute = route.URL
			}
			return true
		}
	}

	if p.currentRoute != offlineRoute {
		p.logRouteSwitch(p.currentRoute, offlineRoute, "all_routes_unavailable")
		p.currentRoute = offlineRoute
	}
	return false
}

// CurrentRoute returns the selected route URL, or "" while offline
func (p *RouteProber) CurrentRoute() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.currentRoute == offlineRoute {
		return ""
	}
	return p.currentRoute
}

// RouteStatuses returns a copy of all route statuses
func (p *RouteProber) RouteStatuses() map[string]RouteStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]RouteStatus, len(p.routeStatuses))
	for k, v := range p.routeStatuses {
		result[k] = *v
	}
	return result
}

// History returns the route switch history
func (p *RouteProber) History() []RouteSwitch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RouteSwitch, len(p.routeHistory))
	copy(out, p.routeHistory)
	return out
}

func (p *RouteProber) testConnection(ctx context.Context, route Route) bool {
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := p.routeStatuses[route.URL]
	now := time.Now()
	status.LastCheck = now

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, route.URL+"/health", nil)
	if err != nil {
		p.markFailure(status, now)
		return false
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.markFailure(status, now)
		p.log.Debug("Route unreachable", zap.String("route", route.URL), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.markFailure(status, now)
		p.log.Debug("Route unhealthy", zap.String("route", route.URL), zap.Int("status", resp.StatusCode))
		return false
	}

	status.IsAvailable = true
	status.SuccessCount++
	status.LastSuccess = &now
	status.FailureCount = 0
	status.latencySum += latency
	status.latencyCount++
	status.AvgLatency = status.latencySum / time.Duration(status.latencyCount)
	return true
}

func (p *RouteProber) markFailure(status *RouteStatus, at time.Time) {
	status.IsAvailable = false
	status.FailureCount++
	status.LastFailure = &at
}

func (p *RouteProber) logRouteSwitch(fromRoute, toRoute, reason string) {
	p.routeHistory = append(p.routeHistory, RouteSwitch{
		FromRoute: fromRoute,
		ToRoute:   toRoute,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	// Keep only last 100 switches
	if len(p.routeHistory) > 100 {
		p.routeHistory = p.routeHistory[len(p.routeHistory)-100:]
	}

	p.log.Info("Route switched",
		zap.String("from", fromRoute),
		zap.String("to", toRoute),
		zap.String("reason", reason))
}
