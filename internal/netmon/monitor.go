// Package netmon observes connectivity by probing a health endpoint and
// publishes online/offline edges to subscribers.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
)

// Status is the current connectivity state.
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Source is the read side of the monitor, consumed by the upload queue and
// the auto-sync service.
type Source interface {
	Status() Status
	Subscribe() <-chan Status
}

// Prober checks reachability of the remote service.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a health URL with a HEAD request.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber creates a prober against the configured health endpoint.
func NewHTTPProber(cfg *config.NetworkConfig) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		url:    cfg.ProbeURL,
	}
}

// Probe returns nil when the endpoint answered at all; any HTTP status
// counts as connectivity.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Monitor polls the prober and fans out status edges. Subscribers receive
// only transitions, never repeats of the current state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *events.Logger

	mu     sync.Mutex
	status Status
	subs   []chan Status

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor. It starts offline until the first probe
// succeeds, so nothing uploads before connectivity is confirmed.
func NewMonitor(cfg *config.NetworkConfig, prober Prober, logger *events.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: cfg.ProbeInterval,
		logger:   logger.WithField("component", "netmon"),
		status:   Offline,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Status returns the current connectivity state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers for status edges.
func (m *Monitor) Subscribe() <-chan Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Status, 4)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if err != nil {
		m.setStatus(Offline)
		return
	}
	m.setStatus(Online)
}

// setStatus publishes an edge when the state changes. Sends never block;
// a subscriber that stopped draining misses edges rather than wedging the
// probe loop.
func (m *Monitor) setStatus(next Status) {
	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = next
	subs := make([]chan Status, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Transition("network_status", "network", prev.String(), next.String())

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}
