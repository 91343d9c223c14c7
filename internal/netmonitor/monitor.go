// Package netmonitor watches connectivity to the remote API and tells
// listeners when it comes and goes.
package netmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/observability/metrics"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

const defaultInterval = 10 * time.Second

// State is the last known connectivity.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Prober checks reachability; a nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// PathProber is satisfied by remoteapi.Client.
type PathProber interface {
	Probe(ctx context.Context, path string) error
}

// APIProber probes a fixed path on the remote API.
func APIProber(client PathProber, path string) Prober {
	return ProberFunc(func(ctx context.Context) error { return client.Probe(ctx, path) })
}

// Listener reacts to transitions. Calls happen on the goroutine that
// observed the transition.
type Listener interface {
	OnOnline(ctx context.Context)
	OnOffline(ctx context.Context)
}

// Monitor polls a Prober and reports transitions.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	logger    *logging.Logger
	notices   *notices.Hub
	metrics   *metrics.SyncMetrics
	listeners []Listener

	mu    sync.Mutex
	state State
}

// Option customises a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithNotices(h *notices.Hub) Option {
	return func(m *Monitor) { m.notices = h }
}

func WithMetrics(sm *metrics.SyncMetrics) Option {
	return func(m *Monitor) { m.metrics = sm }
}

// New builds a monitor in the unknown state.
func New(prober Prober, logger *logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Monitor{
		prober:   prober,
		interval: defaultInterval,
		logger:   logger.Component("netmonitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers l. Not safe to call once Run has started.
func (m *Monitor) AddListener(l Listener) {
	if l != nil {
		m.listeners = append(m.listeners, l)
	}
}

// State returns the last known connectivity.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the last probe succeeded.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("network monitor started", "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("network monitor stopped")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and reports its result.
func (m *Monitor) Check(ctx context.Context) State {
	err := m.prober.Probe(ctx)
	if err != nil && ctx.Err() != nil {
		// shutting down, not a connectivity change
		return m.State()
	}
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	m.Report(ctx, err == nil)
	return m.State()
}

// Report applies an observation. It returns true when the state changed.
// The first observation always counts as a transition, so an agent that
// starts online drains whatever was left queued.
func (m *Monitor) Report(ctx context.Context, online bool) bool {
	next := StateOffline
	if online {
		next = StateOnline
	}

	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.logger.Info("connectivity changed", "from", prev.String(), "to", next.String())

	if online {
		if prev == StateOffline {
			m.notices.Publish(notices.LevelInfo, notices.MsgReconnected)
		}
		for _, l := range m.listeners {
			l.OnOnline(ctx)
		}
		return true
	}
	m.notices.Publish(notices.LevelWarning, notices.MsgOffline)
	for _, l := range m.listeners {
		l.OnOffline(ctx)
	}
	return true
}
