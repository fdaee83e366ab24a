// Package presence tracks connectivity to the upstream store.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"go.uber.org/zap"
)

// Prober checks upstream reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor publishes net.online and net.offline on connectivity transitions.
// It starts online and flips on the first failed probe.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.RWMutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor probing every interval. A nil prober or a
// non-positive interval disables probing; Set still works.
func NewMonitor(prober Prober, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		bus:      b,
		logger:   logger,
		online:   true,
	}
}

// Start begins probing.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	go m.loop(ctx, done)
}

// Stop stops probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Probe pings the upstream once and records the result.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	timeout := m.interval
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := m.prober.Ping(pctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("upstream probe failed", zap.Error(err))
	}
	m.Set(err == nil)
}

// Set records connectivity explicitly, publishing on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	kind := bus.NetOffline
	if online {
		kind = bus.NetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	if m.bus != nil {
		m.bus.Emit(kind, online)
	}
}

// IsOnline reports the last known connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}
