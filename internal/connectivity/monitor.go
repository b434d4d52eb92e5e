// Package connectivity tracks whether the local server is reachable by
// polling its health endpoint. Consumers read the current status and
// register callbacks fired on the offline-to-online transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/walle-ai/walle/internal/api"
)

const defaultPollInterval = 30 * time.Second

// HealthChecker is the probe the monitor polls. Implemented by
// *api.Client.
type HealthChecker interface {
	GetHealth(ctx context.Context) (*api.Health, error)
}

// Monitor polls the server and tracks reachability. Safe for concurrent
// use.
type Monitor struct {
	checker  HealthChecker
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	checked   bool
	callbacks []func()

	ticker *time.Ticker
	done   chan struct{}
}

// NewMonitor creates a monitor. A non-positive interval falls back to
// the default 30 s poll.
func NewMonitor(checker HealthChecker, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		logger:   logger,
	}
}

// IsOnline reports the last observed reachability. False until the
// first successful check.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a callback fired each time the server transitions
// from unreachable to reachable. The first successful check counts as a
// transition.
func (m *Monitor) OnOnline(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Check performs one health probe and updates the status. It returns
// the observed reachability and fires on-online callbacks when the
// status flips to online.
func (m *Monitor) Check(ctx context.Context) bool {
	_, err := m.checker.GetHealth(ctx)
	nowOnline := err == nil

	m.mu.Lock()
	wasOnline := m.online
	hadChecked := m.checked
	m.online = nowOnline
	m.checked = true
	var fire []func()
	if nowOnline && (!wasOnline || !hadChecked) {
		fire = append(fire, m.callbacks...)
	}
	m.mu.Unlock()

	if nowOnline && !wasOnline {
		m.logger.Info("server reachable")
	} else if !nowOnline && (wasOnline || !hadChecked) {
		m.logger.Warn("server unreachable", "error", err)
	}

	for _, callback := range fire {
		callback()
	}
	return nowOnline
}

// Start begins periodic polling, with one immediate check. Stop or
// context cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(m.interval)
	m.done = make(chan struct{})

	m.Check(ctx)
	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.Check(ctx)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends periodic polling. Safe to call when not started.
func (m *Monitor) Stop() {
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.done)
	m.ticker = nil
	m.done = nil
}
