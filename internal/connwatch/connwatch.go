// Package connwatch tracks the health of the services Aria depends on:
// the database and, when configured, the MQTT broker. Each watcher
// probes its service on a schedule, backing off exponentially while the
// service is down and polling at a steady interval while it is up.
// Transitions are logged and published on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aria/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe (default: 2s).
	InitialDelay time.Duration
	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64
	// PollInterval is the check interval while healthy (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, ... capped at 60s while
// down, and 60-second polling while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b *BackoffConfig) applyDefaults() {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff BackoffConfig
	bus     *events.Bus
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	failures  int
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		delay := w.check(ctx)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// check probes once, records the outcome, and returns how long to wait
// before the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probeFn(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	w.mu.Lock()
	wasReady, first := w.ready, !w.checked
	w.checked = true
	w.lastCheck = time.Now()
	w.lastErr = err
	if err == nil {
		w.ready = true
		w.failures = 0
	} else {
		w.ready = false
		w.failures++
	}
	failures := w.failures
	w.mu.Unlock()

	switch {
	case err == nil && (!wasReady || first):
		w.logger.Info("service ready", "service", w.name)
		w.publish(true, nil)
	case err != nil && (wasReady || first):
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
		w.publish(false, err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", failures, "error", err)
	}

	if err == nil {
		return w.backoff.PollInterval
	}
	return backoffDelay(w.backoff, failures)
}

func (w *Watcher) publish(ready bool, err error) {
	data := map[string]any{"service": w.name, "ready": ready}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Emit(events.SourceHealth, events.KindService, data)
}

// backoffDelay returns the wait after the given number of consecutive
// failures.
func backoffDelay(b BackoffConfig, failures int) time.Duration {
	d := b.InitialDelay
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager that publishes transitions on bus,
// which may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher for name. The first probe runs immediately.
// Zero-value backoff fields take defaults.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff BackoffConfig) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch requires a name and a probe")
	}
	backoff.applyDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: backoff,
		bus:     m.bus,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[name]; ok {
		old.cancel()
	}
	m.watchers[name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched service is ready. A service
// that has not been probed yet counts as not ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
