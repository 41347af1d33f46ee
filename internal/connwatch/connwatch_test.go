package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aria/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		PollInterval: 10 * time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(b, tt.failures); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	var b BackoffConfig
	b.applyDefaults()
	if b != DefaultBackoffConfig() {
		t.Errorf("applyDefaults() = %+v, want %+v", b, DefaultBackoffConfig())
	}
}

func TestManager_ReadyService(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	m := NewManager(bus, discardLogger())
	defer m.Stop()

	m.Watch(context.Background(), "database", func(context.Context) error { return nil }, fastBackoff())

	waitFor(t, "database ready", func() bool { return m.Status()["database"].Ready })
	if !m.Healthy() {
		t.Error("Healthy() = false with every service ready")
	}

	select {
	case ev := <-ch:
		if ev.Source != events.SourceHealth || ev.Kind != events.KindService {
			t.Errorf("event = %s/%s, want %s/%s", ev.Source, ev.Kind, events.SourceHealth, events.KindService)
		}
		if ev.Data["service"] != "database" || ev.Data["ready"] != true {
			t.Errorf("event data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no service event published")
	}
}

func TestManager_Recovery(t *testing.T) {
	var up atomic.Bool
	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		if up.Load() {
			return nil
		}
		return errors.New("connection refused")
	}

	m := NewManager(nil, discardLogger())
	defer m.Stop()
	m.Watch(context.Background(), "mqtt", probe, fastBackoff())

	waitFor(t, "two failed probes", func() bool { return m.Status()["mqtt"].Failures >= 2 })
	s := m.Status()["mqtt"]
	if s.Ready || s.LastError != "connection refused" {
		t.Errorf("Status() = %+v, want not ready with last error", s)
	}
	if m.Healthy() {
		t.Error("Healthy() = true with a failing service")
	}

	up.Store(true)
	waitFor(t, "recovery", func() bool { return m.Status()["mqtt"].Ready })
	s = m.Status()["mqtt"]
	if s.Failures != 0 || s.LastError != "" {
		t.Errorf("after recovery Status() = %+v", s)
	}
}

func TestManager_HealthyBeforeFirstProbe(t *testing.T) {
	block := make(chan struct{})
	m := NewManager(nil, discardLogger())
	m.Watch(context.Background(), "slow", func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, fastBackoff())

	if m.Healthy() {
		t.Error("Healthy() = true before the first probe finished")
	}
	close(block)
	m.Stop()
}

func TestManager_WatchReplaces(t *testing.T) {
	m := NewManager(nil, discardLogger())
	defer m.Stop()

	first := m.Watch(context.Background(), "database", func(context.Context) error { return nil }, fastBackoff())
	m.Watch(context.Background(), "database", func(context.Context) error { return errors.New("down") }, fastBackoff())

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher did not stop")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("len(Status()) = %d, want 1", n)
	}
}

func TestManager_StopCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil, discardLogger())
	w := m.Watch(ctx, "database", func(context.Context) error { return nil }, fastBackoff())

	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after parent context cancelled")
	}
	m.Stop()
}
