package unread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestTickDemotesSilentConnection(t *testing.T) {
	client := &fakeClient{counts: sevenFour()}
	live := newFakeLive()
	mock := clock.NewMock()
	s := newTestStore(t, client, live, mock)
	s.SignIn("u1")
	live.connect()
	live.mu.Lock()
	live.liveness.ConnectedAt = mock.Now()
	live.liveness.LastInboundAt = mock.Now()
	live.mu.Unlock()
	live.ack()
	s.CheckUnreadMessages(context.Background(), false)

	s.tick(context.Background())
	if s.Phase() != PhaseTrustedLive {
		t.Fatalf("fresh connection should stay trusted, got %s", s.Phase())
	}
	if live.reconnectCount() != 0 {
		t.Fatalf("expected no reconnect for a healthy connection")
	}

	mock.Add(2 * time.Minute)
	done := make(chan struct{})
	go func() {
		s.tick(context.Background())
		close(done)
	}()
	waitFor(t, "reconnect", func() bool { return live.reconnectCount() == 1 })
	if s.Phase() != PhaseDegraded {
		t.Fatalf("expected degraded after silence, got %s", s.Phase())
	}
	live.ack()
	<-done
	if s.Phase() != PhaseTrustedLive {
		t.Fatalf("expected trusted live once the reconnect is answered, got %s", s.Phase())
	}
	if client.callCount() != 1 {
		t.Fatalf("expected no rest read when the reconnect succeeds, got %d", client.callCount())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	client := &fakeClient{counts: sevenFour()}
	mock := clock.NewMock()
	s, err := NewStore(Options{Client: client, Live: newFakeLive(), Clock: mock, PollInterval: 10 * time.Second})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	s.SignIn("u1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitFor(t, "first poll", func() bool {
		mock.Add(time.Second)
		return client.callCount() >= 1
	})
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	waitFor(t, "bootstrap to finish", func() bool { return s.Phase() == PhaseDegraded })
}
