package liveconn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	reason   string
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.written))
	for _, raw := range c.written {
		types = append(types, gjson.GetBytes(raw, "type").String())
	}
	return types
}

type fakeDialer struct {
	mu        sync.Mutex
	fail      bool
	gate      chan struct{}
	endpoints []string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	gate := d.gate
	d.gate = nil
	fail := d.fail
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) endpoint(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[i]
}

type eventLog struct {
	mu     sync.Mutex
	events []Envelope
}

func (l *eventLog) handle(env Envelope) {
	l.mu.Lock()
	l.events = append(l.events, env)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.events...)
}

func (l *eventLog) connectionEvents() []ConnectionEvent {
	var out []ConnectionEvent
	for _, env := range l.snapshot() {
		if ev, ok := env.Event.(ConnectionEvent); ok {
			out = append(out, ev)
		}
	}
	return out
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

func newTestManager(t *testing.T, dialer *fakeDialer, mock *clock.Mock, tweak func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		BaseURL:        "http://relay.test",
		Dialer:         dialer,
		Clock:          mock,
		MaxAttempts:    4,
		CooldownWindow: time.Minute,
	}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestManagerConnectsAndDispatches(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, nil)

	connLog := &eventLog{}
	msgLog := &eventLog{}
	allLog := &eventLog{}
	m.Register(TypeConnection, connLog.handle, "conn")
	m.Register(TypeNewMessage, msgLog.handle, "msg")
	m.Register(TypeAll, allLog.handle, "all")

	m.Init("tok-1")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })

	if !strings.Contains(dialer.endpoint(0), "token=tok-1") {
		t.Fatalf("expected token in endpoint, got %s", dialer.endpoint(0))
	}
	events := connLog.connectionEvents()
	if len(events) != 1 || events[0].Status != StatusConnected {
		t.Fatalf("expected one connected event, got %+v", events)
	}

	dialer.conn(0).inbound <- []byte(`{"type":"new_message","data":{"conversation_id":5}}`)
	waitFor(t, "message dispatch", func() bool { return len(msgLog.snapshot()) == 1 })
	waitFor(t, "wildcard dispatch", func() bool { return len(allLog.snapshot()) == 1 })

	for _, env := range allLog.snapshot() {
		if env.Type == TypeConnection {
			t.Fatalf("wildcard handler must not receive connection events")
		}
	}
	if live := m.Liveness(); live.LastInboundAt.IsZero() {
		t.Fatalf("expected inbound timestamp to be recorded")
	}
}

func TestManagerInitIsIdempotentForSameToken(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), nil)

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	m.Init("tok")
	m.Connect()
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestManagerInitWithNewTokenReplacesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), nil)

	m.Init("old")
	waitFor(t, "first connection", func() bool { return m.Status() == StatusConnected })
	m.Init("new")
	waitFor(t, "second connection", func() bool { return dialer.conn(1) != nil && m.Status() == StatusConnected })

	if !dialer.conn(0).isClosed() {
		t.Fatalf("expected old connection to be closed")
	}
	if !strings.Contains(dialer.endpoint(1), "token=new") {
		t.Fatalf("expected new token on redial, got %s", dialer.endpoint(1))
	}
}

func TestManagerBackoffGrowsThenCoolsDown(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, func(o *Options) {
		o.Backoff.Base = time.Second
		o.Backoff.Max = 4 * time.Second
	})

	expectRetry := func(attempts int, delay time.Duration) {
		t.Helper()
		waitFor(t, "retry to be scheduled", func() bool {
			s := m.Stats()
			return s.Attempts == attempts && s.RetryPending && s.Status == StatusDisconnected
		})
		if got := m.Stats().NextRetryDelay; got != delay {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempts, delay, got)
		}
	}

	m.Init("tok")
	expectRetry(1, time.Second)
	mock.Add(time.Second)
	expectRetry(2, 2*time.Second)
	mock.Add(2 * time.Second)
	expectRetry(3, 4*time.Second)
	mock.Add(4 * time.Second)
	// The fourth failure hits MaxAttempts and switches to the cooldown window.
	expectRetry(4, time.Minute)

	mock.Add(30 * time.Second)
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("expected no dial during cooldown, got %d dials", got)
	}
	mock.Add(30 * time.Second)
	expectRetry(1, time.Second)
	if got := dialer.dialCount(); got != 5 {
		t.Fatalf("expected a fresh dial after cooldown, got %d", got)
	}

	dialer.setFail(false)
	mock.Add(time.Second)
	waitFor(t, "recovery", func() bool { return m.Status() == StatusConnected })
	if s := m.Stats(); s.Attempts != 0 || s.RetryPending {
		t.Fatalf("expected counters reset after success, got %+v", s)
	}
}

func TestManagerForcedDisconnectSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, nil)
	connLog := &eventLog{}
	m.Register(TypeConnection, connLog.handle, "")

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })

	m.Disconnect(true)
	m.ReconnectIfNeeded()
	m.Connect()
	mock.Add(time.Hour)

	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected no redial after forced disconnect, got %d dials", got)
	}
	s := m.Stats()
	if !s.ForceDisconnected || s.HasToken || s.RetryPending {
		t.Fatalf("unexpected stats after forced disconnect: %+v", s)
	}
	events := connLog.connectionEvents()
	last := events[len(events)-1]
	if last.Status != StatusDisconnected || !last.Forced {
		t.Fatalf("expected forced disconnect event, got %+v", last)
	}
	if !dialer.conn(0).isClosed() {
		t.Fatalf("expected transport to be closed")
	}

	m.Init("tok")
	waitFor(t, "reconnect after re-init", func() bool { return m.Status() == StatusConnected })
}

func TestManagerReconnectIfNeededAfterSoftDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, nil)

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	m.Disconnect(false)
	if m.Stats().RetryPending {
		t.Fatalf("soft disconnect must not schedule a reconnect")
	}

	m.ReconnectIfNeeded()
	waitFor(t, "reconnected", func() bool { return m.Status() == StatusConnected && dialer.dialCount() == 2 })
}

func TestManagerReconnectIfNeededPingsOpenConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), nil)

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	m.ReconnectIfNeeded()

	types := dialer.conn(0).writtenTypes()
	if len(types) != 1 || types[0] != TypeHeartbeat {
		t.Fatalf("expected a heartbeat ping, got %v", types)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no redial for an open connection")
	}
}

func TestManagerRemoteCloseSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, nil)
	connLog := &eventLog{}
	m.Register(TypeConnection, connLog.handle, "")

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })

	dialer.conn(0).Close("server went away")
	waitFor(t, "retry scheduled", func() bool { return m.Stats().RetryPending })
	events := connLog.connectionEvents()
	if last := events[len(events)-1]; last.Status != StatusDisconnected || last.Forced {
		t.Fatalf("expected unforced disconnect event, got %+v", last)
	}

	mock.Add(time.Second)
	waitFor(t, "reconnected", func() bool { return m.Status() == StatusConnected && dialer.dialCount() == 2 })
}

func TestManagerIgnoresStaleDialResult(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	m := newTestManager(t, dialer, clock.NewMock(), nil)

	m.Init("tok")
	waitFor(t, "first dial", func() bool { return dialer.dialCount() == 1 })
	m.Disconnect(false)
	m.ReconnectIfNeeded()
	waitFor(t, "second connection", func() bool { return m.Status() == StatusConnected })

	close(gate)
	waitFor(t, "stale connection closed", func() bool {
		c := dialer.conn(1)
		return c != nil && c.isClosed()
	})
	if dialer.conn(0).isClosed() {
		t.Fatalf("expected the live connection to survive the stale dial")
	}
	if got := dialer.conn(1).reason; got != "superseded" {
		t.Fatalf("expected superseded close reason, got %q", got)
	}
	if s := m.Stats(); s.Status != StatusConnected || s.RetryPending {
		t.Fatalf("stale dial disturbed the manager: %+v", s)
	}
}

func TestManagerSendsHeartbeatsOnInterval(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, func(o *Options) {
		o.HeartbeatInterval = 30 * time.Second
	})

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	mock.Add(30 * time.Second)
	waitFor(t, "first heartbeat", func() bool { return len(dialer.conn(0).writtenTypes()) == 1 })
	waitFor(t, "second heartbeat", func() bool {
		mock.Add(time.Second)
		return len(dialer.conn(0).writtenTypes()) >= 2
	})

	if live := m.Liveness(); live.LastHeartbeatSentAt.IsZero() {
		t.Fatalf("expected heartbeat timestamp")
	}

	dialer.conn(0).inbound <- []byte(`{"type":"heartbeat_ack","data":{}}`)
	waitFor(t, "ack recorded", func() bool { return !m.Liveness().LastHeartbeatAckAt.IsZero() })
}

func TestManagerIdleTimeoutDisconnects(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, func(o *Options) {
		o.HeartbeatInterval = time.Hour
		o.IdleTimeout = 10 * time.Minute
	})

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })

	mock.Add(6 * time.Minute)
	dialer.conn(0).inbound <- []byte(`{"type":"unread_update","data":{"unread_count":1}}`)
	waitFor(t, "activity", func() bool { return !m.Liveness().LastInboundAt.IsZero() })
	mock.Add(5 * time.Minute)
	if m.Status() != StatusConnected {
		t.Fatalf("activity should have pushed the idle deadline out")
	}

	waitFor(t, "idle disconnect", func() bool {
		mock.Add(time.Minute)
		return m.Status() == StatusDisconnected
	})
	s := m.Stats()
	if s.ForceDisconnected || !s.HasToken || s.RetryPending {
		t.Fatalf("idle disconnect should be unforced without a retry: %+v", s)
	}
}

func TestManagerIdleTimeoutIgnoresHeartbeats(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, func(o *Options) {
		o.IdleTimeout = 10 * time.Minute
	})

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	conn := dialer.conn(0)

	start := mock.Now()
	waitFor(t, "idle disconnect despite heartbeats", func() bool {
		mock.Add(30 * time.Second)
		if !conn.isClosed() {
			conn.inbound <- []byte(`{"type":"heartbeat_ack","data":{}}`)
		}
		return m.Status() == StatusDisconnected
	})
	if elapsed := mock.Now().Sub(start); elapsed > 12*time.Minute {
		t.Fatalf("expected the idle disconnect near 10m, got %s", elapsed)
	}
	heartbeats := 0
	for _, typ := range conn.writtenTypes() {
		if typ == TypeHeartbeat {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Fatalf("expected heartbeats while idle")
	}
	if m.Liveness().LastHeartbeatAckAt.IsZero() {
		t.Fatalf("expected acks to still be recorded for liveness")
	}
}

func TestManagerSetRoleRedials(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), func(o *Options) {
		o.Role = "owner"
	})

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	if !strings.Contains(dialer.endpoint(0), "role=owner") {
		t.Fatalf("expected owner role in endpoint, got %s", dialer.endpoint(0))
	}

	m.SetRole("owner")
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no redial for the same role")
	}

	m.SetRole("professional")
	waitFor(t, "redial", func() bool { return dialer.conn(1) != nil && m.Status() == StatusConnected })
	if !dialer.conn(0).isClosed() {
		t.Fatalf("expected the owner connection to be closed")
	}
	if !strings.Contains(dialer.endpoint(1), "role=professional") {
		t.Fatalf("expected professional role on redial, got %s", dialer.endpoint(1))
	}
	if m.Stats().ForceDisconnected || !m.Stats().HasToken {
		t.Fatalf("role change must keep the session: %+v", m.Stats())
	}
}

func TestManagerSetRoleWhileDisconnectedWaitsForDial(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), nil)

	m.SetRole("professional")
	if dialer.dialCount() != 0 {
		t.Fatalf("expected no dial without a session")
	}
	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	if !strings.Contains(dialer.endpoint(0), "role=professional") {
		t.Fatalf("expected stored role on first dial, got %s", dialer.endpoint(0))
	}
}

func TestManagerConnectionEventsCarryGeneration(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, clock.NewMock(), nil)
	connLog := &eventLog{}
	m.Register(TypeConnection, connLog.handle, "conn")

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	m.Disconnect(false)
	m.Connect()
	waitFor(t, "reconnected", func() bool { return m.Status() == StatusConnected })

	events := connLog.connectionEvents()
	if len(events) != 3 {
		t.Fatalf("expected connected, disconnected, connected; got %+v", events)
	}
	if !(events[0].Generation < events[1].Generation && events[1].Generation < events[2].Generation) {
		t.Fatalf("expected strictly increasing generations, got %d %d %d",
			events[0].Generation, events[1].Generation, events[2].Generation)
	}
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, clock.NewMock(), nil)
	if m.Send(TypeMarkRead, MarkRead{ConversationID: "1"}) {
		t.Fatalf("expected send to fail while disconnected")
	}
}

func TestManagerWriteFailureTriggersReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := newTestManager(t, dialer, mock, nil)

	m.Init("tok")
	waitFor(t, "connected", func() bool { return m.Status() == StatusConnected })
	conn := dialer.conn(0)
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	if m.Send(TypeMarkRead, MarkRead{ConversationID: "1"}) {
		t.Fatalf("expected send to report the write failure")
	}
	if !conn.isClosed() {
		t.Fatalf("expected failed transport to be closed")
	}
	waitFor(t, "retry after write failure", func() bool { return m.Stats().RetryPending })
}
