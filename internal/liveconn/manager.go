// Package liveconn owns the single authenticated live connection of the
// process: connect/backoff, heartbeats, idle teardown, and fan-out of typed
// inbound messages to registered handlers.
package liveconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/pawpal/livenotify/internal/metrics"
	"github.com/pawpal/livenotify/internal/retry"
)

const DefaultPath = "/ws/notifications/"

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TransportError wraps dial, read and write failures of the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Options struct {
	BaseURL string
	Path    string
	Dialer  Dialer
	Clock   clock.Clock
	Logger  *zerolog.Logger
	Metrics *metrics.Recorder
	// Role is sent as the "role" query parameter so the server scopes its
	// unread snapshots to it.
	Role string

	HeartbeatInterval time.Duration
	// IdleTimeout disconnects (without forcing) after this long without
	// application traffic. Heartbeats and their acks do not count. Negative
	// disables it.
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Backoff retry.Backoff
	// MaxAttempts consecutive failures trigger CooldownWindow before the
	// attempt counter resets.
	MaxAttempts    int
	CooldownWindow time.Duration
}

func (o *Options) defaults() {
	if strings.TrimSpace(o.Path) == "" {
		o.Path = DefaultPath
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.CooldownWindow <= 0 {
		o.CooldownWindow = time.Minute
	}
}

// Liveness exposes the timestamps callers use to judge the connection.
type Liveness struct {
	Status              Status
	ConnectedAt         time.Time
	LastActivityAt      time.Time
	LastInboundAt       time.Time
	LastHeartbeatSentAt time.Time
	LastHeartbeatAckAt  time.Time
}

type Stats struct {
	Status            Status
	Attempts          int
	Dials             int
	NextRetryDelay    time.Duration
	RetryPending      bool
	ForceDisconnected bool
	HasToken          bool
}

type Manager struct {
	opts     Options
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	registry *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	token      string
	role       string
	forced     bool
	closed     bool
	attempts   int
	dials      int
	gen        uint64
	conn       Conn
	connCancel context.CancelFunc
	reconnect  *retry.Task
	heartbeat  *retry.Task
	idle       *retry.Task
	nextDelay  time.Duration
	live       Liveness
}

func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	opts.defaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "liveconn").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  opts.Metrics,
		registry: newRegistry(logger, opts.Metrics),
		role:     strings.TrimSpace(opts.Role),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Register subscribes h to msgType. TypeConnection receives ConnectionEvent
// envelopes and TypeAll receives every inbound message. The returned func
// removes the handler.
func (m *Manager) Register(msgType string, h Handler, id string) func() {
	_, unregister := m.registry.add(msgType, h, id)
	return unregister
}

// Init connects with token. Calling it again with the same token while
// connected or connecting does nothing; a different token forces the old
// session down first.
func (m *Manager) Init(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		m.logger.Warn().Msg("init skipped: empty auth token")
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.token == token && m.status != StatusDisconnected {
		m.mu.Unlock()
		m.logger.Debug().Str("status", m.Status().String()).Msg("init ignored: already using this token")
		return
	}
	rotate := m.token != "" && m.token != token
	m.mu.Unlock()

	if rotate {
		m.logger.Info().Msg("auth token changed; replacing live connection")
		m.Disconnect(true)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.forced = false
	m.connectLocked()
}

// Connect opens the transport with the current token.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.closed {
		return
	}
	if m.status != StatusDisconnected {
		m.logger.Debug().Str("status", m.status.String()).Msg("connect ignored")
		return
	}
	if m.token == "" {
		m.logger.Warn().Msg("connect skipped: no auth token")
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		if m.reconnect == nil {
			m.scheduleReconnectLocked()
		}
		return
	}
	m.stopTask(&m.reconnect)
	m.status = StatusConnecting
	m.gen++
	m.dials++
	gen, token, role := m.gen, m.token, m.role
	m.metrics.IncDialAttempt()
	m.metrics.SetConnectionStatus(int(StatusConnecting))
	go m.dial(gen, token, role)
}

func (m *Manager) dial(gen uint64, token, role string) {
	endpoint, err := EndpointURL(m.opts.BaseURL, m.opts.Path, token, url.Values{"role": {role}})
	if err != nil {
		m.dialFailed(gen, &TransportError{Op: "dial", Err: err})
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dialer.Dial(ctx, endpoint)
	cancel()
	if err != nil {
		m.dialFailed(gen, &TransportError{Op: "dial", Err: err})
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnecting || m.closed {
		m.mu.Unlock()
		_ = conn.Close("superseded")
		return
	}
	connCtx, connCancel := context.WithCancel(m.ctx)
	now := m.clock.Now()
	m.conn = conn
	m.connCancel = connCancel
	m.status = StatusConnected
	m.attempts = 0
	m.nextDelay = 0
	m.live = Liveness{ConnectedAt: now, LastActivityAt: now}
	m.scheduleHeartbeatLocked(gen)
	m.scheduleIdleLocked(gen, m.opts.IdleTimeout)
	m.mu.Unlock()

	m.metrics.SetConnectionStatus(int(StatusConnected))
	m.logger.Info().Msg("live connection established")
	m.emitConnection(gen, StatusConnected, false)
	go m.readLoop(connCtx, gen, conn)
}

func (m *Manager) dialFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.attempts++
	attempts := m.attempts
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.metrics.SetConnectionStatus(int(StatusDisconnected))
	m.logger.Warn().Err(err).Int("attempt", attempts).Msg("live connection attempt failed")
}

// scheduleReconnectLocked arms the single reconnect task. Once MaxAttempts
// failures have piled up it waits CooldownWindow and resets the counter.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.forced || m.token == "" {
		return
	}
	cooldown := m.attempts >= m.opts.MaxAttempts
	delay := m.opts.Backoff.Delay(m.attempts)
	if cooldown {
		delay = m.opts.CooldownWindow
	}
	m.stopTask(&m.reconnect)
	m.nextDelay = delay
	m.metrics.ObserveReconnectDelay(delay.Seconds())
	m.logger.Info().
		Int("attempt", m.attempts).
		Dur("delay", delay).
		Bool("cooldown", cooldown).
		Msg("live reconnect scheduled")

	var task *retry.Task
	task = retry.After(m.clock, delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.reconnect != task {
			return
		}
		m.reconnect = nil
		if cooldown {
			m.attempts = 0
		}
		m.connectLocked()
	})
	m.reconnect = task
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(gen, &TransportError{Op: "read", Err: err})
			return
		}
		now := m.clock.Now()
		env, decodeErr := DecodeEnvelope(data, now)
		isAck := decodeErr == nil && env.Type == TypeHeartbeatAck
		if !m.recordInbound(gen, now, isAck) {
			return
		}
		if decodeErr != nil {
			m.metrics.IncProtocolError()
			m.logger.Warn().Err(decodeErr).Int("bytes", len(data)).Msg("dropping malformed live message")
			continue
		}
		m.registry.dispatch(env)
	}
}

func (m *Manager) recordInbound(gen uint64, now time.Time, ack bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.live.LastInboundAt = now
	if ack {
		m.live.LastHeartbeatAckAt = now
	} else {
		m.live.LastActivityAt = now
	}
	return true
}

func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.status = StatusDisconnected
	m.attempts++
	forced := m.forced
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close("connection lost")
	}
	m.metrics.SetConnectionStatus(int(StatusDisconnected))
	m.logger.Warn().Err(err).Msg("live connection lost")
	m.emitConnection(gen, StatusDisconnected, forced)
}

// Send writes {type, data, timestamp}. It returns false without queueing when
// the connection is not open.
func (m *Manager) Send(msgType string, data any) bool {
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		m.logger.Debug().Str("type", msgType).Msg("send dropped: not connected")
		return false
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	payload, err := EncodeEnvelope(msgType, data, m.clock.Now())
	if err != nil {
		m.logger.Warn().Err(err).Str("type", msgType).Msg("send dropped: encode failed")
		return false
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.WriteTimeout)
	err = conn.Write(ctx, payload)
	cancel()
	if err != nil {
		m.logger.Warn().Err(err).Str("type", msgType).Msg("live write failed")
		m.connectionLost(gen, &TransportError{Op: "write", Err: err})
		return false
	}

	m.mu.Lock()
	if gen == m.gen {
		now := m.clock.Now()
		if msgType == TypeHeartbeat {
			m.live.LastHeartbeatSentAt = now
		} else {
			m.live.LastActivityAt = now
		}
	}
	m.mu.Unlock()
	if msgType == TypeHeartbeat {
		m.metrics.IncHeartbeatSent()
	}
	return true
}

func (m *Manager) SendHeartbeat() bool {
	return m.Send(TypeHeartbeat, Heartbeat{})
}

// Disconnect closes the transport and clears its timers. A forced disconnect
// also drops the token and disables automatic reconnection until the next
// Init.
func (m *Manager) Disconnect(force bool) {
	m.mu.Lock()
	wasActive := m.status != StatusDisconnected
	m.gen++
	gen := m.gen
	conn := m.teardownLocked()
	m.stopTask(&m.reconnect)
	m.status = StatusDisconnected
	if force {
		m.forced = true
		m.token = ""
		m.attempts = 0
		m.nextDelay = 0
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	m.metrics.SetConnectionStatus(int(StatusDisconnected))
	m.logger.Info().Bool("forced", force).Bool("was_active", wasActive).Msg("live connection disconnected")
	if wasActive {
		m.emitConnection(gen, StatusDisconnected, force)
	}
}

// ReconnectIfNeeded verifies instead of blindly reconnecting: an open
// connection gets a heartbeat ping, a dead one is replaced unless the last
// disconnect was forced.
func (m *Manager) ReconnectIfNeeded() {
	m.mu.Lock()
	if m.closed || m.forced || m.token == "" {
		m.mu.Unlock()
		m.logger.Debug().Msg("reconnect skipped: no session")
		return
	}
	switch m.status {
	case StatusConnected:
		m.live.LastActivityAt = m.clock.Now()
		m.mu.Unlock()
		m.SendHeartbeat()
		return
	case StatusConnecting:
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.connectLocked()
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close("stale handle")
	}
}

// SetRole changes the role sent on the next dial. An open or opening
// connection is replaced so the server's snapshots follow the new role.
func (m *Manager) SetRole(role string) {
	role = strings.TrimSpace(role)
	m.mu.Lock()
	if m.role == role {
		m.mu.Unlock()
		return
	}
	m.role = role
	active := m.status != StatusDisconnected && !m.closed
	m.mu.Unlock()

	if !active {
		return
	}
	m.logger.Info().Str("role", role).Msg("role changed; replacing live connection")
	m.Disconnect(false)
	m.Connect()
}

// Close tears everything down for process exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Disconnect(true)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Liveness() Liveness {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.live
	live.Status = m.status
	return live
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Status:            m.status,
		Attempts:          m.attempts,
		Dials:             m.dials,
		NextRetryDelay:    m.nextDelay,
		RetryPending:      m.reconnect != nil,
		ForceDisconnected: m.forced,
		HasToken:          m.token != "",
	}
}

func (m *Manager) teardownLocked() Conn {
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.stopTask(&m.heartbeat)
	m.stopTask(&m.idle)
	return conn
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	var task *retry.Task
	task = retry.After(m.clock, m.opts.HeartbeatInterval, func() {
		m.mu.Lock()
		if m.heartbeat != task || gen != m.gen || m.status != StatusConnected {
			m.mu.Unlock()
			return
		}
		m.heartbeat = nil
		m.mu.Unlock()

		m.SendHeartbeat()

		m.mu.Lock()
		if gen == m.gen && m.status == StatusConnected && m.heartbeat == nil {
			m.scheduleHeartbeatLocked(gen)
		}
		m.mu.Unlock()
	})
	m.heartbeat = task
}

func (m *Manager) scheduleIdleLocked(gen uint64, after time.Duration) {
	if m.opts.IdleTimeout < 0 {
		return
	}
	var task *retry.Task
	task = retry.After(m.clock, after, func() {
		m.mu.Lock()
		if m.idle != task || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.idle = nil
		remaining := m.opts.IdleTimeout - m.clock.Now().Sub(m.live.LastActivityAt)
		if remaining > 0 {
			m.scheduleIdleLocked(gen, remaining)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.logger.Info().Dur("idle_timeout", m.opts.IdleTimeout).Msg("live connection idle; disconnecting")
		m.Disconnect(false)
	})
	m.idle = task
}

func (m *Manager) stopTask(task **retry.Task) {
	if *task != nil {
		(*task).Stop()
		*task = nil
	}
}

func (m *Manager) emitConnection(gen uint64, status Status, forced bool) {
	now := m.clock.Now()
	m.registry.dispatch(Envelope{
		Type:      TypeConnection,
		Timestamp: now,
		Event: ConnectionEvent{
			Status:     status,
			Forced:     forced,
			Generation: gen,
			Timestamp:  now,
		},
	})
}
