// Package unread keeps the unread message counters of the signed-in account
// and decides when the live connection can be trusted for them and when the
// REST endpoints must be asked instead.
package unread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/metrics"
	"github.com/pawpal/livenotify/internal/retry"
)

// LiveConnection is the part of liveconn.Manager the store drives.
type LiveConnection interface {
	Register(msgType string, h liveconn.Handler, id string) func()
	Send(msgType string, data any) bool
	ReconnectIfNeeded()
	Liveness() liveconn.Liveness
	// SetRole scopes the server's unread snapshots to role.
	SetRole(role string)
}

type Options struct {
	Client  RemoteClient
	Live    LiveConnection
	Clock   clock.Clock
	Logger  *zerolog.Logger
	Metrics *metrics.Recorder

	// Role is the active role at sign-in.
	Role Role

	RestCooldown           time.Duration
	LiveWaitInterval       time.Duration
	LiveWaitRetries        int
	RoleSwitchRecheckDelay time.Duration
	// LivenessTimeout is how long a connection may stay silent before the
	// poller stops trusting it.
	LivenessTimeout time.Duration
	PollInterval    time.Duration
	PollJitter      float64
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Role == "" {
		o.Role = RoleOwner
	}
	if o.RestCooldown <= 0 {
		o.RestCooldown = 30 * time.Second
	}
	if o.LiveWaitInterval <= 0 {
		o.LiveWaitInterval = time.Second
	}
	if o.LiveWaitRetries <= 0 {
		o.LiveWaitRetries = 5
	}
	if o.RoleSwitchRecheckDelay <= 0 {
		o.RoleSwitchRecheckDelay = 1500 * time.Millisecond
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	o.PollJitter = clampJitterRatio(o.PollJitter)
}

// Stats counts the work the store has done, mainly for tests and logs.
type Stats struct {
	Checks      int
	RestFetches int
	Resyncs     int
}

type Store struct {
	opts    Options
	client  RemoteClient
	live    LiveConnection
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu             sync.Mutex
	state          *State
	phase          Phase
	signedIn       bool
	session        uint64
	userID         liveconn.ID
	firstCheckDone bool
	connected      bool
	upGen          uint64
	downGen        uint64
	proven         bool
	proof          chan struct{}
	viewing        liveconn.ID
	recheck        *retry.Task
	stats          Stats
	subscribers    map[int]func(Snapshot)
	nextSubscriber int
	unregister     []func()
	closed         bool
}

func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: rest client is required", ErrInvalidInput)
	}
	opts.defaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:        opts,
		client:      opts.Client,
		live:        opts.Live,
		clock:       opts.Clock,
		logger:      logger.With().Str("component", "unread").Logger(),
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		state:       NewState(opts.Role),
		proof:       make(chan struct{}),
		subscribers: map[int]func(Snapshot){},
	}
	if s.live != nil {
		s.live.SetRole(string(opts.Role))
		s.connected = s.live.Liveness().Status == liveconn.StatusConnected
		s.unregister = []func(){
			s.live.Register(liveconn.TypeConnection, s.handleConnection, "unread-connection"),
			s.live.Register(liveconn.TypeNewMessage, s.handleNewMessage, "unread-new-message"),
			s.live.Register(liveconn.TypeLegacyMessage, s.handleNewMessage, "unread-legacy-message"),
			s.live.Register(liveconn.TypeUnreadUpdate, s.handleUnreadUpdate, "unread-update"),
			s.live.Register(liveconn.TypeAll, s.handleAny, "unread-liveness"),
		}
	}
	return s, nil
}

// SignIn starts a session for userID. Messages sent by userID are never
// counted. The first CheckUnreadMessages after sign-in always hits REST.
func (s *Store) SignIn(userID liveconn.ID) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.signedIn && s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.session++
	s.signedIn = true
	s.userID = userID
	s.state = NewState(s.state.Role())
	s.phase = PhaseBootstrapping
	s.firstCheckDone = false
	s.viewing = ""
	s.resetProofLocked()
	s.stopRecheckLocked()
	notify := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info().Str("user", userID.String()).Msg("unread session started")
	notify()
}

// SignOut clears every counter and cancels pending rechecks.
func (s *Store) SignOut() {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	s.session++
	s.signedIn = false
	s.userID = ""
	s.state.reset()
	s.phase = PhaseUninitialized
	s.firstCheckDone = false
	s.viewing = ""
	s.resetProofLocked()
	s.stopRecheckLocked()
	notify := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("unread session cleared")
	notify()
}

// CheckUnreadMessages decides between the live state and a REST read and
// returns the resulting snapshot. Concurrent callers share one check.
func (s *Store) CheckUnreadMessages(ctx context.Context, force bool) Snapshot {
	key := "check"
	if force {
		key = "force"
	}
	ch := s.group.DoChan(key, func() (any, error) {
		return s.check(force), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Snapshot)
	case <-ctx.Done():
		return s.Snapshot()
	}
}

func (s *Store) check(force bool) Snapshot {
	s.mu.Lock()
	if !s.signedIn {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.stats.Checks++
	session := s.session

	if force {
		s.mu.Unlock()
		return s.fetch(session, "forced")
	}
	// The live connection never backfills what arrived while offline, so
	// the first check of a session always reads REST.
	if !s.firstCheckDone {
		s.firstCheckDone = true
		s.phase = PhaseBootstrapping
		s.mu.Unlock()
		return s.fetch(session, "first load")
	}
	if s.connected && s.proven {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Debug().Msg("live connection trusted; skipping rest read")
		return snap
	}
	proof := s.proof
	s.mu.Unlock()

	for i := 0; i < s.opts.LiveWaitRetries; i++ {
		select {
		case <-proof:
			return s.Snapshot()
		case <-s.ctx.Done():
			return s.Snapshot()
		case <-s.clock.After(s.opts.LiveWaitInterval):
		}
	}

	s.mu.Lock()
	if session != s.session || s.proven {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.phase = PhaseRestPolling
	connected := s.connected
	cooling := s.coolingLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().
		Int("retries", s.opts.LiveWaitRetries).
		Bool("connected", connected).
		Msg("live connection did not prove itself; falling back to rest")
	if !connected && s.live != nil {
		s.live.ReconnectIfNeeded()
	}
	if cooling && connected {
		return snap
	}
	return s.fetch(session, "live connection unproven")
}

func (s *Store) coolingLocked() bool {
	last := s.state.lastAuthoritative
	return !last.IsZero() && s.clock.Now().Sub(last) < s.opts.RestCooldown
}

// fetch reads counts over REST and overwrites local state with them. A
// failure keeps the previous state.
func (s *Store) fetch(session uint64, reason string) Snapshot {
	s.mu.Lock()
	role := s.state.Role()
	s.stats.RestFetches++
	s.mu.Unlock()

	counts, err := s.client.UnreadCounts(s.ctx, role)

	s.mu.Lock()
	if session != s.session || !s.signedIn {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	if err != nil {
		if s.phase == PhaseBootstrapping {
			s.phase = PhaseDegraded
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.metrics.IncRestFetch("failure")
		if errors.Is(err, ErrUnauthorized) {
			s.logger.Warn().Err(err).Str("reason", reason).Msg("unread fetch rejected; check credentials")
		} else {
			s.logger.Warn().Err(err).Str("reason", reason).Msg("unread fetch failed; keeping previous counts")
		}
		return snap
	}
	s.metrics.IncRestFetch("success")
	if role != s.state.Role() || !s.state.applyAuthoritativeSnapshot(counts, SourceRestFallback, s.clock.Now()) {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Debug().Str("fetched_role", string(role)).Msg("discarding counts for a previous role")
		return snap
	}

	switch {
	case s.connected && s.proven:
		s.phase = PhaseTrustedLive
	case s.phase == PhaseBootstrapping:
		s.phase = PhaseDegraded
	}
	inconsistent := s.state.diverged()
	notify := s.changedLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if inconsistent {
		s.logger.Warn().Int("total", snap.Total).Msg("rest counts disagree with conversation counts")
	}
	s.logger.Debug().
		Str("reason", reason).
		Int("total", snap.Total).
		Str("phase", snap.Phase.String()).
		Msg("unread counts refreshed from rest")
	notify()
	return snap
}

// OnNewMessage counts an inbound message unless it is the user's own or
// belongs to the conversation on screen.
func (s *Store) OnNewMessage(msg liveconn.NewMessage) {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	if msg.IsOwnMessage || (s.userID != "" && msg.SenderID == s.userID) {
		s.mu.Unlock()
		return
	}
	if s.viewing != "" && msg.ConversationID == s.viewing {
		s.mu.Unlock()
		s.logger.Debug().Str("conversation", msg.ConversationID.String()).Msg("message for open conversation not counted")
		return
	}
	roles := s.state.applyNewMessage(msg)
	diverged := s.state.diverged()
	notify := s.changedLocked()
	s.mu.Unlock()

	if len(roles) > 1 {
		s.logger.Debug().
			Str("conversation", msg.ConversationID.String()).
			Msg("message without role attribution counted for both roles")
	}
	notify()
	if diverged {
		s.resync("incremental count diverged")
	}
}

// MarkConversationAsRead clears a conversation locally. Nothing is sent.
func (s *Store) MarkConversationAsRead(id liveconn.ID) {
	s.mu.Lock()
	if s.state.applyReadReceipt(id) == 0 {
		s.mu.Unlock()
		return
	}
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()
}

func (s *Store) ConversationUnreadCount(id liveconn.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ConversationCount(id)
}

// SetActiveRole switches the role whose counters drive HasUnread and
// schedules a forced recheck shortly after.
func (s *Store) SetActiveRole(role Role) {
	s.mu.Lock()
	if !s.state.switchRole(role) {
		s.mu.Unlock()
		return
	}
	if s.signedIn {
		s.scheduleRecheckLocked()
	}
	notify := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info().Str("role", string(role)).Msg("active role switched")
	notify()
	if s.live != nil {
		s.live.SetRole(string(role))
	}
}

func (s *Store) scheduleRecheckLocked() {
	s.stopRecheckLocked()
	session := s.session
	var task *retry.Task
	task = retry.After(s.clock, s.opts.RoleSwitchRecheckDelay, func() {
		s.mu.Lock()
		if s.recheck != task || session != s.session {
			s.mu.Unlock()
			return
		}
		s.recheck = nil
		s.mu.Unlock()
		s.CheckUnreadMessages(s.ctx, true)
	})
	s.recheck = task
}

func (s *Store) stopRecheckLocked() {
	if s.recheck != nil {
		s.recheck.Stop()
		s.recheck = nil
	}
}

// SetViewingConversation marks id as open on screen; an empty id clears it.
func (s *Store) SetViewingConversation(id liveconn.ID) {
	s.mu.Lock()
	s.viewing = id
	s.mu.Unlock()
}

// SendReadReceipt clears the conversation locally, then tells the server
// over the live connection or, when that is down, over REST.
func (s *Store) SendReadReceipt(ctx context.Context, conversationID liveconn.ID, messageIDs []liveconn.ID) error {
	if strings.TrimSpace(conversationID.String()) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	s.MarkConversationAsRead(conversationID)
	if messageIDs == nil {
		messageIDs = []liveconn.ID{}
	}
	if s.live != nil && s.live.Send(liveconn.TypeMarkRead, liveconn.MarkRead{ConversationID: conversationID, MessageIDs: messageIDs}) {
		return nil
	}
	if err := s.client.MarkRead(ctx, conversationID, messageIDs); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SendMessage posts a message over REST, the durable path.
func (s *Store) SendMessage(ctx context.Context, conversationID liveconn.ID, content string) (SentMessage, error) {
	sent, err := s.client.SendMessage(ctx, conversationID, content)
	if err != nil {
		return SentMessage{}, fmt.Errorf("send message: %w", err)
	}
	return sent, nil
}

// Subscribe calls fn with a snapshot after every change. The returned func
// removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close unregisters from the live connection and stops background work.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRecheckLocked()
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()

	for _, fn := range unregister {
		fn()
	}
	s.cancel()
}

func (s *Store) handleConnection(env liveconn.Envelope) {
	ev, ok := env.Event.(liveconn.ConnectionEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	switch ev.Status {
	case liveconn.StatusConnected:
		if ev.Generation <= s.downGen {
			s.mu.Unlock()
			s.logger.Debug().Uint64("generation", ev.Generation).Msg("ignoring stale connected event")
			return
		}
		s.upGen = ev.Generation
		s.connected = true
		s.resetProofLocked()
	default:
		if ev.Generation < s.upGen {
			s.mu.Unlock()
			s.logger.Debug().Uint64("generation", ev.Generation).Msg("ignoring stale disconnected event")
			return
		}
		s.downGen = ev.Generation
		s.connected = false
		s.resetProofLocked()
		if s.phase == PhaseTrustedLive {
			s.phase = PhaseDegraded
		}
	}
	phase := s.phase
	s.mu.Unlock()

	s.logger.Debug().
		Str("status", ev.Status.String()).
		Bool("forced", ev.Forced).
		Str("phase", phase.String()).
		Msg("live connection status changed")
}

func (s *Store) handleNewMessage(env liveconn.Envelope) {
	msg, ok := env.Event.(liveconn.NewMessage)
	if !ok {
		return
	}
	s.markProven()
	s.OnNewMessage(msg)
}

func (s *Store) handleUnreadUpdate(env liveconn.Envelope) {
	update, ok := env.Event.(liveconn.UnreadUpdate)
	if !ok {
		return
	}
	s.mu.Lock()
	s.markProvenLocked()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	if !s.state.applyAuthoritativeSnapshot(countsFromUpdate(update), SourceLiveConnection, s.clock.Now()) {
		s.mu.Unlock()
		s.logger.Debug().Str("role", update.Role).Msg("ignoring live counts for another role")
		return
	}
	diverged := s.state.diverged()
	notify := s.changedLocked()
	s.mu.Unlock()

	notify()
	if diverged {
		s.resync("live snapshot diverged")
	}
}

func (s *Store) handleAny(liveconn.Envelope) {
	s.markProven()
}

func (s *Store) markProven() {
	s.mu.Lock()
	s.markProvenLocked()
	s.mu.Unlock()
}

// markProvenLocked records that the current connection delivered traffic.
func (s *Store) markProvenLocked() {
	if !s.connected || s.proven {
		return
	}
	s.proven = true
	close(s.proof)
	if s.phase == PhaseDegraded || s.phase == PhaseRestPolling {
		s.phase = PhaseTrustedLive
	}
}

func (s *Store) resetProofLocked() {
	if s.proven {
		s.proof = make(chan struct{})
	}
	s.proven = false
}

// demoteLocked stops trusting a silent connection until it proves itself
// again.
func (s *Store) demoteLocked() {
	s.resetProofLocked()
	if s.phase == PhaseTrustedLive {
		s.phase = PhaseDegraded
	}
}

func (s *Store) resync(reason string) {
	s.mu.Lock()
	s.stats.Resyncs++
	s.mu.Unlock()
	s.metrics.IncResync()
	s.logger.Warn().Str("reason", reason).Msg("unread counts diverged; resynchronising from rest")
	go s.CheckUnreadMessages(s.ctx, true)
}

func (s *Store) snapshotLocked() Snapshot {
	return s.state.snapshot(s.phase)
}

// changedLocked captures the snapshot and subscribers; the returned func
// delivers them and must run after the lock is released.
func (s *Store) changedLocked() func() {
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	rec := s.metrics
	return func() {
		rec.SetUnread(string(RoleOwner), snap.ByRole[RoleOwner])
		rec.SetUnread(string(RoleProfessional), snap.ByRole[RoleProfessional])
		for _, fn := range subs {
			fn(snap)
		}
	}
}
