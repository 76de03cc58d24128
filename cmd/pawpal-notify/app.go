package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pawpal/livenotify/internal/config"
	"github.com/pawpal/livenotify/internal/credentials"
	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/metrics"
	"github.com/pawpal/livenotify/internal/retry"
	"github.com/pawpal/livenotify/internal/unread"
)

var errNotSignedIn = errors.New("not signed in: run pawpal-notify login first")

// app owns one manager and one store for the signed-in account.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	creds   credentials.Store
	metrics *metrics.Recorder
	manager *liveconn.Manager
	store   *unread.Store

	mu     sync.Mutex
	userID liveconn.ID
}

func newApp(cfg *config.Config, logger zerolog.Logger, creds credentials.Store) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	rec := metrics.NewRecorder(reg)

	manager, err := liveconn.New(liveconn.Options{
		BaseURL:           cfg.BaseURL,
		Path:              cfg.WSPath,
		Logger:            &logger,
		Metrics:           rec,
		HeartbeatInterval: cfg.Live.HeartbeatInterval,
		IdleTimeout:       cfg.Live.IdleTimeout,
		DialTimeout:       cfg.Live.DialTimeout,
		WriteTimeout:      cfg.Live.WriteTimeout,
		Backoff:           retry.Backoff{Base: cfg.Live.BackoffBase, Max: cfg.Live.BackoffMax},
		MaxAttempts:       cfg.Live.MaxAttempts,
		CooldownWindow:    cfg.Live.CooldownWindow,
	})
	if err != nil {
		return nil, err
	}

	roleName, err := credentials.Lookup(context.Background(), creds, credentials.RoleKey, cfg.Role)
	if err != nil {
		manager.Close()
		return nil, err
	}
	role, err := unread.ParseRole(roleName)
	if err != nil {
		manager.Close()
		return nil, err
	}

	store, err := unread.NewStore(unread.Options{
		Client:                 unread.NewHTTPClient(cfg.BaseURL, credentials.KeySource{Store: creds}, nil),
		Live:                   manager,
		Logger:                 &logger,
		Metrics:                rec,
		Role:                   role,
		RestCooldown:           cfg.Unread.RestCooldown,
		LiveWaitInterval:       cfg.Unread.LiveWaitInterval,
		LiveWaitRetries:        cfg.Unread.LiveWaitRetries,
		RoleSwitchRecheckDelay: cfg.Unread.RoleSwitchRecheckDelay,
		LivenessTimeout:        cfg.Unread.LivenessTimeout,
		PollInterval:           cfg.Unread.PollInterval,
		PollJitter:             cfg.Unread.PollJitter,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		creds:   creds,
		metrics: rec,
		manager: manager,
		store:   store,
	}, nil
}

// session reads the token and user id the credential store holds now.
func (a *app) session(ctx context.Context) (string, liveconn.ID, error) {
	token, err := credentials.KeySource{Store: a.creds}.Token(ctx)
	if errors.Is(err, credentials.ErrNotFound) || (err == nil && token == "") {
		return "", "", errNotSignedIn
	}
	if err != nil {
		return "", "", err
	}
	user, err := credentials.Lookup(ctx, a.creds, credentials.UserIDKey, "")
	if err != nil {
		return "", "", err
	}
	if user == "" {
		return "", "", errNotSignedIn
	}
	return token, liveconn.ID(user), nil
}

func (a *app) signIn(user liveconn.ID) bool {
	a.mu.Lock()
	changed := a.userID != user
	a.userID = user
	a.mu.Unlock()
	a.store.SignIn(user)
	return changed
}

// checkOnce signs in and runs a single check without opening the socket.
func (a *app) checkOnce(ctx context.Context, force bool) (unread.Snapshot, error) {
	_, user, err := a.session(ctx)
	if err != nil {
		return unread.Snapshot{}, err
	}
	a.signIn(user)
	snap := a.store.CheckUnreadMessages(ctx, force)
	if snap.DataSource == unread.SourceUnknown {
		return snap, errors.New("unread counts unavailable; see log for the fetch error")
	}
	return snap, nil
}

func (a *app) run(ctx context.Context) error {
	token, user, err := a.session(ctx)
	if err != nil {
		return err
	}
	unsubscribe := a.store.Subscribe(a.logSnapshot)
	defer unsubscribe()

	a.signIn(user)
	a.store.CheckUnreadMessages(ctx, false)
	a.manager.Init(token)
	defer a.manager.Disconnect(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.store.Run(gctx))
	})
	if addr := a.cfg.Metrics.Addr; addr != "" {
		a.serveMetrics(g, gctx, addr)
	}
	if fs, ok := a.creds.(*credentials.FileStore); ok && a.cfg.WatchCreds {
		watcher := &credentials.Watcher{
			Path:     fs.Path(),
			OnChange: func() { a.reloadCredentials(gctx) },
			Logger:   &a.logger,
		}
		g.Go(func() error {
			return ignoreCanceled(watcher.Run(gctx))
		})
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-signals:
				a.handleSignal(gctx, sig)
			}
		}
	})

	a.logger.Info().Str("user", user.String()).Str("base_url", a.cfg.BaseURL).Msg("pawpal-notify running")
	return g.Wait()
}

func (a *app) serveMetrics(g *errgroup.Group, ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// handleSignal maps visibility signals onto the connection lifecycle.
func (a *app) handleSignal(ctx context.Context, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		a.logger.Info().Msg("resumed; reconnecting if needed")
		a.manager.ReconnectIfNeeded()
		go a.store.CheckUnreadMessages(ctx, false)
	case syscall.SIGUSR2:
		a.logger.Info().Msg("backgrounded; closing live connection")
		a.manager.Disconnect(false)
	}
}

// reloadCredentials follows a rewritten credential store: a new token
// reconnects, a new user starts a new session, a removed token signs out.
func (a *app) reloadCredentials(ctx context.Context) {
	token, user, err := a.session(ctx)
	if errors.Is(err, errNotSignedIn) {
		a.logger.Info().Msg("credentials removed; signing out")
		a.manager.Disconnect(true)
		a.store.SignOut()
		a.mu.Lock()
		a.userID = ""
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("credentials not readable; keeping current session")
		return
	}
	if a.signIn(user) {
		go a.store.CheckUnreadMessages(ctx, false)
	}
	a.manager.Init(token)
}

func (a *app) logSnapshot(snap unread.Snapshot) {
	a.logger.Info().
		Int("total", snap.Total).
		Str("role", string(snap.Role)).
		Int("role_unread", snap.ByRole[snap.Role]).
		Bool("has_unread", snap.HasUnread).
		Str("phase", snap.Phase.String()).
		Str("source", snap.DataSource.String()).
		Msg("unread counts changed")
}

func (a *app) close() {
	a.store.Close()
	a.manager.Close()
}

type snapshotJSON struct {
	Role                     string         `json:"role"`
	Phase                    string         `json:"phase"`
	Total                    int            `json:"unread_total"`
	ByRole                   map[string]int `json:"unread_by_role"`
	ByConversation           map[string]int `json:"unread_by_conversation"`
	HasUnread                bool           `json:"has_unread"`
	DataSource               string         `json:"data_source"`
	LastAuthoritativeCheckAt *time.Time     `json:"last_authoritative_check_at,omitempty"`
}

func snapshotView(snap unread.Snapshot) snapshotJSON {
	out := snapshotJSON{
		Role:           string(snap.Role),
		Phase:          snap.Phase.String(),
		Total:          snap.Total,
		ByRole:         map[string]int{},
		ByConversation: map[string]int{},
		HasUnread:      snap.HasUnread,
		DataSource:     snap.DataSource.String(),
	}
	for role, count := range snap.ByRole {
		out.ByRole[string(role)] = count
	}
	for id, count := range snap.ByConversation {
		out.ByConversation[id.String()] = count
	}
	if !snap.LastAuthoritativeCheckAt.IsZero() {
		ts := snap.LastAuthoritativeCheckAt.UTC()
		out.LastAuthoritativeCheckAt = &ts
	}
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
