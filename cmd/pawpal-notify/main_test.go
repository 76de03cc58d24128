package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pawpal/livenotify/internal/config"
	"github.com/pawpal/livenotify/internal/credentials"
	"github.com/pawpal/livenotify/internal/devrelay"
	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/unread"
)

func TestSnapshotView(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	view := snapshotView(unread.Snapshot{
		Role:                     unread.RoleOwner,
		Phase:                    unread.PhaseTrustedLive,
		Total:                    4,
		ByRole:                   map[unread.Role]int{unread.RoleOwner: 4},
		ByConversation:           map[liveconn.ID]int{"7": 4},
		HasUnread:                true,
		DataSource:               unread.SourceLiveConnection,
		LastAuthoritativeCheckAt: at,
	})
	if view.Phase != "trusted_live" || view.DataSource != "live" || view.ByConversation["7"] != 4 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.LastAuthoritativeCheckAt == nil || view.LastAuthoritativeCheckAt.Location() != time.UTC {
		t.Fatalf("expected UTC check time, got %v", view.LastAuthoritativeCheckAt)
	}
	if empty := snapshotView(unread.Snapshot{}); empty.LastAuthoritativeCheckAt != nil {
		t.Fatalf("expected no check time for an empty snapshot")
	}
}

func TestRunFollowsSignalsAndRotation(t *testing.T) {
	relay, ts := startRelay(t)
	relay.Seed("12", unread.RoleOwner, "7", 4)

	creds := credentials.NewMemoryStore()
	ctx := context.Background()
	_ = creds.Set(ctx, credentials.TokenKey, issue(t, "12"))
	_ = creds.Set(ctx, credentials.UserIDKey, "12")

	a := newTestApp(t, ts.URL, creds)
	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(runCtx) }()

	waitFor(t, "live counts", func() bool {
		snap := a.store.Snapshot()
		return snap.DataSource == unread.SourceLiveConnection && snap.Total == 4
	})

	a.handleSignal(runCtx, syscall.SIGUSR2)
	waitFor(t, "background disconnect", func() bool { return a.manager.Status() == liveconn.StatusDisconnected })
	if a.manager.Stats().ForceDisconnected {
		t.Fatalf("expected a soft disconnect on SIGUSR2")
	}

	dials := a.manager.Stats().Dials
	a.handleSignal(runCtx, syscall.SIGUSR1)
	waitFor(t, "resume reconnect", func() bool {
		return a.manager.Stats().Dials > dials && a.manager.Status() == liveconn.StatusConnected
	})

	dials = a.manager.Stats().Dials
	rotated, err := devrelay.IssueToken("dev-secret", "12", 2*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue rotated token: %v", err)
	}
	_ = creds.Set(ctx, credentials.TokenKey, rotated)
	a.reloadCredentials(runCtx)
	waitFor(t, "redial with rotated token", func() bool {
		return a.manager.Stats().Dials > dials && a.manager.Status() == liveconn.StatusConnected
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestReloadWithoutTokenSignsOut(t *testing.T) {
	_, ts := startRelay(t)
	creds := credentials.NewMemoryStore()
	a := newTestApp(t, ts.URL, creds)

	a.signIn("12")
	a.reloadCredentials(context.Background())
	if a.store.Phase() != unread.PhaseUninitialized {
		t.Fatalf("expected signed out store, got %s", a.store.Phase())
	}
	if !a.manager.Stats().ForceDisconnected {
		t.Fatalf("expected the live connection to be force closed")
	}
}

func TestRunRequiresCredentials(t *testing.T) {
	_, ts := startRelay(t)
	a := newTestApp(t, ts.URL, credentials.NewMemoryStore())
	if err := a.run(context.Background()); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected errNotSignedIn, got %v", err)
	}
}

func TestLoginThenCheckCommand(t *testing.T) {
	relay, ts := startRelay(t)
	relay.Seed("12", unread.RoleProfessional, "9", 2)
	path := filepath.Join(t.TempDir(), "credentials.json")
	common := []string{"--base-url", ts.URL, "--credentials", "file://" + path, "--log-level", "error"}

	login := buildRootCmd()
	login.SetArgs(append([]string{"login", "--token", issue(t, "12"), "--user", "12", "--as", "pro"}, common...))
	if err := login.Execute(); err != nil {
		t.Fatalf("login: %v", err)
	}
	role, err := credentials.NewFileStore(path).Get(context.Background(), credentials.RoleKey)
	if err != nil || role != "professional" {
		t.Fatalf("expected stored role professional, got %q (%v)", role, err)
	}

	check := buildRootCmd()
	var out bytes.Buffer
	check.SetOut(&out)
	check.SetArgs(append([]string{"check"}, common...))
	if err := check.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}
	var view snapshotJSON
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode check output %q: %v", out.String(), err)
	}
	if view.Role != "professional" || view.Total != 2 || view.ByConversation["9"] != 2 || view.DataSource != "rest" {
		t.Fatalf("unexpected check output: %+v", view)
	}
}

func TestCheckCommandWithoutLogin(t *testing.T) {
	_, ts := startRelay(t)
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"check", "--base-url", ts.URL, "--credentials", "memory://", "--log-level", "error"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("expected not signed in error, got %v", err)
	}
}

func startRelay(t *testing.T) (*devrelay.Server, *httptest.Server) {
	t.Helper()
	relay := devrelay.NewServer(devrelay.Config{})
	ts := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	return relay, ts
}

func newTestApp(t *testing.T, baseURL string, creds credentials.Store) *app {
	t.Helper()
	cfg, err := config.Load(config.New(), "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BaseURL = baseURL
	cfg.Live.BackoffBase = 20 * time.Millisecond
	cfg.Live.BackoffMax = 100 * time.Millisecond
	cfg.WatchCreds = false
	a, err := newApp(cfg, zerolog.Nop(), creds)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	token, err := devrelay.IssueToken("dev-secret", userID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
