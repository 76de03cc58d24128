package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8000" {
		t.Fatalf("expected default base url, got %q", cfg.BaseURL)
	}
	if cfg.Live.HeartbeatInterval != 30*time.Second || cfg.Live.IdleTimeout != 10*time.Minute {
		t.Fatalf("expected 30s heartbeat and 10m idle, got %s and %s", cfg.Live.HeartbeatInterval, cfg.Live.IdleTimeout)
	}
	if cfg.Live.MaxAttempts != 10 || cfg.Live.CooldownWindow != time.Minute {
		t.Fatalf("expected 10 attempts and 1m cooldown, got %d and %s", cfg.Live.MaxAttempts, cfg.Live.CooldownWindow)
	}
	if cfg.Unread.RoleSwitchRecheckDelay != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s recheck delay, got %s", cfg.Unread.RoleSwitchRecheckDelay)
	}
	if cfg.Unread.LiveWaitRetries != 5 || cfg.Unread.RestCooldown != 30*time.Second {
		t.Fatalf("expected 5 retries and 30s cooldown, got %d and %s", cfg.Unread.LiveWaitRetries, cfg.Unread.RestCooldown)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("PAWPAL_BASE_URL", "https://api.pawpal.test")
	t.Setenv("PAWPAL_LIVE_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("PAWPAL_UNREAD_LIVE_WAIT_RETRIES", "3")
	t.Setenv("PAWPAL_LOG_LEVEL", "debug")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "https://api.pawpal.test" {
		t.Fatalf("expected env base url, got %q", cfg.BaseURL)
	}
	if cfg.Live.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected 15s heartbeat, got %s", cfg.Live.HeartbeatInterval)
	}
	if cfg.Unread.LiveWaitRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Unread.LiveWaitRetries)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pawpal.yaml")
	content := "base_url: https://file.pawpal.test\nrole: professional\nlive:\n  max_attempts: 4\nrelay:\n  jwt_secret: from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAWPAL_RELAY_JWT_SECRET", "from-env")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "https://file.pawpal.test" || cfg.Role != "professional" {
		t.Fatalf("expected file values, got base=%q role=%q", cfg.BaseURL, cfg.Role)
	}
	if cfg.Live.MaxAttempts != 4 {
		t.Fatalf("expected 4 attempts from file, got %d", cfg.Live.MaxAttempts)
	}
	if cfg.Relay.JWTSecret != "from-env" {
		t.Fatalf("expected env to win over file, got %q", cfg.Relay.JWTSecret)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing explicit config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"scheme":  func(c *Config) { c.BaseURL = "ftp://pawpal.test" },
		"host":    func(c *Config) { c.BaseURL = "not a url" },
		"jitter":  func(c *Config) { c.Unread.PollJitter = 1.5 },
		"backoff": func(c *Config) { c.Live.BackoffBase = time.Minute; c.Live.BackoffMax = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
