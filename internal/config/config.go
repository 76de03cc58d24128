// Package config loads settings for the pawpal binaries from defaults, an
// optional YAML file and PAWPAL_ environment variables, in increasing order
// of precedence. Command line flags bound to the viper instance win over all
// of them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PAWPAL"

type Config struct {
	BaseURL        string  `mapstructure:"base_url"`
	WSPath         string  `mapstructure:"ws_path"`
	CredentialsDSN string  `mapstructure:"credentials_dsn"`
	Role           string  `mapstructure:"role"`
	WatchCreds     bool    `mapstructure:"watch_credentials"`
	Log            Log     `mapstructure:"log"`
	Metrics        Metrics `mapstructure:"metrics"`
	Live           Live    `mapstructure:"live"`
	Unread         Unread  `mapstructure:"unread"`
	Relay          Relay   `mapstructure:"relay"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Live struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	CooldownWindow    time.Duration `mapstructure:"cooldown_window"`
}

type Unread struct {
	RestCooldown           time.Duration `mapstructure:"rest_cooldown"`
	LiveWaitInterval       time.Duration `mapstructure:"live_wait_interval"`
	LiveWaitRetries        int           `mapstructure:"live_wait_retries"`
	RoleSwitchRecheckDelay time.Duration `mapstructure:"role_switch_recheck_delay"`
	LivenessTimeout        time.Duration `mapstructure:"liveness_timeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	PollJitter             float64       `mapstructure:"poll_jitter"`
}

type Relay struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
}

// New returns a viper instance with every default set and environment
// lookups enabled. Nested keys map to PAWPAL_SECTION_KEY variables.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("base_url", "http://127.0.0.1:8000")
	v.SetDefault("ws_path", "/ws/notifications/")
	v.SetDefault("credentials_dsn", "")
	v.SetDefault("role", "owner")
	v.SetDefault("watch_credentials", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("live.heartbeat_interval", "30s")
	v.SetDefault("live.idle_timeout", "10m")
	v.SetDefault("live.dial_timeout", "10s")
	v.SetDefault("live.write_timeout", "5s")
	v.SetDefault("live.backoff_base", "1s")
	v.SetDefault("live.backoff_max", "30s")
	v.SetDefault("live.max_attempts", 10)
	v.SetDefault("live.cooldown_window", "60s")

	v.SetDefault("unread.rest_cooldown", "30s")
	v.SetDefault("unread.live_wait_interval", "1s")
	v.SetDefault("unread.live_wait_retries", 5)
	v.SetDefault("unread.role_switch_recheck_delay", "1500ms")
	v.SetDefault("unread.liveness_timeout", "90s")
	v.SetDefault("unread.poll_interval", "30s")
	v.SetDefault("unread.poll_jitter", 0.2)

	v.SetDefault("relay.addr", ":8000")
	v.SetDefault("relay.jwt_secret", "dev-secret")
	v.SetDefault("relay.rate_limit_max", 0)
	v.SetDefault("relay.rate_limit_window", "1m")
	v.SetDefault("relay.token_ttl", "24h")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file when given, otherwise an optional pawpal.yaml from the
// working directory, and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pawpal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("base_url must be http or https, got %q", parsed.Scheme)
	}
	if c.Unread.PollJitter < 0 || c.Unread.PollJitter > 1 {
		return fmt.Errorf("unread.poll_jitter must be within [0,1], got %v", c.Unread.PollJitter)
	}
	if c.Live.BackoffBase > 0 && c.Live.BackoffMax > 0 && c.Live.BackoffBase > c.Live.BackoffMax {
		return fmt.Errorf("live.backoff_base %s exceeds live.backoff_max %s", c.Live.BackoffBase, c.Live.BackoffMax)
	}
	return nil
}
