// Command pawpal-notify keeps the unread message counters of a signed-in
// pawpal account current over the live notification socket, falling back to
// the REST endpoints when the socket cannot be trusted.
//
//	pawpal-notify login --token <jwt> --user 12
//	pawpal-notify run
//	pawpal-notify check
//
// SIGUSR1 asks for a reconnect (app became visible), SIGUSR2 drops the
// socket without suppressing later reconnects (app went to background).
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pawpal/livenotify/internal/config"
	"github.com/pawpal/livenotify/internal/credentials"
	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/logging"
	"github.com/pawpal/livenotify/internal/unread"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "pawpal-notify",
		Short:         "Keep pawpal unread message counts live",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./pawpal.yaml when present)")
	flags.String("base-url", "", "pawpal API base URL")
	flags.String("credentials", "", "credential store DSN (file://, memory://, postgres://)")
	flags.String("role", "", "active role: owner or professional")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: json or console")
	_ = v.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = v.BindPFlag("credentials_dsn", flags.Lookup("credentials"))
	_ = v.BindPFlag("role", flags.Lookup("role"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	root.AddCommand(
		buildRunCmd(v, &configFile),
		buildCheckCmd(v, &configFile),
		buildSendCmd(v, &configFile),
		buildLoginCmd(v, &configFile),
	)
	return root
}

func buildRunCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live notification client until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(v, *configFile)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(env.cfg, env.logger, env.creds)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().Bool("watch-credentials", true, "re-read the token when the credentials file changes")
	_ = v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("watch_credentials", cmd.Flags().Lookup("watch-credentials"))
	return cmd
}

func buildCheckCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Read unread counts once over REST and print them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(v, *configFile)
			if err != nil {
				return err
			}
			defer env.close()
			a, err := newApp(env.cfg, env.logger, env.creds)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.checkOnce(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(cmd, snapshotView(snap))
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the live connection and read REST")
	return cmd
}

func buildSendCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var conversation, content string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(v, *configFile)
			if err != nil {
				return err
			}
			defer env.close()
			a, err := newApp(env.cfg, env.logger, env.creds)
			if err != nil {
				return err
			}
			defer a.close()

			sent, err := a.store.SendMessage(cmd.Context(), liveconn.ID(strings.TrimSpace(conversation)), content)
			if err != nil {
				return err
			}
			return printJSON(cmd, sent)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func buildLoginCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var token, user, role string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token and user id in the credential store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(v, *configFile)
			if err != nil {
				return err
			}
			defer env.close()
			if strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
				return errors.New("--token and --user are required")
			}
			ctx := cmd.Context()
			if err := env.creds.Set(ctx, credentials.TokenKey, strings.TrimSpace(token)); err != nil {
				return err
			}
			if err := env.creds.Set(ctx, credentials.UserIDKey, strings.TrimSpace(user)); err != nil {
				return err
			}
			if role != "" {
				parsed, err := unread.ParseRole(role)
				if err != nil {
					return err
				}
				if err := env.creds.Set(ctx, credentials.RoleKey, string(parsed)); err != nil {
					return err
				}
			}
			env.logger.Info().Str("user", user).Msg("credentials stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "as", "", "store an active role")
	return cmd
}

type environment struct {
	cfg    *config.Config
	logger zerolog.Logger
	creds  credentials.Store
	close  func()
}

func setup(v *viper.Viper, configFile string) (*environment, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.Open(cfg.Log.File, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.CredentialsDSN)
	if dsn == "" {
		dsn, err = defaultCredentialsDSN()
		if err != nil {
			closeLog()
			return nil, err
		}
	}
	creds, err := credentials.BuildStoreFromDSN(dsn)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &environment{
		cfg:    cfg,
		logger: logger,
		creds:  creds,
		close: func() {
			if closer, ok := creds.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			closeLog()
		},
	}, nil
}

func defaultCredentialsDSN() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no credentials DSN configured and no user config dir: %w", err)
	}
	return "file://" + filepath.Join(dir, "pawpal", "credentials.json"), nil
}

func printJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
