// Command pawpal-devrelay runs a local messaging backend that speaks the
// unread REST endpoints and the notification socket.
//
//	pawpal-devrelay serve --conversation 7:12:34 --seed 12:owner:7:4
//	pawpal-devrelay token --user 12
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pawpal/livenotify/internal/config"
	"github.com/pawpal/livenotify/internal/devrelay"
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
		Use:           "pawpal-devrelay",
		Short:         "Local pawpal messaging relay for development",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./pawpal.yaml when present)")
	flags.String("jwt-secret", "", "HS256 secret shared with issued tokens")
	flags.String("log-level", "", "log level")
	_ = v.BindPFlag("relay.jwt_secret", flags.Lookup("jwt-secret"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(buildServeCmd(v, &configFile), buildTokenCmd(v, &configFile))
	return root
}

func buildServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var seeds, conversations []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.Open(cfg.Log.File, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer closeLog()

			relay := devrelay.NewServer(devrelay.Config{
				JWTSecret:       cfg.Relay.JWTSecret,
				WSPath:          cfg.WSPath,
				RateLimitMax:    cfg.Relay.RateLimitMax,
				RateLimitWindow: cfg.Relay.RateLimitWindow,
				Logger:          &logger,
			})
			if err := applyFixtures(relay, conversations, seeds); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			listener, err := net.Listen("tcp", cfg.Relay.Addr)
			if err != nil {
				return err
			}
			return serve(ctx, listener, relay, logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().Int("rate-limit-max", 0, "requests per user per window (0 disables)")
	_ = v.BindPFlag("relay.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("relay.rate_limit_max", cmd.Flags().Lookup("rate-limit-max"))
	cmd.Flags().StringArrayVar(&conversations, "conversation", nil, "open a conversation: id:ownerID:professionalID")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "seed unread counts: userID:role:conversationID:count")
	return cmd
}

func buildTokenCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var user string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token the relay accepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Relay.TokenTTL
			}
			token, err := devrelay.IssueToken(cfg.Relay.JWTSecret, user, ttl, time.Now(), scopes...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "extra scopes, e.g. "+devrelay.ScopePush)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default relay.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func serve(ctx context.Context, listener net.Listener, relay *devrelay.Server, logger zerolog.Logger) error {
	srv := &http.Server{Handler: relay, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listener.Addr().String()).Msg("relay listening")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("relay shutting down")
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func applyFixtures(relay *devrelay.Server, conversations, seeds []string) error {
	for _, raw := range conversations {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 || anyEmpty(parts) {
			return fmt.Errorf("invalid --conversation %q: want id:ownerID:professionalID", raw)
		}
		relay.OpenConversation(liveconn.ID(parts[0]), parts[1], parts[2])
	}
	for _, raw := range seeds {
		parts := strings.Split(raw, ":")
		if len(parts) != 4 || anyEmpty(parts) {
			return fmt.Errorf("invalid --seed %q: want userID:role:conversationID:count", raw)
		}
		role, err := unread.ParseRole(parts[1])
		if err != nil {
			return fmt.Errorf("invalid --seed %q: %w", raw, err)
		}
		count, err := strconv.Atoi(parts[3])
		if err != nil || count < 0 {
			return fmt.Errorf("invalid --seed %q: count must be a non-negative integer", raw)
		}
		relay.Seed(parts[0], role, liveconn.ID(parts[2]), count)
	}
	return nil
}

func anyEmpty(parts []string) bool {
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return true
		}
	}
	return false
}
