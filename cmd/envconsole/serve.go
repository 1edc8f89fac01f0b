package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"envconsole/internal/hub"
	"envconsole/internal/log"
	"envconsole/internal/realtime"
	"envconsole/internal/session"
	"envconsole/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay that exposes stream sessions to browsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Relay.Listen = listen
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides relay.listen)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := log.WithComponent("serve")

	var tokens hub.TokenSource = hub.StaticToken(a.cfg.Token)
	if a.cfg.TokenFile != "" {
		tf, err := watcher.Watch(a.cfg.TokenFile,
			watcher.WithLogger(log.WithComponent("token")),
			watcher.WithCallback(func(path string) {
				logger.Info().Str("path", path).Msg("hub token reloaded")
			}),
		)
		if err != nil {
			return err
		}
		defer tf.Close()
		tokens = tf
	}

	mgr := session.NewManager(session.ManagerConfig{
		MaxSessions: a.cfg.Relay.MaxSessions,
		KeepClosed:  a.cfg.Relay.KeepClosed,
		Endpoints:   a.cfg.Endpoints(),
		Tokens:      tokens,
		Dialer:      session.ClientDialer(newStreamClient()),
		Logger:      log.WithComponent("session"),
	})
	relay := realtime.New(mgr, realtime.Config{
		StaticDir:       a.cfg.Relay.StaticDir,
		CreateRateLimit: a.cfg.Relay.RateLimit,
		AllowedOrigins:  a.cfg.Relay.AllowedOrigins,
		Logger:          log.WithComponent("relay"),
	})

	ln, err := net.Listen("tcp", a.cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Relay.Listen, err)
	}
	srv := &http.Server{
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		mgr.Shutdown()
		relay.CloseClients()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
