package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/catalogsync/catalogsync/internal/api"
	"github.com/catalogsync/catalogsync/internal/queue"
	"github.com/catalogsync/catalogsync/internal/ratelimit"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, job workers and the periodic full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.cfg.RequireAPIKeys(); err != nil {
			return err
		}
		return serve(a)
	},
}

func serve(a *app) error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.New(queue.Config{
		Concurrency:  cfg.Concurrency,
		QueueSize:    cfg.QueueSize,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.PollInterval,
	}, a.jobs, a.log)
	svc := a.service(q)

	if err := q.Recovery(ctx); err != nil {
		return errors.Wrap(err, "recovery")
	}
	q.Start(ctx, svc)
	go svc.RunSchedule(ctx, cfg.SyncInterval)
	a.cache.StartJanitor(ctx, 10*time.Minute)

	inbound := ratelimit.New()
	go sweepLimiter(ctx, inbound, cfg.RateLimitWindow)

	mux := http.NewServeMux()
	api.NewHandler(a.jobs, svc, q, a.client, a.log).RegisterRoutes(mux)
	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(a.log),
		api.Recover(a.log),
		api.RateLimit(inbound, cfg.RateLimit, cfg.RateLimitWindow, cfg.TrustedProxies),
		api.Auth(cfg.APIKeys),
	)

	// No WriteTimeout: SSE streams stay open until their job finishes.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("catalogsync listening", "addr", cfg.ListenAddr, "mock_upstream", cfg.PAAPI.UseMock)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Infow("Shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			q.Wait()
			return errors.Wrap(err, "listen")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Errorw("HTTP shutdown error", "error", err)
	}
	q.Wait()
	a.log.Infow("Stopped")
	return nil
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter, window time.Duration) {
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(window)
		}
	}
}
