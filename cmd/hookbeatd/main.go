package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/api"
	"hookbeat/internal/config"
	"hookbeat/internal/core"
	"hookbeat/internal/dispatch"
	"hookbeat/internal/logging"
	"hookbeat/internal/monitor"
	"hookbeat/internal/notify"
	"hookbeat/internal/ratelimit"
	"hookbeat/internal/resilience"
	"hookbeat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hookbeatd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogConsole)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StateDir, cfg.Dispatch.ClaimTTL)
	if err != nil {
		return err
	}
	defer st.DB.Close()
	logger.Info().Str("state_dir", cfg.StateDir).Str("owner", st.Owner).Msg("store opened")

	if cfg.Server.BootstrapKey != "" {
		if err := bootstrapKey(ctx, st, cfg.Server.BootstrapKey); err != nil {
			return err
		}
		logger.Info().Msg("bootstrap api key installed")
	}

	journal, err := resilience.NewJournal(cfg.Resilience.JournalPath)
	if err != nil {
		return err
	}
	guard := resilience.NewGuard(st, journal, logger, cfg.Resilience.RefreshInterval)
	go guard.Run(ctx)

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.RatePerSec)
	}

	var backoff core.BackoffStrategy = core.ExponentialBackoff{Base: cfg.Retry.Base, Cap: cfg.Retry.Cap}
	if cfg.Retry.Jitter {
		backoff = core.JitteredBackoff{Base: cfg.Retry.Base, Cap: cfg.Retry.Cap}
	}
	policy := dispatch.NewRetryPolicy(backoff, notifier, logger)
	caller := dispatch.NewCaller(cfg.Dispatch.MaxBodyBytes)
	dispatcher := dispatch.NewDispatcher(guard, caller, policy, logger, dispatch.Options{
		TickInterval: cfg.Dispatch.TickInterval,
		Workers:      cfg.Dispatch.Workers,
		ClaimBatch:   cfg.Dispatch.ClaimBatch,
		MissedAfter:  cfg.Dispatch.MissedAfter,
	})

	engine := monitor.NewEngine(st, notifier, logger, cfg.Monitor.SweepInterval)

	limiter := ratelimit.New(
		ratelimit.Window{Duration: cfg.RateLimit.ShortWindow, Limit: cfg.RateLimit.ShortLimit},
		ratelimit.Window{Duration: cfg.RateLimit.LongWindow, Limit: cfg.RateLimit.LongLimit},
	)

	server, err := api.NewServer(cfg.Server.Addr, st, engine, limiter, logger)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	go engine.Run(ctx)
	go housekeeping(ctx, st, limiter, cfg.IdempotencyRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
	}

	logger.Info().Dur("grace", cfg.ShutdownGrace).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("dispatcher drain cut short by grace period")
	}
	logger.Info().Msg("goodbye")
	return nil
}

// bootstrapKey installs the configured "key_id.secret" credential under the
// "default" tenant so a fresh install can talk to the API.
func bootstrapKey(ctx context.Context, st *store.Store, raw string) error {
	keyID, secret, ok := strings.Cut(raw, ".")
	if !ok || keyID == "" || secret == "" {
		return errors.New("bootstrap key must be <key_id>.<secret>")
	}
	return st.UpsertAPIKey(ctx, &core.APIKey{
		KeyID:      keyID,
		SecretHash: store.HashSecret(secret),
		TenantID:   "default",
	})
}

// housekeeping expires completed idempotency records and idle rate-limit
// counters on a slow cadence.
func housekeeping(ctx context.Context, st *store.Store, limiter *ratelimit.Limiter, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := st.PurgeIdempotency(ctx, now.UTC().Add(-retention)); err != nil {
				logger.Error().Err(err).Msg("purge idempotency records")
			} else if n > 0 {
				logger.Debug().Int("count", n).Msg("purged idempotency records")
			}
			// Reservations abandoned mid-request release much sooner than
			// the full retention window.
			if n, err := st.PurgeStaleReservations(ctx, now.UTC().Add(-10*time.Minute)); err != nil {
				logger.Error().Err(err).Msg("purge stale idempotency reservations")
			} else if n > 0 {
				logger.Warn().Int("count", n).Msg("released abandoned idempotency reservations")
			}
			if n := limiter.PurgeExpired(now); n > 0 {
				logger.Debug().Int("count", n).Msg("purged rate limit counters")
			}
		}
	}
}
