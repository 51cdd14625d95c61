package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/internal/api"
	"github.com/shehryarbajwa/applypilot/internal/browser"
	"github.com/shehryarbajwa/applypilot/internal/config"
	"github.com/shehryarbajwa/applypilot/internal/logger"
	"github.com/shehryarbajwa/applypilot/internal/metrics"
	"github.com/shehryarbajwa/applypilot/internal/notify"
	"github.com/shehryarbajwa/applypilot/internal/orchestrator"
	"github.com/shehryarbajwa/applypilot/internal/profile"
	"github.com/shehryarbajwa/applypilot/internal/ratelimit"
	"github.com/shehryarbajwa/applypilot/internal/scheduler"
	"github.com/shehryarbajwa/applypilot/internal/store"
	"github.com/shehryarbajwa/applypilot/internal/transport"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		bootLog := logger.New("error", "console")
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("addr", cfg.HTTPAddr).Str("driver", cfg.BrowserDriver).Msg("Starting ApplyPilot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenBolt(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("path", cfg.DBPath).Msg("Session store opened")

	drv, err := openBrowser(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer drv.Close()

	sched := scheduler.New()
	defer sched.Stop()

	collector := metrics.NewCollector(log)
	hub := notify.NewHub(log)
	defer hub.Close()

	mgr := orchestrator.NewManager(orchestrator.Config{
		APIHost:            cfg.APIHost,
		MaxErrors:          cfg.MaxConsecutiveErrors,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		InjectAttempts:     cfg.InjectAttempts,
		InjectRetryDelay:   cfg.InjectRetryDelay,
		SessionTTL:         cfg.SessionTTL,
		CleanupInterval:    cfg.CleanupInterval,
		ProfileTimeout:     cfg.ProfileTimeout,
	}, orchestrator.Deps{
		Browser:   drv,
		Store:     db,
		Profiles:  profile.NewClient(cfg.ProfileTimeout, 3, log),
		Notifier:  hub,
		Metrics:   collector,
		Scheduler: sched,
	}, log)

	restored, err := mgr.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("sessions", restored).Msg("Restored sessions")

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	handler := api.NewHandler(api.Deps{
		Manager:         mgr,
		Ports:           transport.NewServer(api.PortResolver(mgr), log),
		Hub:             hub,
		Limiter:         limiter,
		Metrics:         collector,
		RequestsPerHour: cfg.RateLimitPerHour,
	}, log)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go mgr.Run(ctx)
	go pruneLimiter(ctx, limiter, cfg.CleanupInterval, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Orchestrator shutdown failed")
	}

	log.Info().Msg("Server stopped cleanly")
	return nil
}

func openBrowser(ctx context.Context, cfg *config.Config, log zerolog.Logger) (browser.Browser, error) {
	if cfg.BrowserDriver == config.DriverMemory {
		log.Warn().Msg("Using in-memory browser driver")
		return browser.NewMemory(), nil
	}
	return browser.NewCDP(ctx, browser.CDPConfig{
		URL:      cfg.ChromeURL,
		Headless: cfg.Headless,
		Timeout:  30 * time.Second,
	}, log)
}

// pruneLimiter forgets idle users so the limiter does not grow without bound
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(time.Hour); n > 0 {
				log.Debug().Int("users", n).Msg("Pruned idle rate limiters")
			}
		}
	}
}
