package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vitwit/solpay"
	"github.com/vitwit/solpay/config"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/metrics"
	"github.com/vitwit/solpay/ratelimit"
	"github.com/vitwit/solpay/server"
	"github.com/vitwit/solpay/unlock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.Logging.Level)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("solpayd stopped", map[string]any{"error": err.Error()})
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pay, err := solpay.New(cfg.Pay,
		solpay.WithLogger(log),
		solpay.WithMetrics(metrics.NewPrometheusRecorder(reg)),
	)
	if err != nil {
		return fmt.Errorf("create payment core: %w", err)
	}
	defer pay.Close()

	if cfg.Unlock.Secret == "" {
		log.Warn("UNLOCK_SECRET not set, unlock cookies will not survive a restart", nil)
	}
	issuer, err := unlock.NewIssuer([]byte(cfg.Unlock.Secret), cfg.Unlock.TTL,
		unlock.WithSecureCookie(cfg.Unlock.SecureCookie))
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(ctx, log, cfg.RateLimit)
	if err != nil {
		return err
	}
	if limiter != nil {
		defer func() {
			if err := limiter.Close(); err != nil {
				log.Warn("closing rate limiter failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	router := server.NewRouter(log, server.RouterDependencies{
		API:        server.NewAPIHandlers(log, pay, issuer),
		Limiter:    limiter,
		TrustProxy: cfg.HTTP.TrustProxy,
		Registerer: reg,
		Gatherer:   reg,
	})
	srv := server.New(log, cfg.HTTP, router)

	log.Info("payment service configured", map[string]any{
		"network":    pay.Network().String(),
		"recipient":  cfg.Pay.Recipient,
		"commitment": cfg.Pay.Commitment,
		"version":    solpay.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal", nil)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// buildLimiter returns nil when rate limiting is disabled.
func buildLimiter(ctx context.Context, log logger.Logger, cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, nil
	}

	if cfg.RedisURL == "" {
		log.Info("using in-memory rate limiter", map[string]any{"limit": cfg.Limit, "window": cfg.Window.String()})
		return ratelimit.NewMemoryLimiter(cfg.Limit, cfg.Window), nil
	}

	limiter, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.Limit, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("connect rate limiter: %w", err)
	}
	log.Info("using redis rate limiter", map[string]any{"limit": cfg.Limit, "window": cfg.Window.String()})
	return limiter, nil
}
