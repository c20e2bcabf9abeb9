package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blossomlabs/rpcgate/config"
	"github.com/blossomlabs/rpcgate/internal/handler"
	"github.com/blossomlabs/rpcgate/internal/healthprobe"
	"github.com/blossomlabs/rpcgate/internal/httpserver"
	"github.com/blossomlabs/rpcgate/internal/metrics"
	"github.com/blossomlabs/rpcgate/internal/router"
	"github.com/blossomlabs/rpcgate/pkg/logger"
)

const metricsBufferSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector(metricsBufferSize, log)
	collector.Start(ctx)

	opts, err := routerOptions(cfg, log, collector)
	if err != nil {
		log.Error("Invalid failover configuration", slog.Any("err", err))
		os.Exit(1)
	}

	rt, err := router.New(opts)
	if err != nil {
		log.Error("Failed to build endpoint router", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.HealthProbe.Enabled {
		interval, err := time.ParseDuration(cfg.HealthProbe.Interval)
		if err != nil {
			log.Error("Invalid health probe interval",
				slog.String("interval", cfg.HealthProbe.Interval),
				slog.Any("err", err))
			os.Exit(1)
		}
		healthprobe.Start(ctx, rt, interval, collector, log)
	}

	gateway := handler.NewGatewayHandler(log, rt, collector)

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(gateway, collector))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("rpc gateway listening",
		slog.String("addr", cfg.Server.Address),
		slog.Int("endpoints", len(rt.Endpoints())))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting rpc gateway", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func routerOptions(cfg *config.Config, log *slog.Logger, collector *metrics.Collector) (router.Options, error) {
	durations := map[string]string{
		"circuit_cooldown":    cfg.Failover.CircuitCooldown,
		"rate_limit_cooldown": cfg.Failover.RateLimitCooldown,
		"request_timeout":     cfg.Failover.RequestTimeout,
		"base_backoff":        cfg.Failover.BaseBackoff,
		"max_backoff":         cfg.Failover.MaxBackoff,
	}

	parsed := make(map[string]time.Duration, len(durations))
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return router.Options{}, err
		}
		parsed[key] = d
	}

	return router.Options{
		PrimaryURL:   cfg.RPC.Primary,
		FallbackURLs: cfg.RPC.Fallbacks,

		FailureThreshold:      cfg.Failover.FailureThreshold,
		CircuitCooldown:       parsed["circuit_cooldown"],
		RateLimitCooldown:     parsed["rate_limit_cooldown"],
		RequestTimeout:        parsed["request_timeout"],
		MaxRetriesPerEndpoint: cfg.Failover.MaxRetriesPerEndpoint,
		BaseBackoff:           parsed["base_backoff"],
		MaxBackoff:            parsed["max_backoff"],

		DisableLastResort: !cfg.Failover.LastResort,
		ProbeMethod:       cfg.HealthProbe.Method,

		Logger:    log,
		Collector: collector,
	}, nil
}
