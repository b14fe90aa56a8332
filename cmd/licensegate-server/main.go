package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/neovend/licensegate/internal/clientip"
	"github.com/neovend/licensegate/internal/config"
	"github.com/neovend/licensegate/internal/events"
	"github.com/neovend/licensegate/internal/grpcapi"
	"github.com/neovend/licensegate/internal/httpapi"
	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/telemetry"
	"github.com/neovend/licensegate/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.Logging, os.Stdout).With("service", "licensegate")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Env, logger)
	if err != nil {
		return err
	}
	metrics, err := service.NewMetrics(tel.Meter)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Optional broker sink for activations.
	var publisher service.ActivationPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
		logger.InfoContext(ctx, "publishing activations", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	audit := service.NewAuditLogger(st.audit, service.AuditLoggerConfig{
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
		Publisher:    publisher,
		Logger:       logger,
		Metrics:      metrics,
	})

	validation := service.NewValidationService(
		service.NewLicenseRegistry(st.licenses),
		service.NewBinder(st.licenses),
		audit,
		service.ValidationServiceConfig{Logger: logger, Metrics: metrics},
	)

	proxies, err := clientip.ParseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg.Throttle, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:         logger,
		Addr:           cfg.Server.HTTPAddr,
		Validation:     validation,
		Limiter:        limiter,
		MetricsHandler: tel.MetricsHandler,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustedProxies: proxies,
	})

	errs := make(chan error, 2)
	go func() {
		logger.InfoContext(ctx, "http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.Server.GRPCAddr != "" {
		grpcSrv = grpcapi.NewServer(grpcapi.Dependencies{
			Logger:         logger,
			Addr:           cfg.Server.GRPCAddr,
			Validation:     validation,
			TrustedProxies: proxies,
		})
		go func() {
			logger.InfoContext(ctx, "grpc listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcSrv.Start(); err != nil {
				errs <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
		logger.Error("listener failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if grpcSrv != nil {
		if err := grpcSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("grpc shutdown", "error", err)
		}
	}
	// Servers are drained, so no more audit records can arrive.
	if err := audit.Close(shutdownCtx); err != nil {
		logger.Warn("audit drain incomplete", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return runErr
}

func newLimiter(ctx context.Context, cfg config.ThrottleConfig, logger *slog.Logger) (throttle.Limiter, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.RedisURL == "" {
		return throttle.NewLocal(cfg.RPS, cfg.Burst), func() {}, nil
	}
	client, err := throttle.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.InfoContext(ctx, "shared throttle", "window", cfg.Window.String(), "limit", cfg.Limit)
	return throttle.NewRedis(client, cfg.Limit, cfg.Window), func() { _ = client.Close() }, nil
}
