package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"relay/internal/dedup"
	"relay/internal/identity"
	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/relay/publisher"
	"relay/internal/relay/tracing"
	"relay/internal/relay/webhook"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := loadConfig(nil)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			logger.Info("shutdown signal received", zap.String("signal", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", zap.Error(err))
		cancel()
		os.Exit(1)
	}
	cancel()
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	var (
		registry      *metrics.Registry
		pusher        *metrics.Pusher
		metricsServer *metrics.Server
	)
	if cfg.MetricsEnabled {
		registry = metrics.NewRegistry()
		registry.SetSystemInfo(version, time.Now().Format(time.RFC3339))

		if cfg.Push.URL != "" {
			var tokens metrics.TokenSource
			if cfg.Push.Auth {
				tokens = identity.NewMetadataTokenSource(nil)
			}
			pusher, err = metrics.NewPusher(cfg.Push, registry, tokens, logger)
			if err != nil {
				return fmt.Errorf("failed to create metrics pusher: %w", err)
			}
		}
		if cfg.Metrics.Port > 0 {
			metricsServer = metrics.NewServer(cfg.Metrics, registry, logger)
		}
	}

	broker, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Backend, err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("failed to close broker", zap.Error(err))
		}
	}()

	var pub relay.Publisher = broker
	if cfg.Dedup.Enabled {
		rdb, err := dedup.Connect(ctx, cfg.Dedup.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		pub = publisher.NewDedup(pub, dedup.NewStore(rdb, cfg.Dedup.TTL, cfg.Dedup.PendingTTL), logger)
	}
	pub = publisher.NewMetricsPublisher(pub, registry)
	pub = publisher.NewTracedPublisher(pub, tracer)

	var async *publisher.AsyncPublisher
	switch cfg.Mode {
	case modeAsync:
		asyncConfig := cfg.Async
		asyncConfig.Timeout = cfg.PublishTimeout
		async, err = publisher.NewAsync(pub, asyncConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to create async publisher: %w", err)
		}
		registry.RegisterQueueDepth(async.Pending)
		pub = async
	default:
		pub = publisher.NewSync(pub, cfg.PublishTimeout)
	}

	var notifier webhook.Notifier
	if pusher != nil {
		notifier = pusher
	}
	handler, err := webhook.NewHandler(cfg.Webhook, pub, registry, tracer, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook handler: %w", err)
	}
	server := webhook.NewServer(cfg.Server, webhook.NewRouter(handler), logger)

	pushCtx, stopPush := context.WithCancel(context.Background())
	defer stopPush()
	pushDone := make(chan error, 1)
	if pusher != nil {
		go func() { pushDone <- pusher.Run(pushCtx) }()
	} else {
		pushDone <- nil
	}

	logger.Info("gateway started",
		zap.String("backend", cfg.Backend),
		zap.String("mode", cfg.Mode),
		zap.String("topic", cfg.Webhook.Topic),
		zap.Bool("auth", cfg.Webhook.Token != ""),
		zap.Bool("dedup", cfg.Dedup.Enabled),
		zap.Bool("metrics", cfg.MetricsEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}
	runErr := g.Wait()

	if async != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.PublishTimeout+5*time.Second)
		if err := async.Close(drainCtx); err != nil {
			logger.Error("failed to drain publish queue", zap.Error(err), zap.Int("pending", async.Pending()))
		}
		cancel()
	}

	// final push after the queue drained
	stopPush()
	<-pushDone

	logger.Info("gateway stopped")
	return runErr
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.AddCaller())
}
