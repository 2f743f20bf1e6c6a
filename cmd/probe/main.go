package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relay/internal/identity"
	"relay/internal/probe"
	"relay/internal/relay/metrics"
)

// Config is the probe configuration, read from the environment.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	PushJob  string `env:"PROBE_PUSH_JOB" envDefault:"relay-probe"`

	Probe probe.Config
	Push  metrics.PushConfig
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}
	cfg.Push.Job = cfg.PushJob

	config := zap.NewProductionConfig()
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	failed := run(ctx, cfg, logger)

	cancel()
	_ = logger.Sync()
	if failed > 0 {
		os.Exit(1)
	}
}

// run probes every target and returns how many failed.
func run(ctx context.Context, cfg Config, logger *zap.Logger) int {
	var tokens *identity.MetadataTokenSource
	if cfg.Probe.Auth || cfg.Push.Auth {
		tokens = identity.NewMetadataTokenSource(nil)
	}

	registry := metrics.NewRegistry()

	var probeTokens probe.TokenSource
	if cfg.Probe.Auth {
		probeTokens = tokens
	}
	prober, err := probe.NewProber(cfg.Probe, probeTokens, registry, logger)
	if err != nil {
		logger.Error("failed to create prober", zap.Error(err))
		return 1
	}

	results := prober.Run(ctx)
	failed := probe.Failed(results)

	if cfg.Push.URL != "" {
		var pushTokens metrics.TokenSource
		if cfg.Push.Auth {
			pushTokens = tokens
		}
		pusher, err := metrics.NewPusher(cfg.Push, registry, pushTokens, logger)
		if err != nil {
			logger.Error("failed to create metrics pusher", zap.Error(err))
		} else {
			pushCtx, cancel := context.WithTimeout(context.Background(), cfg.Push.Timeout+time.Second)
			// failures are counted and logged by the pusher
			_ = pusher.Push(pushCtx)
			cancel()
		}
	}

	for _, r := range failed {
		logger.Warn("endpoint failed", zap.String("target", r.Target), zap.String("status", r.Status), zap.Error(r.Err))
	}
	logger.Info("probe finished",
		zap.Int("passed", len(results)-len(failed)),
		zap.Int("total", len(results)),
	)

	return len(failed)
}
