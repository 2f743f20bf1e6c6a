package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"relay/internal/broker/amqp"
	"relay/internal/broker/jetstream"
	"relay/internal/broker/pubsub"
	"relay/internal/couchbase"
	"relay/internal/dedup"
	"relay/internal/relay/metrics"
	"relay/internal/relay/publisher"
	"relay/internal/relay/tracing"
	"relay/internal/relay/webhook"
)

const (
	backendPubSub    = "pubsub"
	backendJetStream = "jetstream"
	backendAMQP      = "amqp"
	backendCouchbase = "couchbase"

	modeSync  = "sync"
	modeAsync = "async"
)

// Config is the gateway configuration, read from the environment.
type Config struct {
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	Backend        string `env:"QUEUE_BACKEND" envDefault:"pubsub"`
	Mode           string `env:"PUBLISH_MODE" envDefault:"sync"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	// PublishTimeout bounds one publish in either mode.
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	// CreateTopic provisions the topic on backends that support it.
	CreateTopic bool `env:"COUCHBASE_CREATE_TOPIC" envDefault:"false"`

	Webhook   webhook.Config
	Server    webhook.ServerConfig
	Async     publisher.AsyncConfig
	Dedup     dedup.Config
	Push      metrics.PushConfig
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
	PubSub    pubsub.Config
	NATS      jetstream.Config
	AMQP      amqp.Config
	Couchbase couchbase.Config
}

// loadConfig parses environ, or the process environment when environ is nil.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case backendPubSub:
		if c.PubSub.Project == "" {
			return fmt.Errorf("GCP_PROJECT is required for the %s backend", c.Backend)
		}
	case backendJetStream, backendAMQP, backendCouchbase:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Backend)
	}

	switch c.Mode {
	case modeSync:
	case modeAsync:
		if c.Async.Workers <= 0 {
			return fmt.Errorf("ASYNC_WORKERS must be positive, got %d", c.Async.Workers)
		}
	default:
		return fmt.Errorf("unknown PUBLISH_MODE %q", c.Mode)
	}

	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PUBLISH_TIMEOUT must be positive, got %s", c.PublishTimeout)
	}

	if c.Dedup.Enabled && c.Dedup.PendingTTL < c.PublishTimeout {
		return fmt.Errorf("DEDUP_PENDING_TTL (%s) must not be shorter than PUBLISH_TIMEOUT (%s)", c.Dedup.PendingTTL, c.PublishTimeout)
	}

	if c.Push.Auth && c.Push.URL == "" {
		return fmt.Errorf("PUSHGATEWAY_AUTH requires PUSHGATEWAY_URL")
	}

	return nil
}
