package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"relay/internal/broker/amqp"
	"relay/internal/broker/cblog"
	"relay/internal/broker/jetstream"
	"relay/internal/broker/pubsub"
	"relay/internal/couchbase"
	"relay/internal/relay"
)

// newBroker connects the configured queue backend.
func newBroker(ctx context.Context, cfg Config, logger *zap.Logger) (relay.Broker, error) {
	switch cfg.Backend {
	case backendPubSub:
		return pubsub.New(ctx, cfg.PubSub)
	case backendJetStream:
		return jetstream.New(cfg.NATS, logger)
	case backendAMQP:
		return amqp.New(cfg.AMQP, logger)
	case backendCouchbase:
		cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
		}
		log, err := cblog.Open(cluster, bucket, cfg.Couchbase.ScopeName, cfg.Couchbase.Transactions)
		if err != nil {
			_ = cluster.Close(nil)
			return nil, err
		}
		if cfg.CreateTopic {
			if err := log.CreateTopic(ctx, cfg.Webhook.Topic); err != nil {
				_ = log.Close()
				return nil, err
			}
		}
		return log, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
