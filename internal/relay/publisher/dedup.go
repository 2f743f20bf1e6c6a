package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"relay/internal/dedup"
	"relay/internal/relay"
)

// ClaimStore records which message identities are being or were published.
type ClaimStore interface {
	// Claim takes key, or reports the state of whoever holds it.
	Claim(ctx context.Context, key string) (dedup.State, error)

	// Complete marks a claimed key as published.
	Complete(ctx context.Context, key string) error

	// Release forgets key so a later publish of the same identity proceeds.
	Release(ctx context.Context, key string) error
}

// DedupPublisher suppresses republication of identities that were already
// published to the same topic. Only a completed publish makes later
// deliveries duplicates; a delivery arriving while the first is still in
// flight fails with relay.ErrInFlight so its sender retries. A claim is
// released when the publish fails. When the store is unavailable messages
// are published anyway.
type DedupPublisher struct {
	publisher relay.Publisher
	store     ClaimStore
	logger    *zap.Logger
}

// NewDedup creates a deduplicating publisher
func NewDedup(publisher relay.Publisher, store ClaimStore, logger *zap.Logger) relay.Publisher {
	return &DedupPublisher{
		publisher: publisher,
		store:     store,
		logger:    logger.Named("dedup"),
	}
}

// Publish implements relay.Publisher.Publish
func (p *DedupPublisher) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	messageID := msg.Attributes[relay.AttrMessageID]
	if messageID == "" {
		return p.publisher.Publish(ctx, topic, msg)
	}

	key := ClaimKey(topic, messageID)
	logger := p.logger.With(zap.String("topic", topic), zap.String("messageId", messageID))

	state, err := p.store.Claim(ctx, key)
	if err != nil {
		logger.Warn("dedup claim failed, publishing anyway", zap.Error(err))
		return p.publisher.Publish(ctx, topic, msg)
	}
	switch state {
	case dedup.Published:
		logger.Info("skipped duplicated message", zap.String("dedupKey", key))
		return "", relay.ErrDuplicate
	case dedup.InFlight:
		logger.Info("same message is being published", zap.String("dedupKey", key))
		return "", &relay.PublishError{Topic: topic, Err: relay.ErrInFlight}
	}

	id, err := p.publisher.Publish(ctx, topic, msg)
	if err != nil {
		// the request context may already be done
		if relErr := p.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
			logger.Warn("failed to release dedup claim", zap.Error(relErr))
		}
		return "", err
	}

	if err := p.store.Complete(context.WithoutCancel(ctx), key); err != nil {
		// the pending claim expires and a redelivery is published again
		logger.Warn("failed to complete dedup claim", zap.Error(err))
	}

	return id, nil
}

// ClaimKey is the store key for a message identity on a topic.
func ClaimKey(topic, messageID string) string {
	return fmt.Sprintf("dedup:%s:%s", topic, messageID)
}
