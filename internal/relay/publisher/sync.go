package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay/internal/relay"
)

// SyncPublisher waits for the queue to confirm each publish, bounded by a
// timeout. A publish that times out is reported as a relay.PublishError.
type SyncPublisher struct {
	publisher relay.Publisher
	timeout   time.Duration
}

// NewSync creates a synchronous-confirm publisher. A zero timeout leaves the
// caller's context as the only bound.
func NewSync(publisher relay.Publisher, timeout time.Duration) relay.Publisher {
	return &SyncPublisher{
		publisher: publisher,
		timeout:   timeout,
	}
}

// Publish implements relay.Publisher.Publish
func (p *SyncPublisher) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	id, err := p.publisher.Publish(ctx, topic, msg)
	if err == nil {
		return id, nil
	}

	var (
		notFound *relay.TopicNotFoundError
		pubErr   *relay.PublishError
	)
	switch {
	case errors.Is(err, relay.ErrDuplicate), errors.As(err, &notFound), errors.As(err, &pubErr):
		return "", err
	case errors.Is(err, context.DeadlineExceeded):
		return "", &relay.PublishError{Topic: topic, Err: fmt.Errorf("publish not confirmed within %s: %w", p.timeout, err)}
	default:
		return "", &relay.PublishError{Topic: topic, Err: err}
	}
}
