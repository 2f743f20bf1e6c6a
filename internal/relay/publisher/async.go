package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/relay"
)

// AsyncConfig holds configuration for fire-and-forget publishing. Timeout
// bounds each queued publish and is set by the caller.
type AsyncConfig struct {
	Workers   int `env:"ASYNC_WORKERS" envDefault:"8"`
	QueueSize int `env:"ASYNC_QUEUE_SIZE" envDefault:"1024"`
	Timeout   time.Duration
}

type job struct {
	ctx   context.Context
	topic string
	msg   relay.Message
}

// AsyncPublisher hands messages to a bounded queue drained by a fixed pool of
// workers and returns as soon as the message is queued. Outcomes of the
// actual publish are logged; they never reach the caller.
type AsyncPublisher struct {
	publisher relay.Publisher
	logger    *zap.Logger
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	group  *errgroup.Group
}

// NewAsync creates a fire-and-forget publisher and starts its workers.
func NewAsync(publisher relay.Publisher, config AsyncConfig, logger *zap.Logger) (*AsyncPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("async publisher requires a publisher")
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("async publisher requires at least one worker, got %d", config.Workers)
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("async queue size must not be negative, got %d", config.QueueSize)
	}

	p := &AsyncPublisher{
		publisher: publisher,
		logger:    logger.Named("async-publisher"),
		timeout:   config.Timeout,
		jobs:      make(chan job, config.QueueSize),
		group:     new(errgroup.Group),
	}

	for i := 0; i < config.Workers; i++ {
		p.group.Go(p.work)
	}

	return p, nil
}

// Publish implements relay.Publisher.Publish. It returns an empty identifier
// once the message is queued, or a relay.PublishError wrapping
// relay.ErrQueueFull or relay.ErrClosed.
func (p *AsyncPublisher) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return "", &relay.PublishError{Topic: topic, Err: relay.ErrClosed}
	}

	// keep trace context, drop the request's cancellation
	j := job{ctx: context.WithoutCancel(ctx), topic: topic, msg: msg}

	select {
	case p.jobs <- j:
		return "", nil
	default:
		return "", &relay.PublishError{Topic: topic, Err: relay.ErrQueueFull}
	}
}

// Pending returns the number of queued messages not yet picked up by a worker.
func (p *AsyncPublisher) Pending() int {
	return len(p.jobs)
}

// Close stops accepting messages and waits for queued ones to be published
// or for ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- p.group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("async publisher did not drain: %w", ctx.Err())
	}
}

func (p *AsyncPublisher) work() error {
	for j := range p.jobs {
		p.publish(j)
	}
	return nil
}

func (p *AsyncPublisher) publish(j job) {
	ctx := j.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logger := p.logger.With(
		zap.String("topic", j.topic),
		zap.String("messageId", j.msg.Attributes[relay.AttrMessageID]),
	)

	id, err := p.publisher.Publish(ctx, j.topic, j.msg)
	switch {
	case err == nil:
		logger.Debug("published", zap.String("queueId", id))
	case errors.Is(err, relay.ErrDuplicate):
		logger.Info("duplicate skipped")
	case errors.Is(err, relay.ErrTopicNotFound):
		logger.Error("topic not found", zap.Error(err))
	default:
		logger.Error("publish failed", zap.Error(err))
	}
}
