package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"relay/internal/dedup"
	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/relay/tracing"
)

type call struct {
	topic string
	msg   relay.Message
}

type fakePublisher struct {
	mu      sync.Mutex
	calls   []call
	err     error
	block   chan struct{}
	entered chan struct{}
	id      string
	ctxErrs []error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{topic: topic, msg: msg})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.err != nil {
		return "", f.err
	}
	if f.id == "" {
		return "queue-1", nil
	}
	return f.id, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func message(id string) relay.Message {
	return relay.Message{
		Data:       []byte(`{"event":"message","message_id":"` + id + `","payload":{}}`),
		DedupKey:   id,
		Attributes: map[string]string{relay.AttrEvent: "message", relay.AttrMessageID: id},
	}
}

func TestSyncPublisher(t *testing.T) {
	t.Run("returns queue id", func(t *testing.T) {
		fake := &fakePublisher{id: "42"}
		id, err := NewSync(fake, time.Second).Publish(context.Background(), "events", message("a"))
		require.NoError(t, err)
		assert.Equal(t, "42", id)
		assert.Equal(t, 1, fake.count())
	})

	t.Run("timeout becomes publish error", func(t *testing.T) {
		fake := &fakePublisher{block: make(chan struct{})}
		_, err := NewSync(fake, 20*time.Millisecond).Publish(context.Background(), "events", message("a"))

		var pubErr *relay.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Topic)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("topic not found passes through", func(t *testing.T) {
		fake := &fakePublisher{err: &relay.TopicNotFoundError{Topic: "projects/p/topics/events"}}
		_, err := NewSync(fake, time.Second).Publish(context.Background(), "events", message("a"))

		var notFound *relay.TopicNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "projects/p/topics/events", notFound.Topic)
	})

	t.Run("untyped error is wrapped", func(t *testing.T) {
		fake := &fakePublisher{err: errors.New("connection reset")}
		_, err := NewSync(fake, time.Second).Publish(context.Background(), "events", message("a"))

		var pubErr *relay.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestAsyncPublisher_ReturnsBeforePublish(t *testing.T) {
	fake := &fakePublisher{block: make(chan struct{})}
	p, err := NewAsync(fake, AsyncConfig{Workers: 1, QueueSize: 4, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	id, err := p.Publish(context.Background(), "events", message("a"))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 0, fake.count())

	close(fake.block)
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 1, fake.count())
}

func TestAsyncPublisher_QueueFull(t *testing.T) {
	fake := &fakePublisher{block: make(chan struct{})}
	p, err := NewAsync(fake, AsyncConfig{Workers: 1, QueueSize: 1, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	// first message is taken by the worker, second fills the queue
	_, err = p.Publish(context.Background(), "events", message("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	_, err = p.Publish(context.Background(), "events", message("b"))
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "events", message("c"))
	var pubErr *relay.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, relay.ErrQueueFull)

	close(fake.block)
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 2, fake.count())
}

func TestAsyncPublisher_RequestCancellationDoesNotAbortPublish(t *testing.T) {
	fake := &fakePublisher{}
	p, err := NewAsync(fake, AsyncConfig{Workers: 2, QueueSize: 8, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = p.Publish(ctx, "events", message("a"))
	require.NoError(t, err)
	cancel()

	require.NoError(t, p.Close(context.Background()))
	require.Equal(t, 1, fake.count())
	assert.NoError(t, fake.ctxErrs[0])
}

func TestAsyncPublisher_RejectsAfterClose(t *testing.T) {
	p, err := NewAsync(&fakePublisher{}, AsyncConfig{Workers: 1, QueueSize: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	_, err = p.Publish(context.Background(), "events", message("a"))
	assert.ErrorIs(t, err, relay.ErrClosed)
}

func TestAsyncPublisher_CloseHonoursDeadline(t *testing.T) {
	fake := &fakePublisher{block: make(chan struct{})}
	defer close(fake.block)

	p, err := NewAsync(fake, AsyncConfig{Workers: 1, QueueSize: 1}, zap.NewNop())
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "events", message("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

func TestNewAsync_Validation(t *testing.T) {
	_, err := NewAsync(nil, AsyncConfig{Workers: 1}, zap.NewNop())
	require.Error(t, err)

	_, err = NewAsync(&fakePublisher{}, AsyncConfig{Workers: 0}, zap.NewNop())
	require.Error(t, err)

	_, err = NewAsync(&fakePublisher{}, AsyncConfig{Workers: 1, QueueSize: -1}, zap.NewNop())
	require.Error(t, err)
}

type memoryClaims struct {
	mu          sync.Mutex
	claims      map[string]dedup.State
	err         error
	completeErr error
	released    []string
}

func newMemoryClaims() *memoryClaims {
	return &memoryClaims{claims: map[string]dedup.State{}}
}

func (m *memoryClaims) Claim(_ context.Context, key string) (dedup.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if state, ok := m.claims[key]; ok {
		return state, nil
	}
	m.claims[key] = dedup.InFlight
	return dedup.Claimed, nil
}

func (m *memoryClaims) Complete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.claims[key] = dedup.Published
	return nil
}

func (m *memoryClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	m.released = append(m.released, key)
	return nil
}

func TestDedupPublisher(t *testing.T) {
	t.Run("second publish of same identity is a duplicate", func(t *testing.T) {
		fake := &fakePublisher{}
		p := NewDedup(fake, newMemoryClaims(), zap.NewNop())

		_, err := p.Publish(context.Background(), "events", message("a"))
		require.NoError(t, err)
		_, err = p.Publish(context.Background(), "events", message("a"))
		assert.ErrorIs(t, err, relay.ErrDuplicate)
		_, err = p.Publish(context.Background(), "other", message("a"))
		require.NoError(t, err)

		assert.Equal(t, 2, fake.count())
	})

	t.Run("failed publish releases claim", func(t *testing.T) {
		fake := &fakePublisher{err: errors.New("unavailable")}
		claims := newMemoryClaims()
		p := NewDedup(fake, claims, zap.NewNop())

		_, err := p.Publish(context.Background(), "events", message("a"))
		require.Error(t, err)
		assert.Equal(t, []string{ClaimKey("events", "a")}, claims.released)

		fake.err = nil
		_, err = p.Publish(context.Background(), "events", message("a"))
		require.NoError(t, err)
		assert.Equal(t, 2, fake.count())
	})

	t.Run("store outage fails open", func(t *testing.T) {
		fake := &fakePublisher{}
		claims := newMemoryClaims()
		claims.err = errors.New("redis down")
		p := NewDedup(fake, claims, zap.NewNop())

		for i := 0; i < 2; i++ {
			_, err := p.Publish(context.Background(), "events", message("a"))
			require.NoError(t, err)
		}
		assert.Equal(t, 2, fake.count())
	})

	t.Run("failed completion still returns the publish result", func(t *testing.T) {
		fake := &fakePublisher{id: "7"}
		claims := newMemoryClaims()
		claims.completeErr = errors.New("redis down")
		p := NewDedup(fake, claims, zap.NewNop())

		id, err := p.Publish(context.Background(), "events", message("a"))
		require.NoError(t, err)
		assert.Equal(t, "7", id)
	})

	t.Run("messages without identity pass through", func(t *testing.T) {
		fake := &fakePublisher{}
		p := NewDedup(fake, newMemoryClaims(), zap.NewNop())

		for i := 0; i < 2; i++ {
			_, err := p.Publish(context.Background(), "events", relay.Message{Data: []byte("{}")})
			require.NoError(t, err)
		}
		assert.Equal(t, 2, fake.count())
	})
}

func TestDedupPublisher_ConcurrentDeliveryWhilePublishing(t *testing.T) {
	fake := &fakePublisher{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
		err:     errors.New("unavailable"),
	}
	p := NewSync(NewDedup(fake, newMemoryClaims(), zap.NewNop()), time.Second)

	first := make(chan error, 1)
	go func() {
		_, err := p.Publish(context.Background(), "events", message("x"))
		first <- err
	}()
	<-fake.entered

	// the first delivery has not finished, so the second is not a duplicate yet
	_, err := p.Publish(context.Background(), "events", message("x"))
	var pubErr *relay.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, relay.ErrInFlight)
	assert.NotErrorIs(t, err, relay.ErrDuplicate)

	close(fake.block)
	require.Error(t, <-first)
	assert.Equal(t, 1, fake.count())

	// the retried delivery publishes, after which the identity is a duplicate
	fake.mu.Lock()
	fake.err = nil
	fake.entered = nil
	fake.mu.Unlock()

	id, err := p.Publish(context.Background(), "events", message("x"))
	require.NoError(t, err)
	assert.Equal(t, "queue-1", id)

	_, err = p.Publish(context.Background(), "events", message("x"))
	assert.ErrorIs(t, err, relay.ErrDuplicate)
	assert.Equal(t, 2, fake.count())
}

func TestMetricsPublisher(t *testing.T) {
	registry := metrics.NewRegistry()
	fake := &fakePublisher{}
	p := NewMetricsPublisher(fake, registry)

	_, err := p.Publish(context.Background(), "events", message("a"))
	require.NoError(t, err)

	fake.err = &relay.TopicNotFoundError{Topic: "events"}
	_, err = p.Publish(context.Background(), "events", message("b"))
	require.Error(t, err)

	out, err := testutil.GatherAndCount(registry.Gatherer(), "relay_publish_total")
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestTracedPublisher(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tracing.NewProviderTracer(tp, "test")

	fake := &fakePublisher{}
	p := NewTracedPublisher(fake, tracer)

	_, err := p.Publish(context.Background(), "events", message("a"))
	require.NoError(t, err)

	fake.err = errors.New("boom")
	_, err = p.Publish(context.Background(), "events", message("b"))
	require.Error(t, err)

	fake.err = relay.ErrDuplicate
	_, err = p.Publish(context.Background(), "events", message("c"))
	require.ErrorIs(t, err, relay.ErrDuplicate)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "publisher.publish", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, codes.Ok, spans[2].Status().Code)
}
