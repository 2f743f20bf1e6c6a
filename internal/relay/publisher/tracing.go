package publisher

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"relay/internal/relay"
	"relay/internal/relay/tracing"
)

// TracedPublisher wraps a relay.Publisher with distributed tracing
// Layer order: TracedPublisher -> MetricsPublisher -> DedupPublisher -> broker
type TracedPublisher struct {
	publisher relay.Publisher
	tracer    *tracing.Tracer
}

// NewTracedPublisher creates a new traced publisher
func NewTracedPublisher(publisher relay.Publisher, tracer *tracing.Tracer) relay.Publisher {
	return &TracedPublisher{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish implements relay.Publisher.Publish with distributed tracing
func (p *TracedPublisher) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.publish")
	defer span.End()

	span.SetAttributes(p.tracer.PublishAttributes(topic, msg.Attributes[relay.AttrMessageID], len(msg.Data))...)

	id, err := p.publisher.Publish(ctx, topic, msg)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String("messaging.message.id", id))
	case errors.Is(err, relay.ErrDuplicate):
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Bool("relay.duplicate", true))
		return id, err
	default:
		p.tracer.RecordError(ctx, err)
	}

	span.SetAttributes(p.tracer.ErrorAttributes(err)...)

	return id, err
}
