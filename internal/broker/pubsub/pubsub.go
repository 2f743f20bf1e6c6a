// Package pubsub publishes messages to Google Cloud Pub/Sub topics.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"relay/internal/relay"
)

// Config holds Pub/Sub settings.
type Config struct {
	Project string `env:"GCP_PROJECT"`
}

// Broker is a relay.Broker on Pub/Sub. Topic handles are created on first
// use and kept so their publish batchers are reused.
type Broker struct {
	client  *pubsub.Client
	project string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Pub/Sub client for the configured project.
func New(ctx context.Context, config Config, opts ...option.ClientOption) (*Broker, error) {
	if config.Project == "" {
		return nil, fmt.Errorf("pubsub project is required")
	}

	client, err := pubsub.NewClient(ctx, config.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &Broker{
		client:  client,
		project: config.Project,
		topics:  make(map[string]*pubsub.Topic),
	}, nil
}

// TopicPath returns the fully qualified name of topic.
func (b *Broker) TopicPath(topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.project, topic)
}

// Publish implements relay.Publisher.Publish and blocks until the server
// assigns a message id or ctx ends. The dedup key travels as the message_id
// attribute; Pub/Sub does not deduplicate on publish.
func (b *Broker) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if msg.DedupKey != "" {
		attrs[relay.AttrMessageID] = msg.DedupKey
	}

	result := b.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", &relay.TopicNotFoundError{Topic: b.TopicPath(topic), Err: err}
		}
		return "", &relay.PublishError{Topic: topic, Err: err}
	}

	return id, nil
}

// Close flushes pending publishes and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.topics = map[string]*pubsub.Topic{}
	b.mu.Unlock()

	return b.client.Close()
}

func (b *Broker) topic(name string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = b.client.Topic(name)
		b.topics[name] = t
	}
	return t
}

var _ relay.Broker = (*Broker)(nil)
