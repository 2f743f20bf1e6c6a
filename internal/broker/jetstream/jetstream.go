// Package jetstream publishes messages to NATS JetStream subjects.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"relay/internal/relay"
)

// Config holds NATS connection settings. The topic is used as the subject.
type Config struct {
	URL           string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Name          string        `env:"NATS_NAME" envDefault:"relay"`
	Token         string        `env:"NATS_TOKEN"`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	Timeout       time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`
}

type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Broker is a relay.Broker on JetStream. Subjects must be bound to a stream;
// a publish nobody stores is reported as relay.TopicNotFoundError.
type Broker struct {
	conn *nats.Conn
	js   streamPublisher
}

// New connects to NATS and opens a JetStream context.
func New(config Config, logger *zap.Logger) (*Broker, error) {
	logger = logger.Named("jetstream")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{conn: conn, js: js}, nil
}

// Publish implements relay.Publisher.Publish. The dedup key is sent as the
// JetStream message id so the stream drops redeliveries inside its duplicate
// window. It returns "<stream>:<sequence>".
func (b *Broker) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	natsMsg := nats.NewMsg(topic)
	natsMsg.Data = msg.Data
	for k, v := range msg.Attributes {
		natsMsg.Header.Set(k, v)
	}

	var opts []jetstream.PublishOpt
	if msg.DedupKey != "" {
		opts = append(opts, jetstream.WithMsgID(msg.DedupKey))
	}

	ack, err := b.js.PublishMsg(ctx, natsMsg, opts...)
	if err != nil {
		return "", classify(topic, err)
	}

	return ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10), nil
}

// Close drains the connection.
func (b *Broker) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}

func classify(topic string, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrNoStreamResponse),
		errors.Is(err, jetstream.ErrStreamNotFound),
		errors.Is(err, nats.ErrNoResponders):
		return &relay.TopicNotFoundError{Topic: "stream-for:" + topic, Err: err}
	default:
		return &relay.PublishError{Topic: topic, Err: err}
	}
}

var _ relay.Broker = (*Broker)(nil)
