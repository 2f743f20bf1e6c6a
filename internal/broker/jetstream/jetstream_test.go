package jetstream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/relay"
)

type fakeStream struct {
	msgs []*nats.Msg
	opts [][]jetstream.PublishOpt
	ack  *jetstream.PubAck
	err  error
}

func (f *fakeStream) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgs = append(f.msgs, msg)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.ack, nil
}

func TestBroker_Publish(t *testing.T) {
	fake := &fakeStream{ack: &jetstream.PubAck{Stream: "WAHA", Sequence: 17}}
	b := &Broker{js: fake}

	id, err := b.Publish(context.Background(), "waha.events", relay.Message{
		Data:       []byte(`{"event":"message"}`),
		DedupKey:   "abc",
		Attributes: map[string]string{relay.AttrEvent: "message", relay.AttrMessageID: "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "WAHA:17", id)

	require.Len(t, fake.msgs, 1)
	sent := fake.msgs[0]
	assert.Equal(t, "waha.events", sent.Subject)
	assert.Equal(t, `{"event":"message"}`, string(sent.Data))
	assert.Equal(t, "message", sent.Header.Get(relay.AttrEvent))
	assert.Len(t, fake.opts[0], 1)
}

func TestBroker_PublishWithoutDedupKey(t *testing.T) {
	fake := &fakeStream{ack: &jetstream.PubAck{Stream: "WAHA", Sequence: 1}}
	b := &Broker{js: fake}

	_, err := b.Publish(context.Background(), "waha.events", relay.Message{Data: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, fake.opts[0])
}

func TestClassify(t *testing.T) {
	for _, err := range []error{jetstream.ErrNoStreamResponse, jetstream.ErrStreamNotFound, nats.ErrNoResponders} {
		got := classify("waha.events", fmt.Errorf("publish: %w", err))

		var notFound *relay.TopicNotFoundError
		require.ErrorAs(t, got, &notFound, err.Error())
		assert.Equal(t, "stream-for:waha.events", notFound.Topic)
	}

	got := classify("waha.events", errors.New("nats: timeout"))
	var pubErr *relay.PublishError
	require.ErrorAs(t, got, &pubErr)
	assert.NotErrorIs(t, got, relay.ErrTopicNotFound)
}

func TestBroker_CloseWithoutConnection(t *testing.T) {
	assert.NoError(t, (&Broker{}).Close())
}
