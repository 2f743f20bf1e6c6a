// Package cblog publishes messages into a Couchbase-backed append log: one
// document per message, ordered by a per-topic offset.
package cblog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"relay/internal/couchbase"
	"relay/internal/relay"
	"relay/internal/validator"
)

type topicStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, key string, value Topic, opts *gocb.InsertOptions) error
}

type recordStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, key string, value Record, opts *gocb.InsertOptions) error
}

type offsetReserver interface {
	Reserve(topic string) (uint64, error)
}

// Log is a relay.Broker writing to Couchbase.
type Log struct {
	topics  topicStore
	records recordStore
	offsets offsetReserver
	bucket  string
	scope   string
	closer  func() error
	now     func() time.Time
}

// Open builds a Log on an open cluster. Closing the Log closes the cluster.
func Open(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string, txConfig couchbase.TransactionConfig) (*Log, error) {
	topics, err := NewTopicsStore(bucket, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create topics store: %w", err)
	}
	records, err := NewRecordsStore(bucket, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages store: %w", err)
	}
	offsetStore, err := NewOffsetsStore(bucket, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create offsets store: %w", err)
	}
	transactions, err := couchbase.NewTransactions(cluster, txConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions: %w", err)
	}
	offsets, err := NewOffsets(offsetStore, transactions)
	if err != nil {
		return nil, err
	}

	return newLog(topics, records, offsets, bucket.Name(), scope, func() error { return cluster.Close(nil) })
}

func newLog(topics topicStore, records recordStore, offsets offsetReserver, bucket, scope string, closer func() error) (*Log, error) {
	l := Log{
		topics:  topics,
		records: records,
		offsets: offsets,
		bucket:  bucket,
		scope:   scope,
		closer:  closer,
		now:     time.Now,
	}

	if err := validator.Validate("cblog", l.topics, l.records, l.offsets, l.bucket, l.scope); err != nil {
		return nil, fmt.Errorf("failed to validate log dependencies: %w", err)
	}

	return &l, nil
}

// CreateTopic provisions topic. It is a no-op when the topic exists.
func (l *Log) CreateTopic(ctx context.Context, topic string) error {
	key := TopicKey(topic)
	err := l.topics.Insert(ctx, key, Topic{ID: key, Name: topic, CreatedAt: l.now().UTC()}, nil)
	if err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// Publish implements relay.Publisher.Publish. The returned identifier is the
// message document key. Publishing a message whose key is already stored
// returns the stored key without writing again.
func (l *Log) Publish(ctx context.Context, topic string, msg relay.Message) (string, error) {
	ok, err := l.topics.Exists(ctx, TopicKey(topic))
	if err != nil {
		return "", &relay.PublishError{Topic: topic, Err: err}
	}
	if !ok {
		return "", &relay.TopicNotFoundError{Topic: TopicPath(l.bucket, l.scope, topic)}
	}

	key := RecordKey(topic, msg.DedupKey, msg.Data)

	stored, err := l.records.Exists(ctx, key)
	if err != nil {
		return "", &relay.PublishError{Topic: topic, Err: err}
	}
	if stored {
		return key, nil
	}

	offset, err := l.offsets.Reserve(topic)
	if err != nil {
		return "", &relay.PublishError{Topic: topic, Err: err}
	}

	record := Record{
		ID:          key,
		Topic:       topic,
		Offset:      offset,
		DedupKey:    msg.DedupKey,
		Attributes:  msg.Attributes,
		Data:        msg.Data,
		PublishTime: l.now().UTC(),
	}

	err = l.records.Insert(ctx, key, record, &gocb.InsertOptions{Expiry: MessageTTL})
	switch {
	case err == nil, errors.Is(err, gocb.ErrDocumentExists):
		// a concurrent publish of the same key leaves its offset unused
		return key, nil
	default:
		return "", &relay.PublishError{Topic: topic, Err: err}
	}
}

// Close closes the cluster connection.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

var _ relay.Broker = (*Log)(nil)
