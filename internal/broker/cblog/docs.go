package cblog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"relay/internal/couchbase"
)

// Collection names inside the configured scope.
const (
	TopicsCollection   = "topics"
	MessagesCollection = "messages"
	OffsetsCollection  = "offsets"
)

// MessageTTL is how long a stored message is kept.
const MessageTTL = 7 * 24 * time.Hour

// Topic marks a topic as provisioned. Publishing to a topic without a Topic
// document fails with relay.TopicNotFoundError.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record is one published message.
type Record struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Offset      uint64            `json:"offset"`
	DedupKey    string            `json:"dedupKey,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Data        json.RawMessage   `json:"data"`
	PublishTime time.Time         `json:"publishTime"`
}

// Offset is the next offset to assign on a topic.
type Offset struct {
	ID string `json:"id"`
	N  uint64 `json:"n"`
}

// NewTopicsStore opens the topics collection of scope.
func NewTopicsStore(bucket *gocb.Bucket, scope string) (*couchbase.Store[Topic], error) {
	return couchbase.NewStore[Topic](bucket.Scope(scope).Collection(TopicsCollection))
}

// NewRecordsStore opens the messages collection of scope.
func NewRecordsStore(bucket *gocb.Bucket, scope string) (*couchbase.Store[Record], error) {
	return couchbase.NewStore[Record](bucket.Scope(scope).Collection(MessagesCollection))
}

// NewOffsetsStore opens the offsets collection of scope.
func NewOffsetsStore(bucket *gocb.Bucket, scope string) (*couchbase.Store[Offset], error) {
	return couchbase.NewStore[Offset](bucket.Scope(scope).Collection(OffsetsCollection))
}

// TopicKey is the document key of a provisioned topic.
func TopicKey(topic string) string {
	return fmt.Sprintf("topic::%s", topic)
}

// OffsetKey is the document key of a topic's offset counter.
func OffsetKey(topic string) string {
	return fmt.Sprintf("offset::%s", topic)
}

// RecordKey is the document key of a message. Messages without a dedup key
// are keyed by a digest of their data so a retried publish of the same bytes
// lands on the same document.
func RecordKey(topic, dedupKey string, data []byte) string {
	if dedupKey == "" {
		sum := sha256.Sum256(data)
		dedupKey = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("message::%s::%s", topic, dedupKey)
}

// TopicPath is the path reported when a topic is not provisioned.
func TopicPath(bucket, scope, topic string) string {
	return fmt.Sprintf("%s.%s.%s/%s", bucket, scope, TopicsCollection, topic)
}
