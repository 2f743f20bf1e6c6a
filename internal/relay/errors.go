package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a webhook carries a missing or wrong token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTopicNotFound matches every *TopicNotFoundError.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrDuplicate is returned when a message with the same identity was
	// already published. Callers treat it as success.
	ErrDuplicate = errors.New("duplicate message")

	// ErrInFlight is returned when another delivery of the same identity is
	// still being published. The caller should retry.
	ErrInFlight = errors.New("publish of the same message already in flight")

	// ErrQueueFull is returned when the fire-and-forget queue cannot accept more work.
	ErrQueueFull = errors.New("publish queue full")

	// ErrClosed is returned when publishing after shutdown started.
	ErrClosed = errors.New("publisher closed")
)

// TopicNotFoundError reports that the destination of a publish does not exist.
// Topic is the backend-specific path of the destination.
type TopicNotFoundError struct {
	Topic string
	Err   error
}

func (e *TopicNotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("topic %s not found", e.Topic)
	}
	return fmt.Sprintf("topic %s not found: %v", e.Topic, e.Err)
}

func (e *TopicNotFoundError) Unwrap() error {
	return e.Err
}

func (e *TopicNotFoundError) Is(target error) bool {
	return target == ErrTopicNotFound
}

// PublishError is any publish failure other than a missing topic: network
// errors, timeouts, quota, a full queue.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
