// Package couchbase wraps the parts of the Couchbase Go SDK the relay log
// needs: typed document stores and distributed transactions.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// Store is a typed view over one collection.
type Store[T any] struct {
	collection *gocb.Collection
}

// NewStore returns a Store over collection.
func NewStore[T any](collection *gocb.Collection) (*Store[T], error) {
	if collection == nil {
		return nil, errors.New("invalid Couchbase parameters: collection must not be nil")
	}

	return &Store[T]{collection: collection}, nil
}

// Insert creates a document. It fails with gocb.ErrDocumentExists when key
// is already stored.
func (s *Store[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := s.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return nil
}

// Exists reports whether a document with the given key is stored.
func (s *Store[T]) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.collection.Exists(key, &gocb.ExistsOptions{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("failed to check document with key %s: %w", key, err)
	}

	return res.Exists(), nil
}

// Collection returns the underlying collection so the store can take part
// in transactions.
func (s *Store[T]) Collection() *gocb.Collection {
	return s.collection
}
