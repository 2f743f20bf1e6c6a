package cblog

import (
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"

	"relay/internal/couchbase"
	"relay/internal/validator"
)

// Offsets hands out per-topic offsets with a transactional increment.
type Offsets struct {
	offsets      *couchbase.Store[Offset]
	transactions *couchbase.Transactions
}

// NewOffsets creates an offset allocator over the offsets collection.
func NewOffsets(offsets *couchbase.Store[Offset], transactions *couchbase.Transactions) (*Offsets, error) {
	o := Offsets{
		offsets:      offsets,
		transactions: transactions,
	}

	if err := validator.Validate("offsets", o.offsets, o.transactions); err != nil {
		return nil, err
	}

	return &o, nil
}

// Reserve returns the next free offset on topic and advances the counter.
func (o *Offsets) Reserve(topic string) (uint64, error) {
	key := OffsetKey(topic)
	var reserved uint64

	_, err := o.transactions.Run(func(r couchbase.TxRunner) error {
		retry := true
		for retry {
			retry = false

			res, err := r.Get(o.offsets, key)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				_, err := r.Insert(o.offsets, key, Offset{ID: key, N: 1})
				switch {
				case err == nil:
					reserved = 0
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					// another publisher created it first
					retry = true
					continue
				default:
					return fmt.Errorf("failed to insert new offset: %w", err)
				}
			default:
				return fmt.Errorf("failed to get offset for topic %s: %w", topic, err)
			}

			var current Offset
			if err := res.Content(&current); err != nil {
				return fmt.Errorf("failed to decode offset: %w", err)
			}

			reserved = current.N
			current.N++
			if _, err := r.Replace(res, current); err != nil {
				return fmt.Errorf("failed to replace offset: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reserve offset for topic %s: %w", topic, err)
	}

	return reserved, nil
}
