package couchbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
)

// TransactionConfig tunes distributed transactions.
type TransactionConfig struct {
	Timeout    time.Duration `env:"COUCHBASE_TXN_TIMEOUT" envDefault:"10s"`
	Durability string        `env:"COUCHBASE_DURABILITY" envDefault:"none"`
}

// Transactions runs attempts inside Couchbase distributed transactions.
type Transactions struct {
	cluster *gocb.Cluster
	opts    gocb.TransactionOptions
}

// NewTransactions creates a transaction runner for cluster.
func NewTransactions(cluster *gocb.Cluster, config TransactionConfig) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}

	durability, err := ParseDurability(config.Durability)
	if err != nil {
		return nil, err
	}

	return &Transactions{
		cluster: cluster,
		opts: gocb.TransactionOptions{
			DurabilityLevel: durability,
			Timeout:         config.Timeout,
		},
	}, nil
}

// ParseDurability maps a durability name to its gocb level. The empty string
// means none.
func ParseDurability(name string) (gocb.DurabilityLevel, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return gocb.DurabilityLevelNone, nil
	case "majority":
		return gocb.DurabilityLevelMajority, nil
	case "majority_persist_active":
		return gocb.DurabilityLevelMajorityAndPersistOnMaster, nil
	case "persist_majority":
		return gocb.DurabilityLevelPersistToMajority, nil
	default:
		return 0, fmt.Errorf("unknown durability level %q", name)
	}
}

// Run executes fn until it commits or the transaction times out and returns
// the transaction ID.
func (t *Transactions) Run(fn func(TxRunner) error) (string, error) {
	opts := t.opts
	res, err := t.cluster.Transactions().Run(func(actx *gocb.TransactionAttemptContext) error {
		return fn(attempt{actx})
	}, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

// TxRunner is the set of document operations available inside a transaction.
type TxRunner interface {
	Get(c Collectioner, key string) (*gocb.TransactionGetResult, error)
	Insert(c Collectioner, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// Collectioner exposes the collection a store writes to.
type Collectioner interface {
	Collection() *gocb.Collection
}

type attempt struct {
	actx *gocb.TransactionAttemptContext
}

func (a attempt) Get(c Collectioner, key string) (*gocb.TransactionGetResult, error) {
	return a.actx.Get(c.Collection(), key)
}

func (a attempt) Insert(c Collectioner, key string, value any) (*gocb.TransactionGetResult, error) {
	return a.actx.Insert(c.Collection(), key, value)
}

func (a attempt) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return a.actx.Replace(doc, value)
}
