package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds cluster connection settings.
type Config struct {
	ConnectionString string `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	Password         string `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	BucketName       string `env:"COUCHBASE_BUCKET_NAME" envDefault:"relay"`
	ScopeName        string `env:"COUCHBASE_SCOPE_NAME" envDefault:"default"`

	Transactions TransactionConfig
}

// Connect opens the cluster and waits for the configured bucket.
func Connect(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.BucketName)

	err = bucket.WaitUntilReady(5*time.Second, nil)
	if err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
