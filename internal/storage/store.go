// Package storage provides byte-level access to the shared bulletin-board
// bucket that clients and workers coordinate through.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is uniform access to one tool's shared bucket. Implementations are
// safe for concurrent use.
type Store interface {
	// Put writes a whole object at key.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the whole object at key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// URI returns the display form of a key (gs://, s3://, file://).
	URI(key string) string

	// Close releases the underlying connection.
	Close() error
}

// ErrNotFound is returned by Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend  string // "gcs" | "s3" | "local" | "mem"
	Bucket   string
	Prefix   string // optional key prefix applied to every operation
	LocalDir string // root directory for the local backend
	Region   string // s3 only
	Endpoint string // s3 only, for S3-compatible providers
}

// New opens a Store for the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "gcs", "s3", "local", "mem":
		return newBucketStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// GetJSON reads the object at key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}
