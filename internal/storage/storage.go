// Package storage persists the gateway's JSON state blobs (tokens,
// conversations, api keys, stats, request logs) behind a small capability
// set so local files, Redis and Postgres are interchangeable.
package storage

import (
	"context"
	"fmt"
)

// Store is the persistence capability set. Names are logical blob names
// such as "tokens" or "conversations".
type Store interface {
	// LoadJSON reads the named blob into out. The bool reports whether
	// the blob existed.
	LoadJSON(ctx context.Context, name string, out any) (bool, error)

	// SaveJSON writes v as the named blob, replacing any previous value.
	SaveJSON(ctx context.Context, name string, v any) error

	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Type string
	URL  string
}

// New builds the store for cfg.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.URL)
	case "redis":
		return NewRedisStore(ctx, cfg.URL)
	case "pgsql":
		return NewPostgresStore(ctx, cfg.URL)
	case "mysql":
		return nil, fmt.Errorf("storage type mysql is not supported; use local, redis or pgsql")
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
