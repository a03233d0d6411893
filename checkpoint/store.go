// Package checkpoint persists encoded conversation state keyed by thread
// id. Stores are byte oriented; the agent owns the encoding.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNotFound is returned by Load when a thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Store is a keyed store of encoded conversation state.
type Store interface {
	Load(ctx context.Context, threadID string) ([]byte, error)
	Save(ctx context.Context, threadID string, data []byte) error
	Delete(ctx context.Context, threadID string) error
	Close() error
}

// EvictFunc is called with the last saved state of a thread that a store
// dropped on its own.
type EvictFunc func(threadID string, data []byte)

// Options selects and configures a store.
type Options struct {
	Backend  string // memory, sqlite, redis
	DSN      string // sqlite path or redis URL
	Capacity int    // memory store size in threads
	TTLSecs  int    // redis key lifetime, 0 keeps keys forever
	OnEvict  EvictFunc
	Logger   *slog.Logger
}

// Open builds the store named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		return NewMemoryStore(opts.Capacity, opts.OnEvict)
	case "sqlite":
		if opts.DSN == "" {
			return nil, errors.New("sqlite checkpoint store needs a path")
		}
		return NewSQLiteStore(opts.DSN, logger)
	case "redis":
		if opts.DSN == "" {
			return nil, errors.New("redis checkpoint store needs a URL")
		}
		return NewRedisStore(ctx, opts.DSN, secondsToTTL(opts.TTLSecs), logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", opts.Backend)
	}
}
