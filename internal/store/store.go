package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/promptsmith/internal/config"
)

// ErrUnavailable marks any failure of the backing store: it could not be
// reached, read, or written.
var ErrUnavailable = errors.New("storage unavailable")

// KV is the key-value capability the history and template managers persist
// through. A missing key is reported with ok=false, not an error.
type KV interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w: %w", op, key, ErrUnavailable, err)
}

// OpenKV returns the KV backend selected by cfg.Driver, plus a close func.
func OpenKV(ctx context.Context, cfg config.StorageConfig) (KV, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), func() error { return nil }, nil
	case "redis":
		r := NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, err
		}
		return r, r.Close, nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			var err error
			path, err = DefaultDBPath()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := Open(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
