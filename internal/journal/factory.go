package journal

import (
	"context"
	"strings"
)

// Options selects the journal backend.
type Options struct {
	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	MemoryLimit   int
}

// NewStore creates a postgres-backed store when configured, then redis,
// otherwise in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		return NewPostgresStore(ctx, opts.DatabaseURL)
	}
	if strings.TrimSpace(opts.RedisURL) != "" {
		return NewRedisStore(ctx, opts.RedisURL, opts.RedisPassword)
	}
	return NewInMemoryStore(opts.MemoryLimit), nil
}
