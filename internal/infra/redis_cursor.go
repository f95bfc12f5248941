// Package infra provides the provider's cursor persistence.
//
// RedisCursorStore wraps go-redis v9. When no Redis address is configured,
// or the server cannot be reached, main falls back to MemoryCursorStore.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/memopay/internal/ledger"
)

const cursorPrefix = "memopay:cursor:"

func cursorKey(key string) string { return cursorPrefix + key }

// RedisCursorStore keeps one last-seen signature per provider address.
// Cursors never expire.
type RedisCursorStore struct {
	rdb *redis.Client
}

// NewRedisCursorStore attempts to connect to Redis using the provided options.
// Returns the store and any connection error (caller decides whether to
// fall back to in-memory).
func NewRedisCursorStore(addr, password string, db int) (*RedisCursorStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisCursorStore{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisCursorStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisCursorStore) Load(ctx context.Context, key string) (ledger.Signature, bool, error) {
	val, err := s.rdb.Get(ctx, cursorKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ledger.Signature{}, false, nil
	}
	if err != nil {
		return ledger.Signature{}, false, fmt.Errorf("load cursor %s: %w", key, err)
	}
	sig, err := ledger.ParseSignature(val)
	if err != nil {
		return ledger.Signature{}, false, fmt.Errorf("load cursor %s: %w", key, err)
	}
	return sig, true, nil
}

func (s *RedisCursorStore) Save(ctx context.Context, key string, sig ledger.Signature) error {
	if err := s.rdb.Set(ctx, cursorKey(key), sig.String(), 0).Err(); err != nil {
		return fmt.Errorf("save cursor %s: %w", key, err)
	}
	return nil
}
