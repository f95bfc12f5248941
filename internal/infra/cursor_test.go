package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/session"
)

var (
	_ session.CursorStore = (*MemoryCursorStore)(nil)
	_ session.CursorStore = (*RedisCursorStore)(nil)
)

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCursorStore()

	_, ok, err := s.Load(ctx, "provider")
	require.NoError(t, err)
	assert.False(t, ok)

	var sig ledger.Signature
	sig[0], sig[63] = 1, 2
	require.NoError(t, s.Save(ctx, "provider", sig))

	got, ok, err := s.Load(ctx, "provider")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sig, got)

	_, ok, _ = s.Load(ctx, "someone-else")
	assert.False(t, ok)
}

func TestCursorKey(t *testing.T) {
	assert.Equal(t, "memopay:cursor:abc", cursorKey("abc"))
}

func TestRedisCursorStoreUnreachable(t *testing.T) {
	_, err := NewRedisCursorStore("127.0.0.1:1", "", 0)
	assert.ErrorContains(t, err, "redis ping failed")
}
