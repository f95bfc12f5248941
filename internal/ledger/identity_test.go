package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeypair(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func secretInts(id *Identity) []int {
	out := make([]int, len(id.key))
	for i, b := range id.key {
		out[i] = int(b)
	}
	return out
}

func TestLoadIdentity(t *testing.T) {
	want := testIdentity(t, 4)

	t.Run("solana cli array", func(t *testing.T) {
		got, err := LoadIdentity(writeKeypair(t, secretInts(want)))
		require.NoError(t, err)
		assert.Equal(t, want.PublicKey(), got.PublicKey())
	})

	t.Run("wrapped secret_key", func(t *testing.T) {
		got, err := LoadIdentity(writeKeypair(t, map[string]interface{}{
			"public_key": want.PublicKey().String(),
			"secret_key": secretInts(want),
		}))
		require.NoError(t, err)
		assert.Equal(t, want.PublicKey(), got.PublicKey())
	})

	t.Run("mismatched public half", func(t *testing.T) {
		ints := secretInts(want)
		ints[63] ^= 1
		_, err := LoadIdentity(writeKeypair(t, ints))
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("short key", func(t *testing.T) {
		_, err := LoadIdentity(writeKeypair(t, []int{1, 2, 3}))
		assert.Error(t, err)
	})
}

func TestPublicKeyRoundTrip(t *testing.T) {
	k := testIdentity(t, 6).PublicKey()
	parsed, err := ParsePublicKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.Equal(t, "11111111111111111111111111111111", SystemProgramID.String())

	_, err = ParsePublicKey("abc")
	assert.Error(t, err)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	var got []time.Duration
	for i := 0; i < p.MaxAttempts; i++ {
		got = append(got, p.Delay(i))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, got)

	flat := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 0}
	assert.Equal(t, time.Second, flat.Delay(2))
}

func TestCommitmentReaches(t *testing.T) {
	assert.True(t, CommitmentFinalized.Reaches(CommitmentConfirmed))
	assert.True(t, CommitmentConfirmed.Reaches(CommitmentConfirmed))
	assert.False(t, CommitmentProcessed.Reaches(CommitmentConfirmed))
	assert.False(t, Commitment("").Reaches(CommitmentProcessed))
}
