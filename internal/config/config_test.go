package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/memopay/internal/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memopay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ledger.DefaultRetryPolicy(), cfg.RetryPolicy())

	s := cfg.SessionOptions()
	assert.Equal(t, uint64(10_000_000), s.FeeMargin)
	assert.Equal(t, uint64(1_000_000), s.ResponseLamports)
	assert.Equal(t, 60*time.Second, s.ConfirmTimeout)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  rpc_url: http://localhost:8899
  commitment: finalized
retry:
  max_attempts: 3
session:
  price_sol: 0.25
  response_timeout: 45s
journal:
  backend: file
  path: /tmp/j.jsonl
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://localhost:8899", cfg.Ledger.RPCURL)
	assert.Equal(t, ledger.CommitmentFinalized, cfg.LedgerOptions().Commitment)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay, "unset keys keep defaults")
	assert.Equal(t, 0.25, cfg.Session.PriceSOL)
	assert.Equal(t, 45*time.Second, cfg.Session.ResponseTimeout)
	assert.Equal(t, "jsonParsed", cfg.Ledger.Encoding)
	assert.Equal(t, "file", cfg.Journal.Backend)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "ledger: [nope"))
	assert.ErrorContains(t, err, "parse config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MEMOPAY_RPC_URL":    "http://rpc.internal:8899",
		"MEMOPAY_REDIS_ADDR": "redis:6379",
		"MEMOPAY_PRICE_SOL":  "0.5",
		"MEMOPAY_LOG_LEVEL":  "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "http://rpc.internal:8899", cfg.Ledger.RPCURL)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 0.5, cfg.Session.PriceSOL)
	assert.Equal(t, "info", cfg.Log.Level, "empty values are ignored")

	env["MEMOPAY_PAYMENT_SOL"] = "lots"
	assert.ErrorContains(t, Default().ApplyEnv(lookup), "MEMOPAY_PAYMENT_SOL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"processed commitment", func(c *Config) { c.Ledger.Commitment = "processed" }, "commitment"},
		{"bad encoding", func(c *Config) { c.Ledger.Encoding = "base64" }, "encoding"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"unknown journal", func(c *Config) { c.Journal.Backend = "s3" }, "journal.backend"},
		{"postgres without url", func(c *Config) { c.Journal.Backend = "postgres" }, "postgres_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
