package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/session"
)

// DevnetURL is the public devnet RPC endpoint.
const DevnetURL = "https://api.devnet.solana.com"

type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Retry    RetryConfig    `yaml:"retry"`
	Session  SessionConfig  `yaml:"session"`
	Keypairs KeypairConfig  `yaml:"keypairs"`
	Store    StoreConfig    `yaml:"store"`
	Journal  JournalConfig  `yaml:"journal"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type LedgerConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	Commitment          string        `yaml:"commitment"`
	Encoding            string        `yaml:"encoding"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// SessionConfig holds amounts in SOL; they are converted to lamports at use.
type SessionConfig struct {
	PaymentSOL      float64       `yaml:"payment_sol"`
	PriceSOL        float64       `yaml:"price_sol"`
	FeeMarginSOL    float64       `yaml:"fee_margin_sol"`
	FundingSOL      float64       `yaml:"funding_sol"`
	ResponseSOL     float64       `yaml:"response_sol"`
	ServiceType     string        `yaml:"service_type"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ListenTimeout   time.Duration `yaml:"listen_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PageSize        int           `yaml:"page_size"`
	FundingRetries  int           `yaml:"funding_retries"`
}

type KeypairConfig struct {
	Requester string `yaml:"requester"`
	Provider  string `yaml:"provider"`
}

// StoreConfig locates the provider cursor store. An empty RedisAddr keeps
// cursors in memory.
type StoreConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type JournalConfig struct {
	// Backend is one of memory, file or postgres.
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	PostgresURL string `yaml:"postgres_url"`
	MaxRecords  int    `yaml:"max_records"`
}

type ServerConfig struct {
	// Addr of the status API; empty disables it.
	Addr             string `yaml:"addr"`
	InspectPerMinute int    `yaml:"inspect_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the devnet configuration used when no file is given.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			RPCURL:              DevnetURL,
			Commitment:          string(ledger.CommitmentConfirmed),
			Encoding:            "jsonParsed",
			HTTPTimeout:         30 * time.Second,
			PollInterval:        500 * time.Millisecond,
			ConfirmationTimeout: 60 * time.Second,
		},
		Retry: RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2},
		Session: SessionConfig{
			PaymentSOL:      0.1,
			PriceSOL:        0.1,
			FeeMarginSOL:    0.01,
			FundingSOL:      1,
			ResponseSOL:     0.001,
			ServiceType:     "hash",
			ResponseTimeout: 2 * time.Minute,
			ListenTimeout:   5 * time.Minute,
			PollInterval:    2 * time.Second,
			PageSize:        100,
			FundingRetries:  5,
		},
		Keypairs: KeypairConfig{Requester: "agent_a.json", Provider: "agent_b.json"},
		Journal:  JournalConfig{Backend: "memory", Path: "memopay-sessions.jsonl", MaxRecords: 1000},
		Server:   ServerConfig{InspectPerMinute: 60},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over the defaults. Keys absent from the file
// keep their default value.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MEMOPAY_* variables read through lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MEMOPAY_RPC_URL":           &c.Ledger.RPCURL,
		"MEMOPAY_COMMITMENT":        &c.Ledger.Commitment,
		"MEMOPAY_REDIS_ADDR":        &c.Store.RedisAddr,
		"MEMOPAY_REDIS_PASSWORD":    &c.Store.RedisPassword,
		"MEMOPAY_JOURNAL":           &c.Journal.Backend,
		"MEMOPAY_JOURNAL_PATH":      &c.Journal.Path,
		"MEMOPAY_POSTGRES_URL":      &c.Journal.PostgresURL,
		"MEMOPAY_LISTEN_ADDR":       &c.Server.Addr,
		"MEMOPAY_LOG_LEVEL":         &c.Log.Level,
		"MEMOPAY_REQUESTER_KEYPAIR": &c.Keypairs.Requester,
		"MEMOPAY_PROVIDER_KEYPAIR":  &c.Keypairs.Provider,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	sol := map[string]*float64{
		"MEMOPAY_PRICE_SOL":   &c.Session.PriceSOL,
		"MEMOPAY_PAYMENT_SOL": &c.Session.PaymentSOL,
	}
	for name, dst := range sol {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = f
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Ledger.RPCURL == "":
		return errors.New("ledger.rpc_url is required")
	case c.Ledger.Commitment != string(ledger.CommitmentConfirmed) && c.Ledger.Commitment != string(ledger.CommitmentFinalized):
		return fmt.Errorf("ledger.commitment must be confirmed or finalized, got %q", c.Ledger.Commitment)
	case c.Ledger.Encoding != "json" && c.Ledger.Encoding != "jsonParsed":
		return fmt.Errorf("ledger.encoding must be json or jsonParsed, got %q", c.Ledger.Encoding)
	case c.Retry.MaxAttempts < 1:
		return errors.New("retry.max_attempts must be at least 1")
	case c.Session.PaymentSOL < 0 || c.Session.PriceSOL < 0:
		return errors.New("session amounts must not be negative")
	}
	switch c.Journal.Backend {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("journal.backend must be memory, file or postgres, got %q", c.Journal.Backend)
	}
	if c.Journal.Backend == "postgres" && c.Journal.PostgresURL == "" {
		return errors.New("journal.postgres_url is required for the postgres backend")
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Multiplier:  c.Retry.Multiplier,
	}
}

// LedgerOptions converts the ledger section; logger, metrics and HTTP
// client are left for the caller.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		RPCURL:              c.Ledger.RPCURL,
		Commitment:          ledger.Commitment(c.Ledger.Commitment),
		Encoding:            c.Ledger.Encoding,
		HTTPTimeout:         c.Ledger.HTTPTimeout,
		PollInterval:        c.Ledger.PollInterval,
		ConfirmationTimeout: c.Ledger.ConfirmationTimeout,
		Retry:               c.RetryPolicy(),
	}
}

// SessionOptions converts the session section to lamports.
func (c *Config) SessionOptions() session.Config {
	return session.Config{
		FeeMargin:        ledger.SOL(c.Session.FeeMarginSOL),
		FundingAmount:    ledger.SOL(c.Session.FundingSOL),
		ResponseLamports: ledger.SOL(c.Session.ResponseSOL),
		ConfirmTimeout:   c.Ledger.ConfirmationTimeout,
		ResponseTimeout:  c.Session.ResponseTimeout,
		ListenTimeout:    c.Session.ListenTimeout,
		PollInterval:     c.Session.PollInterval,
		PageSize:         c.Session.PageSize,
		FundingRetries:   c.Session.FundingRetries,
	}
}

// SlogLevel parses log.level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
