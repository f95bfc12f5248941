// Package session drives the request/response/proof purchase protocol. The
// Requester and Provider each run a single sequential state machine against
// their own view of the ledger; neither keeps session state outside of it.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/memopay/internal/ledger"
)

// Ledger is the subset of *ledger.Client the roles depend on.
type Ledger interface {
	Balance(ctx context.Context, key ledger.PublicKey) (uint64, error)
	RequestFunds(ctx context.Context, key ledger.PublicKey, lamports uint64) (*ledger.TransactionRecord, error)
	Submit(ctx context.Context, sender *ledger.Identity, receiver ledger.PublicKey, lamports uint64, memo []byte) (ledger.Signature, error)
	AwaitConfirmation(ctx context.Context, sig ledger.Signature, timeout time.Duration) (*ledger.TransactionRecord, error)
	Fetch(ctx context.Context, sig ledger.Signature) (*ledger.TransactionRecord, error)
	Signatures(ctx context.Context, key ledger.PublicKey, until ledger.Signature, limit int) ([]ledger.Signature, error)
}

var _ Ledger = (*ledger.Client)(nil)

// CursorStore persists the provider's last-seen signature so a restarted
// provider resumes listening where it stopped.
type CursorStore interface {
	Load(ctx context.Context, key string) (ledger.Signature, bool, error)
	Save(ctx context.Context, key string, sig ledger.Signature) error
}

// Config tunes both roles. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// FeeMargin is kept on top of the payment to cover transaction fees.
	FeeMargin uint64
	// FundingAmount is requested from the faucet when the balance is short.
	FundingAmount uint64
	// ResponseLamports accompanies the provider's response memo.
	ResponseLamports uint64

	ConfirmTimeout  time.Duration
	ResponseTimeout time.Duration
	ListenTimeout   time.Duration
	PollInterval    time.Duration
	// PageSize bounds each signature listing request. Listings after a
	// cursor are paged back to it, so bursts larger than a page are kept.
	PageSize int
	// FundingRetries bounds how often an insufficient-funds submission is
	// funded and retried.
	FundingRetries int

	Logger  *slog.Logger
	Metrics *Metrics
	Sleep   ledger.Sleeper
}

// DefaultConfig mirrors the devnet agents: 0.01 SOL fee margin, 1 SOL
// top-ups and 0.001 SOL attached to every response.
func DefaultConfig() Config {
	return Config{
		FeeMargin:        ledger.SOL(0.01),
		FundingAmount:    ledger.SOL(1),
		ResponseLamports: ledger.SOL(0.001),
		ConfirmTimeout:   60 * time.Second,
		ResponseTimeout:  2 * time.Minute,
		ListenTimeout:    5 * time.Minute,
		PollInterval:     2 * time.Second,
		PageSize:         100,
		FundingRetries:   ledger.DefaultRetryPolicy().MaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FeeMargin == 0 {
		c.FeeMargin = d.FeeMargin
	}
	if c.FundingAmount == 0 {
		c.FundingAmount = d.FundingAmount
	}
	if c.ResponseLamports == 0 {
		c.ResponseLamports = d.ResponseLamports
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = d.ListenTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.FundingRetries <= 0 {
		c.FundingRetries = d.FundingRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Sleep == nil {
		c.Sleep = ledger.SleepContext
	}
	return c
}
