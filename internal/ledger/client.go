// Package ledger is the Solana JSON-RPC client used by both agents. It owns
// the retry/backoff policy, transaction construction and signing, and the
// normalization of transaction detail into one canonical shape.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// ActivationLamports is the self-transfer that activates a freshly funded account.
const ActivationLamports uint64 = 1_000_000

// Options configures a Client.
type Options struct {
	RPCURL string
	// Commitment is the level a transaction must reach to count as confirmed.
	// Only confirmed and finalized are accepted by getTransaction.
	Commitment Commitment
	// Encoding requested from getTransaction: "jsonParsed" or "json".
	Encoding            string
	HTTPTimeout         time.Duration
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	Retry               RetryPolicy

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
	Sleep      Sleeper
}

// Client wraps the ledger RPC surface used by the protocol.
type Client struct {
	rpc            *rpcTransport
	commitment     Commitment
	encoding       string
	pollInterval   time.Duration
	confirmTimeout time.Duration
	policy         RetryPolicy
	sleep          Sleeper
	logger         *slog.Logger
	metrics        *Metrics
}

// NewClient builds a client, filling unset options with defaults.
func NewClient(opts Options) *Client {
	if opts.Commitment != CommitmentFinalized {
		opts.Commitment = CommitmentConfirmed
	}
	if opts.Encoding != "json" {
		opts.Encoding = "jsonParsed"
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 60 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}

	return &Client{
		rpc:            &rpcTransport{url: opts.RPCURL, http: opts.HTTPClient, metrics: opts.Metrics},
		commitment:     opts.Commitment,
		encoding:       opts.Encoding,
		pollInterval:   opts.PollInterval,
		confirmTimeout: opts.ConfirmationTimeout,
		policy:         opts.Retry,
		sleep:          opts.Sleep,
		logger:         opts.Logger.With("component", "ledger"),
		metrics:        opts.Metrics,
	}
}

func (c *Client) commitmentConfig() map[string]interface{} {
	return map[string]interface{}{"commitment": c.commitment}
}

// Balance returns the lamports held by key. Accounts that do not exist yet
// have a zero balance.
func (c *Client) Balance(ctx context.Context, key PublicKey) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	err := c.retry(ctx, "getBalance", func(ctx context.Context) error {
		return c.rpc.call(ctx, "getBalance", []interface{}{key.String(), c.commitmentConfig()}, &out)
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "could not find account") {
			return 0, nil
		}
		return 0, fmt.Errorf("balance of %s: %w", key, err)
	}
	return out.Value, nil
}

// RequestFunds asks the cluster faucet for lamports and waits for the
// airdrop to confirm. Every failed attempt is followed by a backoff delay;
// before re-attempting, earlier airdrop signatures are re-checked so a slow
// confirmation is never funded twice.
func (c *Client) RequestFunds(ctx context.Context, key PublicKey, lamports uint64) (*TransactionRecord, error) {
	var prior []Signature
	var lastErr error
	n := c.policy.attempts()

	for attempt := 0; attempt < n; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt - 1)
			c.metrics.Retries.WithLabelValues("requestAirdrop").Inc()
			c.logger.Info("retrying funds request", "address", key, "attempt", attempt+1, "of", n, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("request funds for %s: %w (last error: %v)", key, err, lastErr)
			}
			if rec := c.confirmedPrior(ctx, prior); rec != nil {
				c.metrics.FundingAttempts.WithLabelValues("recovered").Inc()
				return rec, nil
			}
		}

		rec, sig, err := c.fundOnce(ctx, key, lamports)
		if !sig.IsZero() {
			prior = append(prior, sig)
		}
		if err == nil {
			c.metrics.FundingAttempts.WithLabelValues("confirmed").Inc()
			c.logger.Info("funds received", "address", key, "lamports", lamports, "signature", sig)
			return rec, nil
		}
		c.metrics.FundingAttempts.WithLabelValues("failed").Inc()
		c.logger.Warn("funds request failed", "address", key, "attempt", attempt+1, "error", err)
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request funds for %s: %w", key, ctx.Err())
		}
	}

	if rec := c.confirmedPrior(ctx, prior); rec != nil {
		c.metrics.FundingAttempts.WithLabelValues("recovered").Inc()
		return rec, nil
	}
	return nil, fmt.Errorf("request funds for %s: %w after %d attempts: %v", key, ErrRetryExhausted, n, lastErr)
}

func (c *Client) fundOnce(ctx context.Context, key PublicKey, lamports uint64) (*TransactionRecord, Signature, error) {
	var out string
	if err := c.rpc.call(ctx, "requestAirdrop", []interface{}{key.String(), lamports, c.commitmentConfig()}, &out); err != nil {
		return nil, Signature{}, err
	}
	sig, err := ParseSignature(out)
	if err != nil {
		return nil, Signature{}, err
	}
	rec, err := c.AwaitConfirmation(ctx, sig, c.confirmTimeout)
	return rec, sig, err
}

// confirmedPrior returns the record of the first earlier attempt that has
// since reached the target commitment.
func (c *Client) confirmedPrior(ctx context.Context, prior []Signature) *TransactionRecord {
	if len(prior) == 0 {
		return nil
	}
	statuses, err := c.signatureStatuses(ctx, prior)
	if err != nil {
		c.logger.Warn("could not re-check earlier funding attempts", "error", err)
		return nil
	}
	for i, st := range statuses {
		if st == nil || st.failed() || !st.ConfirmationStatus.Reaches(c.commitment) {
			continue
		}
		rec, err := c.Fetch(ctx, prior[i])
		if err != nil {
			rec = &TransactionRecord{Signature: prior[i], Slot: st.Slot, Status: st.ConfirmationStatus}
		}
		return rec
	}
	return nil
}

// Submit builds, signs and sends a transaction carrying a transfer of
// lamports from sender to receiver plus the memo. It returns once the node
// has accepted the transaction, without waiting for confirmation.
// lamports == 0 sends a memo-only transaction.
func (c *Client) Submit(ctx context.Context, sender *Identity, receiver PublicKey, lamports uint64, memo []byte) (Signature, error) {
	var blockhash [32]byte
	err := c.retry(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		var out struct {
			Value struct {
				Blockhash string `json:"blockhash"`
			} `json:"value"`
		}
		if err := c.rpc.call(ctx, "getLatestBlockhash", []interface{}{c.commitmentConfig()}, &out); err != nil {
			return err
		}
		b, err := base58.Decode(out.Value.Blockhash)
		if err != nil || len(b) != len(blockhash) {
			return fmt.Errorf("invalid blockhash %q", out.Value.Blockhash)
		}
		copy(blockhash[:], b)
		return nil
	})
	if err != nil {
		return Signature{}, fmt.Errorf("submit: %w", err)
	}

	tx, sig, err := buildTransaction(sender, receiver, lamports, memo, blockhash)
	if err != nil {
		return Signature{}, fmt.Errorf("submit: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(tx)
	sendConfig := map[string]interface{}{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	}

	// Resending the identical signed bytes cannot execute twice, so retries
	// here are safe.
	err = c.retry(ctx, "sendTransaction", func(ctx context.Context) error {
		var out string
		err := c.rpc.call(ctx, "sendTransaction", []interface{}{encoded, sendConfig}, &out)
		var rpcErr *RPCError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already been processed"):
			return nil
		case errors.As(err, &rpcErr) && isInsufficientFunds(rpcErr):
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcErr.Message)
		default:
			return err
		}
	})
	if err != nil {
		return Signature{}, fmt.Errorf("submit from %s: %w", sender.PublicKey(), err)
	}

	c.logger.Info("transaction submitted",
		"signature", sig, "from", sender.PublicKey(), "to", receiver, "lamports", lamports, "memo_bytes", len(memo))
	return sig, nil
}

// Activate sends a small self-transfer so a freshly funded account is
// active on the ledger, and waits for it to confirm.
func (c *Client) Activate(ctx context.Context, id *Identity) (Signature, error) {
	sig, err := c.Submit(ctx, id, id.PublicKey(), ActivationLamports, nil)
	if err != nil {
		return Signature{}, fmt.Errorf("activate %s: %w", id, err)
	}
	if _, err := c.AwaitConfirmation(ctx, sig, c.confirmTimeout); err != nil {
		return sig, fmt.Errorf("activate %s: %w", id, err)
	}
	c.logger.Info("account activated", "address", id, "signature", sig)
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus Commitment      `json:"confirmationStatus"`
}

func (s *signatureStatus) failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

func (c *Client) signatureStatuses(ctx context.Context, sigs []Signature) ([]*signatureStatus, error) {
	encoded := make([]string, len(sigs))
	for i, s := range sigs {
		encoded[i] = s.String()
	}
	var out struct {
		Value []*signatureStatus `json:"value"`
	}
	err := c.rpc.call(ctx, "getSignatureStatuses",
		[]interface{}{encoded, map[string]interface{}{"searchTransactionHistory": true}}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Value) != len(sigs) {
		return nil, fmt.Errorf("getSignatureStatuses: %d statuses for %d signatures", len(out.Value), len(sigs))
	}
	return out.Value, nil
}

// AwaitConfirmation polls the signature status until the transaction
// reaches the client's commitment, then returns its normalized record. It
// never resubmits; past timeout it fails with ErrConfirmationTimeout.
func (c *Client) AwaitConfirmation(ctx context.Context, sig Signature, timeout time.Duration) (*TransactionRecord, error) {
	if timeout <= 0 {
		timeout = c.confirmTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	for {
		statuses, err := c.signatureStatuses(ctx, []Signature{sig})
		switch {
		case err != nil:
			if !IsRetryable(err) && ctx.Err() == nil {
				return nil, fmt.Errorf("await %s: %w", sig, err)
			}
		case statuses[0] == nil:
			// Not yet visible to the node.
		case statuses[0].failed():
			return nil, fmt.Errorf("await %s: %w: %s", sig, ErrTransactionFailed, statuses[0].Err)
		case statuses[0].ConfirmationStatus.Reaches(c.commitment):
			rec, err := c.Fetch(ctx, sig)
			if err == nil {
				c.metrics.ConfirmationSeconds.Observe(time.Since(start).Seconds())
				return rec, nil
			}
			if !errors.Is(err, ErrTransactionNotFound) && !IsRetryable(err) && ctx.Err() == nil {
				return nil, fmt.Errorf("await %s: %w", sig, err)
			}
		}

		if err := c.sleep(ctx, c.pollInterval); err != nil {
			if parent.Err() != nil {
				return nil, fmt.Errorf("await %s: %w", sig, parent.Err())
			}
			return nil, fmt.Errorf("await %s: %w after %s", sig, ErrConfirmationTimeout, timeout)
		}
	}
}

// Fetch returns the normalized record of a confirmed transaction.
func (c *Client) Fetch(ctx context.Context, sig Signature) (*TransactionRecord, error) {
	var raw json.RawMessage
	cfg := map[string]interface{}{
		"encoding":                       c.encoding,
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}
	err := c.retry(ctx, "getTransaction", func(ctx context.Context) error {
		return c.rpc.call(ctx, "getTransaction", []interface{}{sig.String(), cfg}, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sig, err)
	}
	rec, err := DecodeTransaction(raw)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, fmt.Errorf("fetch %s: %w", sig, err)
		}
		return nil, err
	}
	rec.Status = c.commitment
	return rec, nil
}

// Signatures lists successful transactions touching key that are newer than
// the until cursor (exclusive), oldest first. With a cursor, full listings
// are paged backwards with "before" until the cursor is reached, so limit
// only bounds each request. A zero cursor lists the most recent limit
// transactions.
func (c *Client) Signatures(ctx context.Context, key PublicKey, until Signature, limit int) ([]Signature, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var newestFirst []signatureInfo
	var before string
	for {
		page, err := c.signaturePage(ctx, key, until, before, limit)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, page...)
		if until.IsZero() || len(page) < limit {
			break
		}
		before = page[len(page)-1].Signature
		c.logger.Debug("signature listing full, paging back", "address", key, "before", before)
	}

	sigs := make([]Signature, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		if len(newestFirst[i].Err) > 0 && string(newestFirst[i].Err) != "null" {
			continue
		}
		sig, err := ParseSignature(newestFirst[i].Signature)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Err       json.RawMessage `json:"err"`
}

// signaturePage is one getSignaturesForAddress call, newest first.
func (c *Client) signaturePage(ctx context.Context, key PublicKey, until Signature, before string, limit int) ([]signatureInfo, error) {
	cfg := map[string]interface{}{"limit": limit, "commitment": c.commitment}
	if !until.IsZero() {
		cfg["until"] = until.String()
	}
	if before != "" {
		cfg["before"] = before
	}
	var out []signatureInfo
	err := c.retry(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
		return c.rpc.call(ctx, "getSignaturesForAddress", []interface{}{key.String(), cfg}, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("signatures for %s: %w", key, err)
	}
	return out, nil
}
