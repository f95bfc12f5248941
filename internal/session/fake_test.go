package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ocx/memopay/internal/ledger"
)

const testFee uint64 = 5000

var faucet = ledger.MustPublicKey("9B5XszUGdMaxCZ7uSQhPzdks5ZQSmWxrmzCSvtJ6Ns6g")

// fakeLedger is an in-memory ledger where every accepted transaction is
// confirmed immediately in its own slot.
type fakeLedger struct {
	mu       sync.Mutex
	slot     uint64
	seq      uint64
	order    []ledger.Signature
	txs      map[ledger.Signature]*ledger.TransactionRecord
	balances map[ledger.PublicKey]uint64

	fundErr   error
	fundCalls int
	submits   int
	// fetchErr, when set, may fail Fetch for a signature. Called with f.mu held.
	fetchErr func(sig ledger.Signature) error
	// rewrite, when set, may replace the memo of a submission.
	rewrite func(sender ledger.PublicKey, memo []byte) []byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:      make(map[ledger.Signature]*ledger.TransactionRecord),
		balances: make(map[ledger.PublicKey]uint64),
	}
}

func (f *fakeLedger) nextSignature() ledger.Signature {
	f.seq++
	var sig ledger.Signature
	sig[0] = 0xAB
	for i := 0; i < 8; i++ {
		sig[63-i] = byte(f.seq >> (8 * i))
	}
	return sig
}

// appendTx records a confirmed transaction. Callers hold f.mu.
func (f *fakeLedger) appendTx(from, to ledger.PublicKey, lamports uint64, memo []byte) *ledger.TransactionRecord {
	f.slot++
	rec := &ledger.TransactionRecord{
		Signature: f.nextSignature(),
		Slot:      f.slot,
		Sender:    from,
		Status:    ledger.CommitmentConfirmed,
	}
	if lamports > 0 {
		rec.Receiver = to
		rec.Lamports = lamports
		rec.Instructions = append(rec.Instructions, ledger.Instruction{
			ProgramID: ledger.SystemProgramID,
			Accounts:  []ledger.PublicKey{from, to},
		})
		f.balances[to] += lamports
	}
	if len(memo) > 0 {
		rec.Instructions = append(rec.Instructions, ledger.Instruction{
			ProgramID: ledger.MemoProgramID,
			Accounts:  []ledger.PublicKey{from},
			Data:      append([]byte(nil), memo...),
		})
	}
	f.txs[rec.Signature] = rec
	f.order = append(f.order, rec.Signature)
	return rec
}

// seed records a transaction without balance checks.
func (f *fakeLedger) seed(from, to ledger.PublicKey, lamports uint64, memo string) ledger.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendTx(from, to, lamports, []byte(memo)).Signature
}

func (f *fakeLedger) setBalance(key ledger.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key] = lamports
}

func (f *fakeLedger) memoOf(sig ledger.Signature) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.txs[sig]
	if !ok {
		return ""
	}
	for _, ix := range rec.Instructions {
		if ix.ProgramID == ledger.MemoProgramID {
			return string(ix.Data)
		}
	}
	return ""
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeLedger) Balance(_ context.Context, key ledger.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[key], nil
}

func (f *fakeLedger) RequestFunds(_ context.Context, key ledger.PublicKey, lamports uint64) (*ledger.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundCalls++
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	rec := f.appendTx(faucet, key, lamports, nil)
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) Submit(_ context.Context, sender *ledger.Identity, receiver ledger.PublicKey, lamports uint64, memo []byte) (ledger.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := sender.PublicKey()
	if f.balances[from] < lamports+testFee {
		return ledger.Signature{}, fmt.Errorf("submit from %s: %w", from, ledger.ErrInsufficientFunds)
	}
	if f.rewrite != nil {
		memo = f.rewrite(from, memo)
	}
	f.submits++
	f.balances[from] -= lamports + testFee
	return f.appendTx(from, receiver, lamports, memo).Signature, nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, sig ledger.Signature, _ time.Duration) (*ledger.TransactionRecord, error) {
	rec, err := f.Fetch(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", sig, ledger.ErrConfirmationTimeout)
	}
	return rec, nil
}

func (f *fakeLedger) Fetch(_ context.Context, sig ledger.Signature) (*ledger.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.txs[sig]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", sig, ledger.ErrTransactionNotFound)
	}
	if f.fetchErr != nil {
		if err := f.fetchErr(sig); err != nil {
			return nil, err
		}
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) Signatures(_ context.Context, key ledger.PublicKey, until ledger.Signature, limit int) ([]ledger.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if !until.IsZero() {
		for i, sig := range f.order {
			if sig == until {
				start = i + 1
				break
			}
		}
	}
	var out []ledger.Signature
	for _, sig := range f.order[start:] {
		rec := f.txs[sig]
		if rec.Sender == key || rec.Receiver == key {
			out = append(out, sig)
		}
	}
	// Like the client, listings after a cursor are complete; limit only
	// applies to the newest-transactions listing.
	if until.IsZero() && limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memoryCursors struct {
	mu sync.Mutex
	m  map[string]ledger.Signature
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{m: make(map[string]ledger.Signature)}
}

func (c *memoryCursors) Load(_ context.Context, key string) (ledger.Signature, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig, ok := c.m[key]
	return sig, ok, nil
}

func (c *memoryCursors) Save(_ context.Context, key string, sig ledger.Signature) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = sig
	return nil
}

func (c *memoryCursors) get(key string) ledger.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key]
}

func testIdentity(t *testing.T, b byte) *ledger.Identity {
	t.Helper()
	id, err := ledger.NewIdentity(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return id
}

func testConfig(reg prometheus.Registerer) Config {
	return Config{
		ConfirmTimeout:  time.Second,
		ResponseTimeout: 2 * time.Second,
		ListenTimeout:   2 * time.Second,
		PollInterval:    time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:         NewMetrics(reg),
	}
}
