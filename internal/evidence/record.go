// Package evidence keeps an append-only, hash-chained journal of finished
// sessions. The journal is output only: session state is always re-derived
// from the ledger, never read back from here.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/memopay/internal/session"
)

// GenesisHash is the previous hash of the first record in a journal.
var GenesisHash = strings.Repeat("0", 64)

// Record is one journal entry.
type Record struct {
	ID         uuid.UUID      `json:"id"`
	Session    session.Result `json:"session"`
	RecordedAt time.Time      `json:"recorded_at"`

	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
}

// ComputeHash computes the SHA-256 hash of the record's JSON form with the
// Hash field cleared.
func (r *Record) ComputeHash() (string, error) {
	c := *r
	c.Hash = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("hash record %s: %w", r.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify verifies the record's hash integrity. A record that cannot be
// hashed does not verify.
func (r *Record) Verify() bool {
	hash, err := r.ComputeHash()
	return err == nil && r.Hash == hash
}

// VerifyChain checks hashes and linkage of records in append order. It
// returns the index of the first bad record, or -1.
func VerifyChain(records []Record) (bool, int) {
	for i := range records {
		if !records[i].Verify() {
			return false, i
		}
		if i > 0 && records[i].PreviousHash != records[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

// Store persists journal records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit of the newest records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Journal links each finished session to the previous entry and writes it
// to a Store.
type Journal struct {
	mu       sync.Mutex
	store    Store
	lastHash string
	logger   *slog.Logger
}

// NewJournal continues the chain already present in store.
func NewJournal(ctx context.Context, store Store, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	last := GenesisHash
	recent, err := store.Recent(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if len(recent) > 0 {
		last = recent[len(recent)-1].Hash
	}
	return &Journal{store: store, lastHash: last, logger: logger.With("component", "evidence")}, nil
}

// Record appends res to the journal.
func (j *Journal) Record(ctx context.Context, res session.Result) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{
		ID:           uuid.New(),
		Session:      res,
		RecordedAt:   time.Now().UTC(),
		PreviousHash: j.lastHash,
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash
	if err := j.store.Append(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("journal session %s: %w", res.SessionID, err)
	}
	j.lastHash = rec.Hash
	j.logger.Debug("session journaled", "id", rec.ID, "session", res.SessionID, "hash", rec.Hash)
	return rec, nil
}

// Recent returns up to limit of the newest records, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	return j.store.Recent(ctx, limit)
}
