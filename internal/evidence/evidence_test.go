package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/memo"
	"github.com/ocx/memopay/internal/session"
)

func sampleResult(n byte) session.Result {
	var req, resp, proof ledger.Signature
	req[0], resp[0], proof[0] = n, n+1, n+2
	return session.Result{
		SessionID:   uuid.New(),
		Role:        session.RoleRequester,
		ServiceType: "hash",
		Payment:     ledger.SOL(0.1),
		RequestSig:  req,
		ResponseSig: resp,
		ProofSig:    proof,
		Verdict:     memo.StatusVerified,
		State:       session.StateDone,
		StartedAt:   time.Now(),
		FinishedAt:  time.Now(),
	}
}

func TestJournalChainsRecords(t *testing.T) {
	ctx := context.Background()
	j, err := NewJournal(ctx, NewMemoryStore(10), nil)
	require.NoError(t, err)

	first, err := j.Record(ctx, sampleResult(1))
	require.NoError(t, err)
	second, err := j.Record(ctx, sampleResult(4))
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Equal(t, first.Hash, second.PreviousHash)

	recent, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	ok, bad := VerifyChain(recent)
	assert.True(t, ok)
	assert.Equal(t, -1, bad)

	recent[1].Session.Verdict = memo.StatusFailed
	ok, bad = VerifyChain(recent)
	assert.False(t, ok)
	assert.Equal(t, 1, bad)
}

func TestComputeHashIgnoresStoredHash(t *testing.T) {
	ctx := context.Background()
	j, err := NewJournal(ctx, NewMemoryStore(10), nil)
	require.NoError(t, err)
	rec, err := j.Record(ctx, sampleResult(7))
	require.NoError(t, err)

	hash, err := rec.ComputeHash()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Equal(t, rec.Hash, hash)

	rec.Hash = "tampered"
	again, err := rec.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, hash, again)
	assert.False(t, rec.Verify())
}

func TestMemoryStoreIsBounded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	for i := byte(0); i < 5; i++ {
		require.NoError(t, s.Append(ctx, Record{ID: uuid.New(), Session: sampleResult(i * 3)}))
	}
	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, byte(12), all[1].Session.RequestSig[0])

	one, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, all[1].ID, one[0].ID)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.jsonl")

	missing, err := NewFileStore(path).Recent(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, missing)

	j, err := NewJournal(ctx, NewFileStore(path), nil)
	require.NoError(t, err)
	for i := byte(0); i < 3; i++ {
		_, err := j.Record(ctx, sampleResult(i*3))
		require.NoError(t, err)
	}

	reopened, err := NewJournal(ctx, NewFileStore(path), nil)
	require.NoError(t, err)
	last, err := reopened.Record(ctx, sampleResult(30))
	require.NoError(t, err)

	all, err := NewFileStore(path).Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, last.ID, all[3].ID)
	ok, bad := VerifyChain(all)
	assert.True(t, ok, "chain broken at %d", bad)

	newest, err := NewFileStore(path).Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, all[2].ID, newest[0].ID)
}

func TestFileStoreRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	_, err := NewFileStore(path).Recent(context.Background(), 1)
	assert.ErrorContains(t, err, "line 1")
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MEMOPAY_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("MEMOPAY_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	j, err := NewJournal(ctx, s, nil)
	require.NoError(t, err)
	rec, err := j.Record(ctx, sampleResult(9))
	require.NoError(t, err)

	recent, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rec.ID, recent[0].ID)
	assert.True(t, recent[0].Verify())
}
