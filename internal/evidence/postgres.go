package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS memopay_sessions (
	id             UUID PRIMARY KEY,
	recorded_at    TIMESTAMPTZ NOT NULL,
	role           TEXT NOT NULL,
	request_sig    TEXT NOT NULL DEFAULT '',
	response_sig   TEXT NOT NULL DEFAULT '',
	proof_sig      TEXT NOT NULL DEFAULT '',
	verdict        TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	hash           TEXT NOT NULL,
	previous_hash  TEXT NOT NULL,
	record         JSONB NOT NULL
)`

// PostgresStore persists records to the memopay_sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dbURL and creates the table if needed.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memopay_sessions: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res := r.Session
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memopay_sessions
			(id, recorded_at, role, request_sig, response_sig, proof_sig, verdict, failure_reason, hash, previous_hash, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID.String(), r.RecordedAt, string(res.Role),
		res.RequestSig.String(), res.ResponseSig.String(), res.ProofSig.String(),
		string(res.Verdict), string(res.FailureReason),
		r.Hash, r.PreviousHash, payload,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", res.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM memopay_sessions ORDER BY recorded_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var newestFirst []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		newestFirst = append(newestFirst, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, len(newestFirst))
	for i, r := range newestFirst {
		out[len(out)-1-i] = r
	}
	return out, nil
}
