package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps decision records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			request_id TEXT,
			client_ip TEXT,
			host TEXT,
			method TEXT,
			path TEXT,
			policy TEXT,
			revision TEXT,
			stage TEXT,
			action TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			human INTEGER NOT NULL DEFAULT 0,
			score INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status_code)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_policy ON decisions(policy)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Write(rec Record) error {
	rec.Reasons = sanitizeReasons(rec.Reasons)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO decisions
		(id, ts, request_id, client_ip, host, method, path, policy, revision, stage, action, status_code, human, score, duration_ms, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.Timestamp.UTC(), rec.RequestID, rec.ClientIP, rec.Host, rec.Method, rec.Path,
		rec.Policy, rec.Revision, rec.Stage, rec.Action, rec.StatusCode, rec.Human, rec.Score, rec.DurationMS, string(data))
	if err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM decisions ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSince counts records by status code newer than since.
func (s *SQLiteStore) CountSince(ctx context.Context, since time.Time) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status_code, COUNT(*) FROM decisions WHERE ts >= ? GROUP BY status_code`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	out := map[int]int{}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
