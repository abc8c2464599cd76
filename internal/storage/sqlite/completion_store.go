// Package sqlite provides a completion store on an embedded SQLite database
// (pure Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS completion (
	record  TEXT NOT NULL,
	key     TEXT NOT NULL,
	locator TEXT NOT NULL,
	PRIMARY KEY (record, key)
);`

// CompletionStore keeps the mapping as one row per key. Save swaps the rows of
// its record inside a transaction, so readers see the old or the new mapping.
type CompletionStore struct {
	db     *sql.DB
	record string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path, record string) (*CompletionStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if record == "" {
		record = "default"
	}
	return &CompletionStore{db: db, record: record}, nil
}

// Close closes the database.
func (s *CompletionStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Load reads the mapping. An unknown record yields an empty mapping.
func (s *CompletionStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, locator FROM completion WHERE record = ?`, s.record)
	if err != nil {
		return nil, fmt.Errorf("query completion: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var key, locator string
		if err := rows.Scan(&key, &locator); err != nil {
			return nil, fmt.Errorf("scan completion row: %w", err)
		}
		out[key] = locator
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completion rows: %w", err)
	}
	return out, nil
}

// Save replaces the record's rows with mapping.
func (s *CompletionStore) Save(ctx context.Context, mapping map[string]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM completion WHERE record = ?`, s.record); err != nil {
		return fmt.Errorf("clear completion: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO completion (record, key, locator) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare completion insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for key, locator := range mapping {
		if _, err = stmt.ExecContext(ctx, s.record, key, locator); err != nil {
			return fmt.Errorf("insert completion %q: %w", key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit completion save: %w", err)
	}
	return nil
}
