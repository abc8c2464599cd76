package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultCompletionTable holds one JSONB mapping per named record.
const DefaultCompletionTable = "completion_records"

// CompletionStore keeps the completion mapping as a single JSONB row, so a
// Save replaces the whole record in one statement.
type CompletionStore struct {
	db    DB
	table string
	name  string
}

// NewCompletionStore returns a store for the record called name in table.
func NewCompletionStore(db DB, table, name string) (*CompletionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultCompletionTable
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if name == "" {
		name = "default"
	}
	return &CompletionStore{db: db, table: table, name: name}, nil
}

// Migrate creates the completion table.
func (s *CompletionStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name       text PRIMARY KEY,
	mapping    jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create completion table: %w", err)
	}
	return nil
}

// Load reads the mapping. A missing row yields an empty mapping.
func (s *CompletionStore) Load(ctx context.Context) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT mapping FROM %s WHERE name = $1`, s.table)
	var raw []byte
	err := s.db.QueryRow(ctx, query, s.name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load completion record: %w", err)
	}
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode completion record: %w", err)
	}
	return out, nil
}

// Save replaces the record with mapping.
func (s *CompletionStore) Save(ctx context.Context, mapping map[string]string) error {
	if mapping == nil {
		mapping = map[string]string{}
	}
	raw, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode completion record: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, mapping, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET mapping = EXCLUDED.mapping, updated_at = now()`, s.table)
	if _, err := s.db.Exec(ctx, query, s.name, raw); err != nil {
		return fmt.Errorf("save completion record: %w", err)
	}
	return nil
}
