package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/tracksync/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	db DB
}

// NewRunStore creates a RunStore over db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.db.Close()
}

// UpsertRunStart inserts a run in running status or refreshes its label and total.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, label string, total int, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, label, total, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET label = EXCLUDED.label, total = EXCLUDED.total;
	`
	if _, err := s.db.Exec(ctx, query, runID, label, total, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// RecordItem inserts or replaces the outcome of one item.
func (s *RunStore) RecordItem(ctx context.Context, item store.ItemRecord) error {
	query := `
		INSERT INTO run_items (run_id, idx, key, title, artists, status, locators, message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, idx) DO UPDATE
		SET key = EXCLUDED.key, title = EXCLUDED.title, artists = EXCLUDED.artists,
			status = EXCLUDED.status, locators = EXCLUDED.locators,
			message = EXCLUDED.message, updated_at = EXCLUDED.updated_at;
	`
	locators := item.Locators
	if locators == nil {
		locators = []string{}
	}
	_, err := s.db.Exec(ctx, query,
		item.RunID,
		item.Index,
		item.Key,
		item.Title,
		item.Artists,
		item.Status,
		locators,
		item.Message,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run item: %w", err)
	}
	return nil
}

// CompleteRun marks a run terminal.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counters store.Counters,
	errMsg *string,
) error {
	query := `
		UPDATE runs
		SET finished_at = $1, status = $2, total = $3, downloaded = $4,
			skipped = $5, failed = $6, error_message = $7
		WHERE id = $8;
	`
	tag, err := s.db.Exec(ctx, query,
		finishedAt,
		status,
		counters.Total,
		counters.Downloaded,
		counters.Skipped,
		counters.Failed,
		errMsg,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, label, started_at, finished_at, status, total, downloaded, skipped, failed, error_message`

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1;`
	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, filter, limitArg(limit), offsetArg(offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunItems returns the recorded items of a run ordered by index.
func (s *RunStore) ListRunItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	query := `
		SELECT run_id, idx, key, title, artists, status, locators, message, updated_at
		FROM run_items
		WHERE run_id = $1
		ORDER BY idx
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, runID, limitArg(limit), offsetArg(offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	defer rows.Close()

	items := []store.ItemRecord{}
	for rows.Next() {
		var item store.ItemRecord
		err := rows.Scan(
			&item.RunID,
			&item.Index,
			&item.Key,
			&item.Title,
			&item.Artists,
			&item.Status,
			&item.Locators,
			&item.Message,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run items: %w", err)
	}
	return items, nil
}

func scanRun(row pgx.Row) (store.RunRecord, error) {
	var (
		run    store.RunRecord
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Label,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Total,
		&run.Downloaded,
		&run.Skipped,
		&run.Failed,
		&run.ErrorMessage,
	)
	run.Status = store.RunStatus(status)
	return run, err
}
