package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a compare-and-swap write loses the race:
// the row's doc_version no longer equals the version the writer observed.
var ErrVersionConflict = errors.New("version conflict")

// ErrNotFound is returned for lookups of rundowns that do not exist.
var ErrNotFound = errors.New("rundown not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const rundownColumns = `id, team_id, title, start_time, timezone, show_date, external_notes, columns, items, doc_version, updated_by, tab_id, created_at, updated_at`

func (s *PostgresStore) scanRundown(row interface{ Scan(...any) error }) (Rundown, error) {
	var r Rundown
	var columnsJSON, itemsJSON []byte
	err := row.Scan(&r.ID, &r.TeamID, &r.Title, &r.StartTime, &r.Timezone, &r.ShowDate,
		&r.ExternalNotes, &columnsJSON, &itemsJSON, &r.DocVersion, &r.UpdatedBy, &r.TabID,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rundown{}, ErrNotFound
	}
	if err != nil {
		return Rundown{}, fmt.Errorf("scan rundown: %w", err)
	}
	if err := json.Unmarshal(columnsJSON, &r.Columns); err != nil {
		return Rundown{}, fmt.Errorf("decode columns: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &r.Items); err != nil {
		return Rundown{}, fmt.Errorf("decode items: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRundown(ctx context.Context, id string) (Rundown, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rundownColumns+` FROM rundowns WHERE id=$1`, id)
	return s.scanRundown(row)
}

func (s *PostgresStore) ListRundowns(ctx context.Context, teamID string) ([]RundownSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, show_date, start_time, jsonb_array_length(items), doc_version, updated_at
		FROM rundowns
		WHERE team_id = $1 OR $1 = ''
		ORDER BY updated_at DESC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list rundowns: %w", err)
	}
	defer rows.Close()

	summaries := make([]RundownSummary, 0)
	for rows.Next() {
		var r RundownSummary
		if err := rows.Scan(&r.ID, &r.Title, &r.ShowDate, &r.StartTime, &r.ItemCount, &r.DocVersion, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rundown summary: %w", err)
		}
		summaries = append(summaries, r)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) CreateRundown(ctx context.Context, r Rundown) (Rundown, error) {
	columnsJSON, err := json.Marshal(nonNilColumns(r.Columns))
	if err != nil {
		return Rundown{}, fmt.Errorf("encode columns: %w", err)
	}
	itemsJSON, err := json.Marshal(nonNilItems(r.Items))
	if err != nil {
		return Rundown{}, fmt.Errorf("encode items: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO rundowns (id, team_id, title, start_time, timezone, show_date, external_notes, columns, items, updated_by, tab_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+rundownColumns,
		r.ID, r.TeamID, r.Title, r.StartTime, r.Timezone, r.ShowDate, r.ExternalNotes,
		columnsJSON, itemsJSON, r.UpdatedBy, r.TabID)
	return s.scanRundown(row)
}

// UpdateRundown performs the compare-and-swap write: it succeeds only if the
// row's doc_version still equals expectedVersion, in which case the version
// advances by exactly one. A mismatch surfaces ErrVersionConflict; the caller
// runs its conflict-resolution path instead of overwriting.
func (s *PostgresStore) UpdateRundown(ctx context.Context, id string, patch RundownPatch, expectedVersion int64) (SaveResult, error) {
	var itemsJSON []byte
	if patch.Items != nil {
		encoded, err := json.Marshal(patch.Items)
		if err != nil {
			return SaveResult{}, fmt.Errorf("encode items: %w", err)
		}
		itemsJSON = encoded
	}
	var columnsJSON []byte
	if patch.Columns != nil {
		encoded, err := json.Marshal(patch.Columns)
		if err != nil {
			return SaveResult{}, fmt.Errorf("encode columns: %w", err)
		}
		columnsJSON = encoded
	}

	var result SaveResult
	err := s.db.QueryRowContext(ctx, `
		UPDATE rundowns SET
			title          = COALESCE($3, title),
			start_time     = COALESCE($4, start_time),
			timezone       = COALESCE($5, timezone),
			show_date      = COALESCE($6, show_date),
			external_notes = COALESCE($7, external_notes),
			columns        = COALESCE($8, columns),
			items          = COALESCE($9, items),
			updated_by     = $10,
			tab_id         = $11,
			doc_version    = doc_version + 1,
			updated_at     = NOW()
		WHERE id = $1 AND doc_version = $2
		RETURNING doc_version, updated_at
	`, id, expectedVersion,
		patch.Title, patch.StartTime, patch.Timezone, patch.ShowDate, patch.ExternalNotes,
		columnsJSON, itemsJSON, patch.UpdatedBy, patch.TabID).
		Scan(&result.DocVersion, &result.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Row missing or version moved underneath us; tell them apart.
		var current int64
		checkErr := s.db.QueryRowContext(ctx, `SELECT doc_version FROM rundowns WHERE id=$1`, id).Scan(&current)
		if errors.Is(checkErr, sql.ErrNoRows) {
			return SaveResult{}, ErrNotFound
		}
		if checkErr != nil {
			return SaveResult{}, fmt.Errorf("check version: %w", checkErr)
		}
		return SaveResult{}, fmt.Errorf("expected doc_version %d, store has %d: %w", expectedVersion, current, ErrVersionConflict)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("update rundown: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) DeleteRundown(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rundowns WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rundown: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rundown rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}

func nonNilColumns(columns []Column) []Column {
	if columns == nil {
		return []Column{}
	}
	return columns
}
