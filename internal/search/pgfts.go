package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Rundown titles and notes ride on the generated fts column; item rows are
// searched by expanding the items JSONB array.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across rundowns and their item rows using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultRundown {
		where := "r.fts @@ " + tsQuery
		if q.FilterTeamID != "" {
			where += fmt.Sprintf(" AND r.team_id = $%d", argN)
			args = append(args, q.FilterTeamID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'rundown'::text AS type, r.id, r.title,
				ts_headline('english', coalesce(r.external_notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS rundown_id, r.team_id,
				ts_rank(r.fts, %s) AS rank
			FROM rundowns r
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultItem {
		itemVector := "to_tsvector('english', coalesce(it->>'name', '') || ' ' || coalesce(it->>'talent', '') || ' ' || coalesce(it->>'script', '') || ' ' || coalesce(it->>'notes', ''))"
		where := itemVector + " @@ " + tsQuery
		if q.FilterTeamID != "" {
			where += fmt.Sprintf(" AND r.team_id = $%d", argN)
			args = append(args, q.FilterTeamID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'item'::text AS type, (it->>'id'), coalesce(it->>'name', '') AS title,
				ts_headline('english', coalesce(it->>'script', '') || ' ' || coalesce(it->>'notes', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS rundown_id, r.team_id,
				ts_rank(%s, %s) AS rank
			FROM rundowns r, jsonb_array_elements(r.items) it
			WHERE %s`, tsQuery, itemVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, rundown_id, team_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.RundownID, &r.TeamID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RundownRecord, []ItemRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, show_date, external_notes, team_id, items
		FROM rundowns
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load rundowns: %w", err)
	}
	defer rows.Close()

	rundowns := make([]RundownRecord, 0)
	items := make([]ItemRecord, 0)
	for rows.Next() {
		var r RundownRecord
		var itemsJSON []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.ShowDate, &r.ExternalNotes, &r.TeamID, &itemsJSON); err != nil {
			return nil, nil, fmt.Errorf("scan rundown: %w", err)
		}
		rundowns = append(rundowns, r)

		var rowItems []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Talent string `json:"talent"`
			Script string `json:"script"`
			Notes  string `json:"notes"`
		}
		if err := json.Unmarshal(itemsJSON, &rowItems); err != nil {
			return nil, nil, fmt.Errorf("decode items for %s: %w", r.ID, err)
		}
		for _, it := range rowItems {
			items = append(items, ItemRecord{
				ID:        it.ID,
				Name:      it.Name,
				Talent:    it.Talent,
				Script:    it.Script,
				Notes:     it.Notes,
				RundownID: r.ID,
				TeamID:    r.TeamID,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rundowns: %w", err)
	}

	return rundowns, items, nil
}
