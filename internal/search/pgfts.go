package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across submissions and proposals using
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterKind == "" || q.FilterKind == KindSubmission {
		where := "s.fts @@ " + tsQuery
		if q.FilterSessionID != "" {
			where += fmt.Sprintf(" AND s.session_id = $%d", argN)
			args = append(args, q.FilterSessionID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'submission'::text AS kind, s.session_id || '_' || s.user_id AS id,
				s.session_id, s.title_raw AS title, s.artist_raw AS artist,
				ts_headline('simple', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(s.fts, %s) AS rank
			FROM submissions s
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterKind == "" || q.FilterKind == KindProposal {
		where := "p.fts @@ " + tsQuery
		if q.FilterSessionID != "" {
			where += fmt.Sprintf(" AND p.session_id = $%d", argN)
			args = append(args, q.FilterSessionID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'proposal'::text AS kind, p.id, p.session_id,
				p.title, p.artist,
				ts_headline('simple', coalesce(p.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(p.fts, %s) AS rank
			FROM proposals p
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT kind, id, session_id, title, artist, snippet
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
		var kind string
		if err := rows.Scan(&kind, &r.ID, &r.SessionID, &r.Title, &r.Artist, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Kind = SongKind(kind)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable song for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SongRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id || '_' || user_id, 'submission', session_id, title_raw, artist_raw, coalesce(description, '')
		FROM submissions
		UNION ALL
		SELECT id, 'proposal', session_id, title, artist, coalesce(notes, '')
		FROM proposals
	`)
	if err != nil {
		return nil, fmt.Errorf("load songs: %w", err)
	}
	defer rows.Close()

	songs := make([]SongRecord, 0)
	for rows.Next() {
		var s SongRecord
		if err := rows.Scan(&s.ID, &s.Kind, &s.SessionID, &s.Title, &s.Artist, &s.Notes); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		songs = append(songs, s)
	}
	return songs, rows.Err()
}
