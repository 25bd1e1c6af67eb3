package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

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

	where := `d.deleted_at IS NULL
		AND to_tsvector('english', d.title || ' ' || d.content) @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND d.status = $%d", len(args))
	}
	if q.AuthorID != "" {
		args = append(args, q.AuthorID)
		where += fmt.Sprintf(" AND d.author_id = $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT d.id, d.title, d.status, d.author_id,
			ts_headline('english', d.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER () AS total
		FROM approval_documents d
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', d.title || ' ' || d.content), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var result Result
		if err := rows.Scan(&result.ID, &result.Title, &result.Status, &result.AuthorID, &result.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}
