package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over PostgreSQL as a fallback. Labels live only in
// the overlay history, so it matches annotator, document name and source text.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, "%" + q.Text + "%"}
	where := []string{fmt.Sprintf("(ad.annotator ILIKE $2 OR sd.name ILIKE $2 OR to_tsvector('simple', sd.text) @@ %s)", tsQuery)}
	if q.FilterProjectID != "" {
		args = append(args, q.FilterProjectID)
		where = append(where, fmt.Sprintf("sd.project_id = $%d", len(args)))
	}
	if q.FilterState != "" {
		args = append(args, q.FilterState)
		where = append(where, fmt.Sprintf("ad.state = $%d", len(args)))
	}

	from := `
		FROM annotation_documents ad
		JOIN source_documents sd ON sd.id = ad.document_id
		WHERE ` + strings.Join(where, " AND ")

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT ad.document_id, ad.annotator, ad.state, sd.project_id, sd.name,
			ts_headline('simple', sd.text, %s, 'MaxFragments=1,MaxWords=30')
		%s
		ORDER BY ts_rank(to_tsvector('simple', sd.text), %s) DESC, sd.name, ad.annotator
		LIMIT %d OFFSET %d`, tsQuery, from, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.Annotator, &r.State, &r.ProjectID, &r.DocumentName, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = RecordID(r.DocumentID, r.Annotator)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
