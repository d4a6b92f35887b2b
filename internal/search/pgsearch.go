package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgSearch implements Searcher with ILIKE over current rows in Postgres.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	where := []string{"d.is_current", "d.session_id IS NOT NULL", "(lower(d.original_name) LIKE $1 OR d.document_type LIKE upper($2))"}
	args := []any{"%" + escapeLike(strings.ToLower(text)) + "%", escapeLike(text) + "%"}
	if docType := normalizeType(q.DocumentType); docType != "" {
		args = append(args, docType)
		where = append(where, fmt.Sprintf("d.document_type = $%d", len(args)))
	}
	if q.StepID != "" {
		args = append(args, q.StepID)
		where = append(where, fmt.Sprintf("d.step_id = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM step_documents d WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.step_id, d.document_type, d.original_name, d.version, d.uploaded_by, d.created_at
		FROM step_documents d
		WHERE %s
		ORDER BY d.created_at DESC, d.id
		LIMIT %d OFFSET %d`, clause, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var (
			r         Result
			createdAt time.Time
		)
		if err := rows.Scan(&r.DocumentID, &r.StepID, &r.DocumentType, &r.OriginalName, &r.Version, &r.UploadedBy, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		r.CreatedAt = createdAt.UTC()
		r.Snippet = r.OriginalName
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
