package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

const defaultLockTimeout = 5 * time.Second

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: defaultLockTimeout}
}

// WithLockTimeout bounds how long InStepTx waits for the step's advisory lock.
func (s *PostgresStore) WithLockTimeout(timeout time.Duration) *PostgresStore {
	if timeout > 0 {
		s.lockTimeout = timeout
	}
	return s
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertStep(ctx context.Context, step Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, timeline_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, step.ID, step.TimelineID, step.Name, step.CreatedAt)
	return mapError("insert step", err)
}

func (s *PostgresStore) GetStep(ctx context.Context, stepID string) (Step, error) {
	return getStep(ctx, s.db, stepID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM step_documents WHERE id=$1`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, mapError("get document", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListStepDocuments(ctx context.Context, stepID string) ([]Document, error) {
	return listStepDocuments(ctx, s.db, stepID)
}

// ListCurrentDocuments returns every current document across steps.
func (s *PostgresStore) ListCurrentDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM step_documents
		WHERE is_current AND session_id IS NOT NULL
		ORDER BY step_id, document_type
	`)
	if err != nil {
		return nil, mapError("list current documents", err)
	}
	defer rows.Close()
	return scanDocuments(rows, "list current documents")
}

// ListVersionedStepIDs returns steps that hold at least one versioned
// document, ordered by id. limit <= 0 means no limit.
func (s *PostgresStore) ListVersionedStepIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT DISTINCT step_id FROM step_documents WHERE session_id IS NOT NULL ORDER BY step_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list step ids", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("scan step id", err)
		}
		ids = append(ids, id)
	}
	return ids, mapError("list step ids", rows.Err())
}

// InStepTx runs fn in one transaction holding the step's advisory lock.
// Everything fn writes commits together or not at all.
func (s *PostgresStore) InStepTx(ctx context.Context, stepID string, fn func(StepTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin step tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// SET LOCAL does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError("set lock timeout", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("step_documents", stepID)); err != nil {
		return mapError("lock step "+stepID, err)
	}

	if err := fn(&pgStepTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit step tx", err)
	}
	committed = true
	return nil
}

// advisoryKey hashes namespace:id into the signed 64-bit space used by
// pg_advisory_xact_lock.
func advisoryKey(namespace, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace + ":" + id))
	return int64(h.Sum64())
}

type pgStepTx struct {
	tx *sql.Tx
}

func (t *pgStepTx) GetStep(ctx context.Context, stepID string) (Step, error) {
	return getStep(ctx, t.tx, stepID)
}

func (t *pgStepTx) ListStepDocuments(ctx context.Context, stepID string) ([]Document, error) {
	return listStepDocuments(ctx, t.tx, stepID)
}

func (t *pgStepTx) InsertDocument(ctx context.Context, doc Document) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO step_documents (
			id, step_id, document_type, original_name, storage_key, download_url,
			size_bytes, mime_type, uploaded_by, created_at, session_id,
			version, is_current, superseded_by_document_id, superseded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, doc.ID, doc.StepID, string(doc.DocumentType), doc.OriginalName, doc.StorageKey, doc.DownloadURL,
		doc.SizeBytes, doc.MimeType, doc.UploadedBy, doc.CreatedAt, nullString(doc.SessionID),
		doc.Version, doc.IsCurrent, nullString(doc.SupersededByID), nullTime(doc.SupersededAt))
	return mapError("insert document", err)
}

func (t *pgStepTx) DeleteDocuments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM step_documents WHERE id = ANY($1)`, ids)
	return mapError("delete documents", err)
}

// UpdateVersioning writes the derived fields of docs. Rows losing the current
// flag are written first so the one-current-per-type index never sees two.
func (t *pgStepTx) UpdateVersioning(ctx context.Context, docs []Document) error {
	ordered := append([]Document(nil), docs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].IsCurrent && ordered[j].IsCurrent
	})
	for _, doc := range ordered {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE step_documents
			SET version=$2, is_current=$3, superseded_by_document_id=$4, superseded_at=$5
			WHERE id=$1
		`, doc.ID, doc.Version, doc.IsCurrent, nullString(doc.SupersededByID), nullTime(doc.SupersededAt))
		if err != nil {
			return mapError("update versioning "+doc.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return mapError("update versioning "+doc.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("update versioning %s: %w", doc.ID, ErrNotFound)
		}
	}
	return nil
}

const documentColumns = `id, step_id, document_type, original_name, storage_key, download_url,
	size_bytes, mime_type, uploaded_by, created_at, session_id,
	version, is_current, superseded_by_document_id, superseded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc          Document
		docType      string
		sessionID    sql.NullString
		supersededBy sql.NullString
		supersededAt sql.NullTime
	)
	if err := row.Scan(
		&doc.ID, &doc.StepID, &docType, &doc.OriginalName, &doc.StorageKey, &doc.DownloadURL,
		&doc.SizeBytes, &doc.MimeType, &doc.UploadedBy, &doc.CreatedAt, &sessionID,
		&doc.Version, &doc.IsCurrent, &supersededBy, &supersededAt,
	); err != nil {
		return Document{}, err
	}
	doc.DocumentType = DocumentType(docType)
	doc.CreatedAt = doc.CreatedAt.UTC()
	if sessionID.Valid {
		doc.SessionID = &sessionID.String
	}
	if supersededBy.Valid {
		doc.SupersededByID = &supersededBy.String
	}
	if supersededAt.Valid {
		at := supersededAt.Time.UTC()
		doc.SupersededAt = &at
	}
	return doc, nil
}

func scanDocuments(rows *sql.Rows, op string) ([]Document, error) {
	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return docs, nil
}

func getStep(ctx context.Context, q queryer, stepID string) (Step, error) {
	var step Step
	err := q.QueryRowContext(ctx, `SELECT id, timeline_id, name, created_at FROM steps WHERE id=$1`, stepID).
		Scan(&step.ID, &step.TimelineID, &step.Name, &step.CreatedAt)
	if err != nil {
		return Step{}, mapError("get step", err)
	}
	step.CreatedAt = step.CreatedAt.UTC()
	return step, nil
}

func listStepDocuments(ctx context.Context, q queryer, stepID string) ([]Document, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM step_documents
		WHERE step_id=$1
		ORDER BY created_at ASC, id ASC
	`, stepID)
	if err != nil {
		return nil, mapError("list step documents", err)
	}
	defer rows.Close()
	return scanDocuments(rows, "list step documents")
}

func nullString(value *string) sql.NullString {
	if value == nil || strings.TrimSpace(*value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
