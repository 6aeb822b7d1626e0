package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/dbutil"
)

const (
	schemaLockKey = int64(2026021001)
	reaperLockKey = int64(2026021002)
)

type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_ref TEXT,
	inline_payload JSONB,
	status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	doc_type TEXT,
	event_type TEXT,
	confidence DOUBLE PRECISION CHECK (confidence BETWEEN 0 AND 1),
	error_message TEXT,
	processing_time DOUBLE PRECISION,
	model_version TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at DESC);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	entity_type TEXT NOT NULL,
	text TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	start_pos INTEGER,
	end_pos INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_document_id ON entities(document_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	ref, payload := domain.SourceFields(doc.Source)
	var payloadJSON []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal inline payload: %w", err)
		}
		payloadJSON = raw
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (id, source_ref, inline_payload, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, doc.ID, nullString(ref), payloadJSON, string(doc.Status), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return mapWriteError("insert document", err)
	}
	return nil
}

const documentColumns = `id, source_ref, inline_payload, status, doc_type, event_type, confidence,
	error_message, processing_time, model_version, created_at, updated_at`

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	entities, err := r.listEntities(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Entities = entities
	return doc, nil
}

func (r *DocumentRepository) listEntities(ctx context.Context, documentID string) ([]domain.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, entity_type, text, confidence, start_pos, end_pos
FROM entities
WHERE document_id = $1
ORDER BY start_pos NULLS LAST, id
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := []domain.Entity{}
	for rows.Next() {
		var e domain.Entity
		var start, end sql.NullInt64
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.EntityType, &e.Text, &e.Confidence, &start, &end); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.StartPos = intPtr(start)
		e.EndPos = intPtr(end)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

func (r *DocumentRepository) Update(ctx context.Context, id string, update domain.DocumentUpdate) error {
	return r.update(ctx, r.db, id, update)
}

func (r *DocumentRepository) update(ctx context.Context, q dbutil.Querier, id string, update domain.DocumentUpdate) error {
	if update.Status != nil && !update.Status.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "update document", fmt.Errorf("unknown status %q", *update.Status))
	}
	query, args := dbutil.UpdateStatement(id, update, r.now(), dbutil.Dollar)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError("update document", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return dbutil.ExplainNoRows(ctx, q, id, dbutil.Dollar)
	}
	return nil
}

func (r *DocumentRepository) List(ctx context.Context, offset, limit int) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (r *DocumentRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return total, nil
}

func (r *DocumentRepository) AddEntities(ctx context.Context, documentID string, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entities tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertEntities(ctx, tx, documentID, entities); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entities tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Complete(ctx context.Context, id string, update domain.DocumentUpdate, entities []domain.Entity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := r.update(ctx, tx, id, update); err != nil {
		return err
	}
	if err := insertEntities(ctx, tx, id, entities); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// FailStaleProcessing marks documents stuck in processing as failed. Only one
// instance reaps at a time; the others return 0.
func (r *DocumentRepository) FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reaper tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, reaperLockKey).Scan(&locked); err != nil {
		return 0, fmt.Errorf("acquire reaper lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	now := r.now()
	result, err := tx.ExecContext(ctx, `
UPDATE documents
SET status = 'failed', error_message = $1, updated_at = $2
WHERE id IN (
	SELECT id FROM documents
	WHERE status = 'processing' AND updated_at < $3
	ORDER BY updated_at
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
`, staleMessage(maxAge), now, now.Add(-maxAge), batchSize)
	if err != nil {
		return 0, fmt.Errorf("fail stale documents: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reaper tx: %w", err)
	}
	return rows, nil
}

func insertEntities(ctx context.Context, q dbutil.Querier, documentID string, entities []domain.Entity) error {
	for _, e := range entities {
		_, err := q.ExecContext(ctx, `
INSERT INTO entities (id, document_id, entity_type, text, confidence, start_pos, end_pos)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, e.ID, documentID, e.EntityType, e.Text, e.Confidence, e.StartPos, e.EndPos)
		if err != nil {
			return mapWriteError("insert entity", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var ref sql.NullString
	var payloadRaw []byte
	var status string
	var docType, eventType, errMessage, modelVersion sql.NullString
	var confidence, processingTime sql.NullFloat64

	if err := row.Scan(
		&doc.ID, &ref, &payloadRaw, &status, &docType, &eventType, &confidence,
		&errMessage, &processingTime, &modelVersion, &doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var payload map[string]any
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal inline payload: %w", err)
		}
	}
	if source, err := domain.NewSource(ref.String, payload); err == nil {
		doc.Source = source
	}

	doc.Status = domain.DocumentStatus(status)
	doc.DocType = stringPtr(docType)
	doc.EventType = stringPtr(eventType)
	doc.Confidence = floatPtr(confidence)
	doc.ErrorMessage = stringPtr(errMessage)
	doc.ProcessingTime = floatPtr(processingTime)
	doc.ModelVersion = stringPtr(modelVersion)
	return &doc, nil
}

func mapWriteError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return domain.WrapError(domain.ErrDocumentNotFound, operation, err)
		case pgerrcode.UniqueViolation, pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return domain.WrapError(domain.ErrInvalidInput, operation, err)
		}
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func staleMessage(maxAge time.Duration) string {
	return fmt.Sprintf("processing abandoned: no progress for %s", maxAge)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
