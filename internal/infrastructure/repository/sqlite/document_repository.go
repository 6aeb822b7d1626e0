package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/dbutil"
)

// DocumentRepository is the embedded single-node store. Timestamps are kept
// as unix nanoseconds.
type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func OpenDB(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_ref TEXT,
	inline_payload TEXT,
	status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	doc_type TEXT,
	event_type TEXT,
	confidence REAL CHECK (confidence BETWEEN 0 AND 1),
	error_message TEXT,
	processing_time REAL,
	model_version TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at DESC);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	entity_type TEXT NOT NULL,
	text TEXT NOT NULL,
	confidence REAL NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	start_pos INTEGER,
	end_pos INTEGER
);

CREATE INDEX IF NOT EXISTS idx_entities_document_id ON entities(document_id);
`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	ref, payload := domain.SourceFields(doc.Source)
	var payloadJSON sql.NullString
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal inline payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (id, source_ref, inline_payload, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, doc.ID, sql.NullString{String: ref, Valid: ref != ""}, payloadJSON, string(doc.Status),
		doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		return mapWriteError("insert document", err)
	}
	return nil
}

const documentColumns = `id, source_ref, inline_payload, status, doc_type, event_type, confidence,
	error_message, processing_time, model_version, created_at, updated_at`

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, entity_type, text, confidence, start_pos, end_pos
FROM entities
WHERE document_id = ?
ORDER BY start_pos IS NULL, start_pos, id
`, id)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	doc.Entities = []domain.Entity{}
	for rows.Next() {
		var e domain.Entity
		var start, end sql.NullInt64
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.EntityType, &e.Text, &e.Confidence, &start, &end); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.StartPos = intPtr(start)
		e.EndPos = intPtr(end)
		doc.Entities = append(doc.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) Update(ctx context.Context, id string, update domain.DocumentUpdate) error {
	return r.update(ctx, r.db, id, update)
}

func (r *DocumentRepository) update(ctx context.Context, q dbutil.Querier, id string, update domain.DocumentUpdate) error {
	if update.Status != nil && !update.Status.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "update document", fmt.Errorf("unknown status %q", *update.Status))
	}
	query, args := dbutil.UpdateStatement(id, update, r.now().UnixNano(), dbutil.Question)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError("update document", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return dbutil.ExplainNoRows(ctx, q, id, dbutil.Question)
	}
	return nil
}

func (r *DocumentRepository) List(ctx context.Context, offset, limit int) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?
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
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return insertEntities(ctx, tx, documentID, entities)
	})
}

func (r *DocumentRepository) Complete(ctx context.Context, id string, update domain.DocumentUpdate, entities []domain.Entity) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.update(ctx, tx, id, update); err != nil {
			return err
		}
		return insertEntities(ctx, tx, id, entities)
	})
}

func (r *DocumentRepository) FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = 'failed', error_message = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM documents
	WHERE status = 'processing' AND updated_at < ?
	ORDER BY updated_at
	LIMIT ?
)
`, fmt.Sprintf("processing abandoned: no progress for %s", maxAge), now.UnixNano(), now.Add(-maxAge).UnixNano(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("fail stale documents: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}

func (r *DocumentRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertEntities(ctx context.Context, q dbutil.Querier, documentID string, entities []domain.Entity) error {
	for _, e := range entities {
		_, err := q.ExecContext(ctx, `
INSERT INTO entities (id, document_id, entity_type, text, confidence, start_pos, end_pos)
VALUES (?, ?, ?, ?, ?, ?, ?)
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
	var ref, payloadRaw sql.NullString
	var status string
	var docType, eventType, errMessage, modelVersion sql.NullString
	var confidence, processingTime sql.NullFloat64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&doc.ID, &ref, &payloadRaw, &status, &docType, &eventType, &confidence,
		&errMessage, &processingTime, &modelVersion, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var payload map[string]any
	if payloadRaw.Valid && payloadRaw.String != "" {
		if err := json.Unmarshal([]byte(payloadRaw.String), &payload); err != nil {
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
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func mapWriteError(operation string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return domain.WrapError(domain.ErrDocumentNotFound, operation, err)
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return domain.WrapError(domain.ErrInvalidInput, operation, err)
		}
	}
	return fmt.Errorf("%s: %w", operation, err)
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
