package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/docflow/internal/core/domain"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	repo := NewDocumentRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock, func() { _ = db.Close() }
}

func documentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "source_ref", "inline_payload", "status", "doc_type", "event_type", "confidence",
		"error_message", "processing_time", "model_version", "created_at", "updated_at",
	})
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, source_ref, inline_payload").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDLoadsEntitiesAndSource(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, source_ref, inline_payload").
		WithArgs("doc-1").
		WillReturnRows(documentRows().AddRow(
			"doc-1", nil, []byte(`{"text":"Invoice"}`), "completed", "INVOICE", "unknown", 0.9,
			nil, 1.5, nil, fixedNow, fixedNow,
		))
	mock.ExpectQuery("FROM entities").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "entity_type", "text", "confidence", "start_pos", "end_pos"}).
			AddRow("e-1", "doc-1", "AMOUNT", "$500", 0.95, 20, 24))

	doc, err := repo.GetByID(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Status != domain.StatusCompleted || *doc.DocType != "INVOICE" || doc.ErrorMessage != nil {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if _, ok := doc.Source.(domain.InlineSource); !ok {
		t.Fatalf("expected inline source, got %#v", doc.Source)
	}
	if len(doc.Entities) != 1 || *doc.Entities[0].StartPos != 20 || *doc.Entities[0].EndPos != 24 {
		t.Fatalf("unexpected entities: %+v", doc.Entities)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateReturnsInvalidTransitionWhenGuardFails(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("processing", fixedNow, "doc-1", "pending", "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM documents").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := repo.Update(context.Background(), "doc-1", domain.ProcessingUpdate())
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM documents").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := repo.Update(context.Background(), "missing", domain.FailedUpdate("boom"))
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteWritesStatusAndEntitiesInOneTransaction(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	start, end := 20, 24
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entities").
		WithArgs("e-1", "doc-1", "AMOUNT", "$500", 0.95, &start, &end).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update := domain.CompletedUpdate(domain.Classification{DocType: "INVOICE", EventType: "unknown", Confidence: 0.9}, time.Second)
	err := repo.Complete(context.Background(), "doc-1", update, []domain.Entity{
		{ID: "e-1", DocumentID: "doc-1", EntityType: "AMOUNT", Text: "$500", Confidence: 0.95, StartPos: &start, EndPos: &end},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteRollsBackOnEntityFailure(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entities").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})
	mock.ExpectRollback()

	update := domain.CompletedUpdate(domain.Classification{DocType: "INVOICE"}, time.Second)
	err := repo.Complete(context.Background(), "doc-1", update, []domain.Entity{{ID: "e-1", EntityType: "AMOUNT"}})
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound from FK violation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListOrdersByCreatedAtDesc(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs(2, 4).
		WillReturnRows(documentRows().
			AddRow("doc-2", "gs://b/p", nil, "pending", nil, nil, nil, nil, nil, nil, fixedNow, fixedNow))

	docs, err := repo.List(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-2" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if remote, ok := docs[0].Source.(domain.RemoteSource); !ok || remote.Ref != "gs://b/p" {
		t.Fatalf("unexpected source: %#v", docs[0].Source)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailStaleProcessingSkipsWhenLockHeld(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(reaperLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	n, err := repo.FailStaleProcessing(context.Background(), time.Hour, 100)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d / %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailStaleProcessingMarksOldDocumentsFailed(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(reaperLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(sqlmock.AnyArg(), fixedNow, fixedNow.Add(-time.Hour), 100).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := repo.FailStaleProcessing(context.Background(), time.Hour, 100)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 reaped, got %d / %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
