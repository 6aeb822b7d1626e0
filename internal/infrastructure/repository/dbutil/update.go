package dbutil

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

func Dollar(n int) string { return "$" + strconv.Itoa(n) }

func Question(int) string { return "?" }

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpdateStatement builds a guarded partial UPDATE of one document. now is
// bound as updated_at in whatever representation the driver stores.
func UpdateStatement(id string, u domain.DocumentUpdate, now any, ph Placeholder) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = "+ph(len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.DocType != nil {
		add("doc_type", *u.DocType)
	}
	if u.EventType != nil {
		add("event_type", *u.EventType)
	}
	if u.Confidence != nil {
		add("confidence", *u.Confidence)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.ProcessingTime != nil {
		add("processing_time", *u.ProcessingTime)
	}
	if u.ModelVersion != nil {
		add("model_version", *u.ModelVersion)
	}
	add("updated_at", now)

	args = append(args, id)
	query := "UPDATE documents SET " + strings.Join(sets, ", ") + " WHERE id = " + ph(len(args))

	if len(u.ExpectStatus) > 0 {
		marks := make([]string, 0, len(u.ExpectStatus))
		for _, s := range u.ExpectStatus {
			args = append(args, string(s))
			marks = append(marks, ph(len(args)))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	return query, args
}

// ExplainNoRows tells a missing document apart from a failed status guard
// after an UPDATE matched nothing.
func ExplainNoRows(ctx context.Context, q Querier, id string, ph Placeholder) error {
	var status string
	err := q.QueryRowContext(ctx, "SELECT status FROM documents WHERE id = "+ph(1), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", sql.ErrNoRows)
	}
	if err != nil {
		return err
	}
	return domain.WrapError(domain.ErrInvalidTransition, "update document",
		&GuardError{ID: id, Status: domain.DocumentStatus(status)})
}

type GuardError struct {
	ID     string
	Status domain.DocumentStatus
}

func (e *GuardError) Error() string {
	return "document " + e.ID + " is " + string(e.Status)
}
