package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type memoryRepo struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	createErr   error
	getErr      error
	updateErr   error
	failErr     error
	completeErr error
	statusCalls []domain.DocumentStatus
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: map[string]*domain.Document{}}
}

func (r *memoryRepo) seed(doc domain.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyDoc := doc
	r.docs[doc.ID] = &copyDoc
}

func (r *memoryRepo) Create(_ context.Context, doc *domain.Document) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.seed(*doc)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*domain.Document, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(id))
	}
	copyDoc := *doc
	copyDoc.Entities = append([]domain.Entity(nil), doc.Entities...)
	return &copyDoc, nil
}

func (r *memoryRepo) Update(_ context.Context, id string, update domain.DocumentUpdate) error {
	if update.Status != nil && *update.Status == domain.StatusFailed && r.failErr != nil {
		return r.failErr
	}
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(id, update)
}

func (r *memoryRepo) applyLocked(id string, update domain.DocumentUpdate) error {
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", errors.New(id))
	}
	if !update.Expects(doc.Status) {
		return domain.WrapError(domain.ErrInvalidTransition, "update document", errors.New(string(doc.Status)))
	}
	if update.Status != nil {
		r.statusCalls = append(r.statusCalls, *update.Status)
	}
	update.ApplyTo(doc, time.Now().UTC())
	return nil
}

func (r *memoryRepo) List(_ context.Context, offset, limit int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs), nil
}

func (r *memoryRepo) AddEntities(_ context.Context, documentID string, entities []domain.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[documentID]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	doc.Entities = append(doc.Entities, entities...)
	return nil
}

func (r *memoryRepo) Complete(_ context.Context, id string, update domain.DocumentUpdate, entities []domain.Entity) error {
	if r.completeErr != nil {
		return r.completeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.applyLocked(id, update); err != nil {
		return err
	}
	r.docs[id].Entities = append(r.docs[id].Entities, entities...)
	return nil
}

func (r *memoryRepo) FailStaleProcessing(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

func (r *memoryRepo) doc(id string) domain.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.docs[id]
}

type queueFake struct {
	pushed []domain.Job
	err    error
}

func (q *queueFake) Push(_ context.Context, job domain.Job) error {
	if q.err != nil {
		return q.err
	}
	q.pushed = append(q.pushed, job)
	return nil
}

func (q *queueFake) Pop(context.Context, time.Duration) (*domain.Delivery, error) { return nil, nil }
func (q *queueFake) DeadLetter(context.Context, domain.DeadLetter) error          { return nil }
func (q *queueFake) Len(context.Context) (int64, error)                           { return int64(len(q.pushed)), nil }
func (q *queueFake) ReapStale(context.Context, time.Duration) (int, error)        { return 0, nil }

type fetcherFake struct {
	content domain.Content
	err     error
	calls   int
}

func (f *fetcherFake) Fetch(context.Context, domain.Source) (domain.Content, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

type classifierFake struct {
	cls      domain.Classification
	err      error
	lastText string
	calls    int
}

func (f *classifierFake) Classify(_ context.Context, text string, _ map[string]any) (domain.Classification, error) {
	f.calls++
	f.lastText = text
	if f.err != nil {
		return domain.Classification{}, f.err
	}
	return f.cls, nil
}
