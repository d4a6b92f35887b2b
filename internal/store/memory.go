package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepTx is the write surface available while a step is locked.
type StepTx interface {
	GetStep(ctx context.Context, stepID string) (Step, error)
	ListStepDocuments(ctx context.Context, stepID string) ([]Document, error)
	InsertDocument(ctx context.Context, doc Document) error
	DeleteDocuments(ctx context.Context, ids []string) error
	UpdateVersioning(ctx context.Context, docs []Document) error
}

// MemoryStore keeps steps and documents in process. Step transactions work
// on a private copy of the step's rows that replaces the original only when
// fn succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	steps     map[string]Step
	documents map[string]Document

	lockTimeout time.Duration
	stepLocksMu sync.Mutex
	stepLocks   map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:       make(map[string]Step),
		documents:   make(map[string]Document),
		lockTimeout: defaultLockTimeout,
		stepLocks:   make(map[string]chan struct{}),
	}
}

// WithLockTimeout bounds how long InStepTx waits for another transaction on
// the same step.
func (m *MemoryStore) WithLockTimeout(timeout time.Duration) *MemoryStore {
	if timeout > 0 {
		m.lockTimeout = timeout
	}
	return m
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) InsertStep(_ context.Context, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[step.ID]; ok {
		return fmt.Errorf("insert step %s: %w", step.ID, ErrConflict)
	}
	m.steps[step.ID] = step
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, stepID string) (Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[stepID]
	if !ok {
		return Step{}, fmt.Errorf("get step: %w", ErrNotFound)
	}
	return step, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return Document{}, fmt.Errorf("get document: %w", ErrNotFound)
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) ListStepDocuments(_ context.Context, stepID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepDocumentsLocked(stepID), nil
}

func (m *MemoryStore) ListCurrentDocuments(context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0)
	for _, doc := range m.documents {
		if doc.Versioned() && doc.IsCurrent {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].StepID != docs[j].StepID {
			return docs[i].StepID < docs[j].StepID
		}
		return docs[i].DocumentType < docs[j].DocumentType
	})
	return docs, nil
}

func (m *MemoryStore) ListVersionedStepIDs(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, doc := range m.documents {
		if doc.Versioned() {
			seen[doc.StepID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// PutDocument writes a row as-is, bypassing step transactions. Used to seed
// fixtures and to load rows written by older releases.
func (m *MemoryStore) PutDocument(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc.Clone()
}

func (m *MemoryStore) InStepTx(ctx context.Context, stepID string, fn func(StepTx) error) error {
	release, err := m.lockStep(ctx, stepID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	tx := &memoryStepTx{
		stepID:  stepID,
		steps:   make(map[string]Step, len(m.steps)),
		docs:    make(map[string]Document),
		deleted: make(map[string]struct{}),
	}
	for id, step := range m.steps {
		tx.steps[id] = step
	}
	for id, doc := range m.documents {
		if doc.StepID == stepID {
			tx.docs[id] = doc.Clone()
		}
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range tx.deleted {
		delete(m.documents, id)
	}
	for id, doc := range tx.docs {
		m.documents[id] = doc
	}
	return nil
}

func (m *MemoryStore) lockStep(ctx context.Context, stepID string) (func(), error) {
	m.stepLocksMu.Lock()
	slot, ok := m.stepLocks[stepID]
	if !ok {
		slot = make(chan struct{}, 1)
		m.stepLocks[stepID] = slot
	}
	m.stepLocksMu.Unlock()

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-timer.C:
		return nil, fmt.Errorf("lock step %s: %w", stepID, ErrLockTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("lock step %s: %w", stepID, ctx.Err())
	}
}

func (m *MemoryStore) stepDocumentsLocked(stepID string) []Document {
	docs := make([]Document, 0)
	for _, doc := range m.documents {
		if doc.StepID == stepID {
			docs = append(docs, doc.Clone())
		}
	}
	sortByCreated(docs)
	return docs
}

func sortByCreated(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

type memoryStepTx struct {
	stepID  string
	steps   map[string]Step
	docs    map[string]Document
	deleted map[string]struct{}
}

func (t *memoryStepTx) GetStep(_ context.Context, stepID string) (Step, error) {
	step, ok := t.steps[stepID]
	if !ok {
		return Step{}, fmt.Errorf("get step: %w", ErrNotFound)
	}
	return step, nil
}

func (t *memoryStepTx) ListStepDocuments(_ context.Context, stepID string) ([]Document, error) {
	if stepID != t.stepID {
		return nil, fmt.Errorf("list step documents: step %s is not locked", stepID)
	}
	docs := make([]Document, 0, len(t.docs))
	for _, doc := range t.docs {
		docs = append(docs, doc.Clone())
	}
	sortByCreated(docs)
	return docs, nil
}

func (t *memoryStepTx) InsertDocument(_ context.Context, doc Document) error {
	if doc.StepID != t.stepID {
		return fmt.Errorf("insert document: step %s is not locked", doc.StepID)
	}
	if _, ok := t.steps[doc.StepID]; !ok {
		return fmt.Errorf("insert document: step %s: %w", doc.StepID, ErrNotFound)
	}
	if _, ok := t.docs[doc.ID]; ok {
		return fmt.Errorf("insert document %s: %w", doc.ID, ErrConflict)
	}
	t.docs[doc.ID] = doc.Clone()
	delete(t.deleted, doc.ID)
	return nil
}

func (t *memoryStepTx) DeleteDocuments(_ context.Context, ids []string) error {
	for _, id := range ids {
		if _, ok := t.docs[id]; !ok {
			continue
		}
		delete(t.docs, id)
		t.deleted[id] = struct{}{}
		for other, doc := range t.docs {
			if doc.SupersededByID != nil && *doc.SupersededByID == id {
				doc.SupersededByID = nil
				t.docs[other] = doc
			}
		}
	}
	return nil
}

func (t *memoryStepTx) UpdateVersioning(_ context.Context, docs []Document) error {
	for _, update := range docs {
		doc, ok := t.docs[update.ID]
		if !ok {
			return fmt.Errorf("update versioning %s: %w", update.ID, ErrNotFound)
		}
		doc.Version = update.Version
		doc.IsCurrent = update.IsCurrent
		doc.SupersededByID = nil
		if update.SupersededByID != nil {
			id := *update.SupersededByID
			doc.SupersededByID = &id
		}
		doc.SupersededAt = nil
		if update.SupersededAt != nil {
			at := *update.SupersededAt
			doc.SupersededAt = &at
		}
		t.docs[update.ID] = doc
	}
	return nil
}
