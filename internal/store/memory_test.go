package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedMemory(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	mem := NewMemoryStore()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := mem.InsertStep(context.Background(), Step{ID: "step-1", CreatedAt: created}); err != nil {
		t.Fatalf("insert step: %v", err)
	}
	return mem, created
}

func TestMemoryStepTxCommits(t *testing.T) {
	mem, created := seedMemory(t)
	ctx := context.Background()
	session := "s1"

	err := mem.InStepTx(ctx, "step-1", func(tx StepTx) error {
		if err := tx.InsertDocument(ctx, testDocument("doc-2", "step-1", &session, created.Add(time.Minute))); err != nil {
			return err
		}
		return tx.InsertDocument(ctx, testDocument("doc-1", "step-1", &session, created))
	})
	if err != nil {
		t.Fatalf("step tx: %v", err)
	}

	docs, err := mem.ListStepDocuments(ctx, "step-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "doc-1" || docs[1].ID != "doc-2" {
		t.Fatalf("expected created order, got %+v", docs)
	}
}

func TestMemoryStepTxDiscardsOnError(t *testing.T) {
	mem, created := seedMemory(t)
	ctx := context.Background()
	session := "s1"
	mem.PutDocument(testDocument("doc-1", "step-1", &session, created))

	boom := errors.New("boom")
	err := mem.InStepTx(ctx, "step-1", func(tx StepTx) error {
		if err := tx.DeleteDocuments(ctx, []string{"doc-1"}); err != nil {
			return err
		}
		if err := tx.InsertDocument(ctx, testDocument("doc-2", "step-1", &session, created)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	docs, _ := mem.ListStepDocuments(ctx, "step-1")
	if len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Fatalf("expected untouched rows, got %+v", docs)
	}
}

func TestMemoryDeleteClearsDanglingLinks(t *testing.T) {
	mem, created := seedMemory(t)
	ctx := context.Background()
	s1, s2 := "s1", "s2"
	first := testDocument("doc-1", "step-1", &s1, created)
	next := "doc-2"
	first.SupersededByID = &next
	mem.PutDocument(first)
	mem.PutDocument(testDocument("doc-2", "step-1", &s2, created.Add(time.Minute)))

	err := mem.InStepTx(ctx, "step-1", func(tx StepTx) error {
		return tx.DeleteDocuments(ctx, []string{"doc-2"})
	})
	if err != nil {
		t.Fatalf("step tx: %v", err)
	}
	doc, err := mem.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.SupersededByID != nil {
		t.Fatalf("expected link cleared, got %v", *doc.SupersededByID)
	}
	if _, err := mem.GetDocument(ctx, "doc-2"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryInsertRequiresStep(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	err := mem.InStepTx(ctx, "missing", func(tx StepTx) error {
		return tx.InsertDocument(ctx, testDocument("doc-1", "missing", nil, time.Now()))
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryUpdateVersioningUnknownDocument(t *testing.T) {
	mem, _ := seedMemory(t)
	ctx := context.Background()
	err := mem.InStepTx(ctx, "step-1", func(tx StepTx) error {
		return tx.UpdateVersioning(ctx, []Document{{ID: "ghost", Version: 1}})
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStepLockTimesOut(t *testing.T) {
	mem, _ := seedMemory(t)
	mem.WithLockTimeout(50 * time.Millisecond)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = mem.InStepTx(ctx, "step-1", func(StepTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := mem.InStepTx(ctx, "step-1", func(StepTx) error { return nil })
	close(release)
	wg.Wait()
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}

	// other steps are not blocked
	if err := mem.InStepTx(ctx, "step-2", func(StepTx) error { return nil }); err != nil {
		t.Fatalf("unrelated step: %v", err)
	}
}

func TestMemoryListHelpers(t *testing.T) {
	mem, created := seedMemory(t)
	ctx := context.Background()
	s1 := "s1"
	current := testDocument("doc-1", "step-1", &s1, created)
	current.Version, current.IsCurrent = 1, true
	mem.PutDocument(current)
	mem.PutDocument(testDocument("legacy", "step-9", nil, created))

	docs, err := mem.ListCurrentDocuments(ctx)
	if err != nil || len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Fatalf("unexpected current documents: %+v %v", docs, err)
	}
	ids, err := mem.ListVersionedStepIDs(ctx, 0)
	if err != nil || len(ids) != 1 || ids[0] != "step-1" {
		t.Fatalf("unexpected step ids: %v %v", ids, err)
	}
}

func TestBlankSessionIsUnversioned(t *testing.T) {
	blank, spaces, session := "", "   ", "s1"
	cases := []struct {
		name    string
		session *string
		want    bool
		key     string
	}{
		{"nil", nil, false, ""},
		{"empty", &blank, false, ""},
		{"whitespace", &spaces, false, ""},
		{"set", &session, true, "s1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := Document{SessionID: tc.session}
			if got := doc.Versioned(); got != tc.want {
				t.Fatalf("Versioned() = %v, want %v", got, tc.want)
			}
			if got := doc.SessionKey(); got != tc.key {
				t.Fatalf("SessionKey() = %q, want %q", got, tc.key)
			}
			// PostgresStore writes NULL for exactly the sessions treated as unversioned.
			if got := nullString(tc.session).Valid; got != tc.want {
				t.Fatalf("nullString valid = %v, want %v", got, tc.want)
			}
		})
	}
}
