package search

import (
	"context"
	"fmt"
	"strings"
)

// ListSearcher filters the current documents returned by a CurrentLister in
// process. It backs search when neither Meilisearch nor Postgres is wired.
type ListSearcher struct {
	lister CurrentLister
}

func NewListSearcher(lister CurrentLister) *ListSearcher {
	return &ListSearcher{lister: lister}
}

func (l *ListSearcher) Healthy() bool {
	return true
}

func (l *ListSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, 0, nil
	}
	docs, err := l.lister.ListCurrentDocuments(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list current documents: %w", err)
	}

	docType := normalizeType(q.DocumentType)
	matched := make([]Result, 0)
	for _, doc := range docs {
		if q.StepID != "" && doc.StepID != q.StepID {
			continue
		}
		if docType != "" && string(doc.DocumentType) != docType {
			continue
		}
		if !strings.Contains(strings.ToLower(doc.OriginalName), text) &&
			!strings.Contains(strings.ToLower(string(doc.DocumentType)), text) {
			continue
		}
		matched = append(matched, resultFromDocument(doc))
	}

	total := len(matched)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
