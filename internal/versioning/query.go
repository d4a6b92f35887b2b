package versioning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stepdocs/api/internal/store"
)

// Order selects how history sessions are listed.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// ParseOrder accepts "newest" / "oldest" (and their -first forms). Empty is
// newest first, the natural UI order.
func ParseOrder(value string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "newest", "newest-first", "desc":
		return NewestFirst, nil
	case "oldest", "oldest-first", "asc":
		return OldestFirst, nil
	default:
		return NewestFirst, fmt.Errorf("unknown order %q", value)
	}
}

func (o Order) String() string {
	if o == OldestFirst {
		return "oldest"
	}
	return "newest"
}

// AnnotatedDocument is a current document with its session context.
type AnnotatedDocument struct {
	store.Document
	SessionNumber   int
	TotalSessions   int
	IsLatestSession bool
}

// HistorySession groups the superseded documents of one session.
type HistorySession struct {
	SessionID       string
	SessionNumber   int
	TotalSessions   int
	IsLatestSession bool
	DocumentCount   int
	CreatedAt       time.Time
	Documents       []store.Document
}

// Current returns the current versioned documents of a snapshot, ordered by
// document type. The session number of a current document is the number of
// sessions its type has appeared in, which is its version.
func Current(docs []store.Document) []AnnotatedDocument {
	total := len(GroupSessions(docs))
	out := make([]AnnotatedDocument, 0)
	for _, doc := range docs {
		if !doc.Versioned() || !doc.IsCurrent {
			continue
		}
		out = append(out, AnnotatedDocument{
			Document:        doc.Clone(),
			SessionNumber:   doc.Version,
			TotalSessions:   total,
			IsLatestSession: true,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentType != out[j].DocumentType {
			return out[i].DocumentType < out[j].DocumentType
		}
		return Less(out[i].Document, out[j].Document)
	})
	return out
}

// History returns the non-current versioned documents grouped by session.
// Sessions without superseded documents are omitted.
func History(docs []store.Document, order Order) []HistorySession {
	sessions := GroupSessions(docs)
	total := len(sessions)
	out := make([]HistorySession, 0)
	for _, session := range sessions {
		var historical []store.Document
		for _, doc := range session.Documents {
			if !doc.IsCurrent {
				historical = append(historical, doc.Clone())
			}
		}
		if len(historical) == 0 {
			continue
		}
		sort.SliceStable(historical, func(i, j int) bool {
			if historical[i].DocumentType != historical[j].DocumentType {
				return historical[i].DocumentType < historical[j].DocumentType
			}
			return Less(historical[i], historical[j])
		})
		out = append(out, HistorySession{
			SessionID:       session.ID,
			SessionNumber:   session.Number,
			TotalSessions:   total,
			IsLatestSession: false,
			DocumentCount:   len(historical),
			CreatedAt:       session.CreatedAt,
			Documents:       historical,
		})
	}
	if order == NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
