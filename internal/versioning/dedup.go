package versioning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stepdocs/api/internal/store"
)

// DedupPolicy picks the surviving upload when one session holds several
// documents of the same type.
type DedupPolicy interface {
	Name() string
	// Keep returns the index of the survivor. candidates are sorted by Less
	// and always hold at least two documents.
	Keep(candidates []store.Document) int
}

const (
	PolicyKeepEarliest = "keep-earliest"
	PolicyKeepLatest   = "keep-latest"
)

// KeepEarliest treats the first upload of an attempt as authoritative.
type KeepEarliest struct{}

func (KeepEarliest) Name() string { return PolicyKeepEarliest }

func (KeepEarliest) Keep(_ []store.Document) int { return 0 }

// KeepLatest treats the most recent upload of an attempt as authoritative.
type KeepLatest struct{}

func (KeepLatest) Name() string { return PolicyKeepLatest }

func (KeepLatest) Keep(candidates []store.Document) int { return len(candidates) - 1 }

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() DedupPolicy {
	return KeepEarliest{}
}

// PolicyByName resolves a configured policy name. Empty selects the default.
func PolicyByName(name string) (DedupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyKeepEarliest:
		return KeepEarliest{}, nil
	case PolicyKeepLatest:
		return KeepLatest{}, nil
	default:
		return nil, fmt.Errorf("unknown dedup policy %q", name)
	}
}

// Conflict records duplicates that could only be separated by the id
// tie-break because they share a creation timestamp. It is resolved, not
// fatal; callers log it.
type Conflict struct {
	SessionID    string
	DocumentType store.DocumentType
	CreatedAt    time.Time
	KeptID       string
	TiedIDs      []string
}

// Dedup keeps one document per type in a session and returns the rest as
// removals. Kept documents come back ordered by Less.
func Dedup(session Session, policy DedupPolicy) (kept, removed []store.Document, conflicts []Conflict) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	byType := make(map[store.DocumentType][]store.Document)
	for _, doc := range session.Documents {
		byType[doc.DocumentType] = append(byType[doc.DocumentType], doc)
	}

	types := make([]string, 0, len(byType))
	for docType := range byType {
		types = append(types, string(docType))
	}
	sort.Strings(types)

	kept = make([]store.Document, 0, len(byType))
	for _, name := range types {
		candidates := byType[store.DocumentType(name)]
		if len(candidates) == 1 {
			kept = append(kept, candidates[0])
			continue
		}
		SortDocuments(candidates)
		idx := policy.Keep(candidates)
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
		survivor := candidates[idx]
		kept = append(kept, survivor)

		var tied []string
		for i, doc := range candidates {
			if i == idx {
				continue
			}
			removed = append(removed, doc)
			if doc.CreatedAt.Equal(survivor.CreatedAt) {
				tied = append(tied, doc.ID)
			}
		}
		if len(tied) > 0 {
			conflicts = append(conflicts, Conflict{
				SessionID:    session.ID,
				DocumentType: survivor.DocumentType,
				CreatedAt:    survivor.CreatedAt,
				KeptID:       survivor.ID,
				TiedIDs:      tied,
			})
		}
	}
	SortDocuments(kept)
	SortDocuments(removed)
	return kept, removed, conflicts
}
