package versioning

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"stepdocs/api/internal/store"
)

// Violation kinds reported by Verify.
const (
	ViolationMultipleCurrent   = "multiple_current"
	ViolationCurrentNotLatest  = "current_not_latest"
	ViolationVersionSequence   = "version_sequence"
	ViolationSupersessionLink  = "supersession_link"
	ViolationSupersededAt      = "superseded_at"
	ViolationDuplicateSession  = "duplicate_in_session"
	ViolationUnversionedMarked = "unversioned_marked"
	ViolationChain             = "chain"
)

// Violation describes one broken rule in a stored snapshot.
type Violation struct {
	Kind         string             `json:"kind"`
	DocumentType store.DocumentType `json:"documentType"`
	DocumentID   string             `json:"documentId,omitempty"`
	SessionID    string             `json:"sessionId,omitempty"`
	Detail       string             `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s %s: %s", v.Kind, v.DocumentType, v.DocumentID, v.Detail)
}

// State names the lifecycle position of a document.
type State string

const (
	StateUnversioned State = "UNVERSIONED"
	StateHistorical  State = "VERSIONED_HISTORICAL"
	StateCurrent     State = "VERSIONED_CURRENT"
)

// StateOf maps a stored document to its lifecycle state.
func StateOf(doc store.Document) State {
	switch {
	case !doc.Versioned():
		return StateUnversioned
	case doc.IsCurrent:
		return StateCurrent
	default:
		return StateHistorical
	}
}

// Verify checks the stored derived fields of one step's documents without
// recomputing them. An empty result means the snapshot is consistent.
func Verify(docs []store.Document) []Violation {
	var out []Violation
	byID := make(map[string]store.Document, len(docs))
	byType := make(map[store.DocumentType][]store.Document)
	for _, doc := range docs {
		byID[doc.ID] = doc
		if !doc.Versioned() {
			if detail := unversionedDetail(doc); detail != "" {
				out = append(out, Violation{
					Kind:         ViolationUnversionedMarked,
					DocumentType: doc.DocumentType,
					DocumentID:   doc.ID,
					Detail:       detail,
				})
			}
			continue
		}
		byType[doc.DocumentType] = append(byType[doc.DocumentType], doc)
	}

	// Versions follow the step's session order, so collect each type in
	// that order.
	ordered := make(map[store.DocumentType][]store.Document)
	for _, session := range GroupSessions(docs) {
		seen := make(map[store.DocumentType]string)
		for _, doc := range session.Documents {
			ordered[doc.DocumentType] = append(ordered[doc.DocumentType], doc)
			if first, ok := seen[doc.DocumentType]; ok {
				out = append(out, Violation{
					Kind:         ViolationDuplicateSession,
					DocumentType: doc.DocumentType,
					DocumentID:   doc.ID,
					SessionID:    session.ID,
					Detail:       fmt.Sprintf("session already holds %s", first),
				})
				continue
			}
			seen[doc.DocumentType] = doc.ID
		}
	}

	types := make([]string, 0, len(byType))
	for docType := range byType {
		types = append(types, string(docType))
	}
	sort.Strings(types)

	for _, name := range types {
		docType := store.DocumentType(name)
		chain := byType[docType]
		out = append(out, verifyType(docType, ordered[docType], byID)...)
		if _, err := WalkChain(chain, docType); err != nil {
			out = append(out, Violation{Kind: ViolationChain, DocumentType: docType, Detail: err.Error()})
		}
	}
	return out
}

// unversionedDetail names the derived fields set on a document without a
// session, or returns "" when they all hold their defaults.
func unversionedDetail(doc store.Document) string {
	var fields []string
	if doc.IsCurrent {
		fields = append(fields, "marked current")
	}
	if doc.Version != 0 {
		fields = append(fields, fmt.Sprintf("version %d", doc.Version))
	}
	if doc.SupersededByID != nil {
		fields = append(fields, "superseded by "+*doc.SupersededByID)
	}
	if doc.SupersededAt != nil {
		fields = append(fields, "superseded_at set")
	}
	if len(fields) == 0 {
		return ""
	}
	return "document without a session has " + strings.Join(fields, ", ")
}

// verifyType checks one document type; ordered holds its versioned documents
// in step session order.
func verifyType(docType store.DocumentType, ordered []store.Document, byID map[string]store.Document) []Violation {
	var out []Violation

	maxVersion := 0
	currents := 0
	for i, doc := range ordered {
		if doc.Version != i+1 {
			out = append(out, Violation{
				Kind:         ViolationVersionSequence,
				DocumentType: docType,
				DocumentID:   doc.ID,
				SessionID:    doc.SessionKey(),
				Detail:       fmt.Sprintf("version %d at position %d", doc.Version, i+1),
			})
		}
		if doc.Version > maxVersion {
			maxVersion = doc.Version
		}
		if doc.IsCurrent {
			currents++
		}
	}
	if currents > 1 {
		out = append(out, Violation{
			Kind:         ViolationMultipleCurrent,
			DocumentType: docType,
			Detail:       fmt.Sprintf("%d documents marked current", currents),
		})
	}

	successor := make(map[int]store.Document, len(ordered))
	for _, doc := range ordered {
		successor[doc.Version] = doc
	}
	for _, doc := range ordered {
		if doc.IsCurrent && doc.Version != maxVersion {
			out = append(out, Violation{
				Kind:         ViolationCurrentNotLatest,
				DocumentType: docType,
				DocumentID:   doc.ID,
				Detail:       fmt.Sprintf("current at version %d, latest is %d", doc.Version, maxVersion),
			})
		}
		next, hasNext := successor[doc.Version+1]
		switch {
		case hasNext && (doc.SupersededByID == nil || *doc.SupersededByID != next.ID):
			out = append(out, Violation{
				Kind:         ViolationSupersessionLink,
				DocumentType: docType,
				DocumentID:   doc.ID,
				Detail:       fmt.Sprintf("expected link to %s", next.ID),
			})
		case !hasNext && doc.SupersededByID != nil:
			out = append(out, Violation{
				Kind:         ViolationSupersessionLink,
				DocumentType: docType,
				DocumentID:   doc.ID,
				Detail:       fmt.Sprintf("latest version links to %s", *doc.SupersededByID),
			})
		}
		if doc.SupersededByID != nil {
			if target, ok := byID[*doc.SupersededByID]; ok && target.DocumentType != docType {
				out = append(out, Violation{
					Kind:         ViolationSupersessionLink,
					DocumentType: docType,
					DocumentID:   doc.ID,
					Detail:       fmt.Sprintf("links across types to %s", target.ID),
				})
			}
		}

		wantAt := hasNext && !doc.IsCurrent
		switch {
		case wantAt && (doc.SupersededAt == nil || !doc.SupersededAt.Equal(next.CreatedAt)):
			out = append(out, Violation{
				Kind:         ViolationSupersededAt,
				DocumentType: docType,
				DocumentID:   doc.ID,
				Detail:       "superseded_at must equal the successor's creation time",
			})
		case !wantAt && doc.SupersededAt != nil:
			out = append(out, Violation{
				Kind:         ViolationSupersededAt,
				DocumentType: docType,
				DocumentID:   doc.ID,
				Detail:       "superseded_at set without a successor",
			})
		}
	}
	return out
}

// ErrInconsistent is returned by Check when Verify reports violations.
var ErrInconsistent = errors.New("step documents are inconsistent")

// Check wraps Verify into an error for callers that only need a yes/no.
func Check(docs []store.Document) error {
	violations := Verify(docs)
	if len(violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d violations, first: %s", ErrInconsistent, len(violations), violations[0])
}
