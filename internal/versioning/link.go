package versioning

import (
	"errors"
	"fmt"
	"sort"

	"stepdocs/api/internal/store"
)

var (
	ErrChainCycle  = errors.New("supersession chain has a cycle")
	ErrChainBroken = errors.New("supersession chain is broken")
)

// LinkSupersession points every version at the next version of the same type
// and stamps it with the successor's creation time. The highest version keeps
// both fields nil. docs is modified in place; unversioned documents are
// ignored.
func LinkSupersession(docs []store.Document) {
	chains := make(map[store.DocumentType][]int)
	for i, doc := range docs {
		if !doc.Versioned() {
			continue
		}
		chains[doc.DocumentType] = append(chains[doc.DocumentType], i)
	}
	for _, idx := range chains {
		sort.SliceStable(idx, func(a, b int) bool {
			return docs[idx[a]].Version < docs[idx[b]].Version
		})
		for pos, i := range idx {
			if pos == len(idx)-1 {
				docs[i].SupersededByID = nil
				docs[i].SupersededAt = nil
				continue
			}
			next := docs[idx[pos+1]]
			id := next.ID
			at := next.CreatedAt
			docs[i].SupersededByID = &id
			docs[i].SupersededAt = &at
		}
	}
}

// WalkChain follows the supersession links of one document type from its
// lowest version and returns the visited documents. It fails on a cycle or a
// link to a document outside the chain.
func WalkChain(docs []store.Document, docType store.DocumentType) ([]store.Document, error) {
	byID := make(map[string]store.Document)
	var head *store.Document
	for i := range docs {
		doc := docs[i]
		if !doc.Versioned() || doc.DocumentType != docType {
			continue
		}
		byID[doc.ID] = doc
		if head == nil || doc.Version < head.Version {
			head = &docs[i]
		}
	}
	if head == nil {
		return nil, nil
	}

	visited := make(map[string]bool, len(byID))
	out := make([]store.Document, 0, len(byID))
	current := *head
	for {
		if visited[current.ID] {
			return out, fmt.Errorf("%w: %s revisits %s", ErrChainCycle, docType, current.ID)
		}
		visited[current.ID] = true
		out = append(out, current)
		if current.SupersededByID == nil {
			return out, nil
		}
		next, ok := byID[*current.SupersededByID]
		if !ok {
			return out, fmt.Errorf("%w: %s links to unknown %s", ErrChainBroken, current.ID, *current.SupersededByID)
		}
		current = next
	}
}
