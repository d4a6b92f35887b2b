// Package versioning rebuilds version numbers and supersession chains for the
// documents of one step and answers current/history queries over them.
//
// Everything here is a pure transformation over a snapshot of rows. Callers
// own loading, locking and persisting.
package versioning

import (
	"sort"
	"time"

	"stepdocs/api/internal/store"
)

// Session is a derived completion attempt: the documents of one step sharing
// a session id.
type Session struct {
	ID        string
	Number    int
	CreatedAt time.Time
	Documents []store.Document
}

// Less is the total order used everywhere documents need a deterministic
// sequence: creation time, then id.
func Less(a, b store.Document) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortDocuments orders docs in place by Less.
func SortDocuments(docs []store.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j])
	})
}

// GroupSessions partitions the versioned documents into sessions ordered by
// their earliest creation time, ties broken by session id. Unversioned
// documents are skipped. Numbers are assigned 1..N in that order.
func GroupSessions(docs []store.Document) []Session {
	byID := make(map[string]*Session)
	order := make([]string, 0)
	for _, doc := range docs {
		if !doc.Versioned() {
			continue
		}
		key := doc.SessionKey()
		session, ok := byID[key]
		if !ok {
			session = &Session{ID: key, CreatedAt: doc.CreatedAt}
			byID[key] = session
			order = append(order, key)
		}
		if doc.CreatedAt.Before(session.CreatedAt) {
			session.CreatedAt = doc.CreatedAt
		}
		session.Documents = append(session.Documents, doc)
	}

	sessions := make([]Session, 0, len(order))
	for _, key := range order {
		session := byID[key]
		SortDocuments(session.Documents)
		sessions = append(sessions, *session)
	}
	sortSessions(sessions)
	return sessions
}

func sortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	for i := range sessions {
		sessions[i].Number = i + 1
	}
}

// earliest recomputes a session's creation time from its current members.
func earliest(docs []store.Document) time.Time {
	var out time.Time
	for i, doc := range docs {
		if i == 0 || doc.CreatedAt.Before(out) {
			out = doc.CreatedAt
		}
	}
	return out
}
