package versioning

import "stepdocs/api/internal/store"

// Plan is the outcome of rebuilding one step from its raw rows.
type Plan struct {
	// Sessions are the deduplicated, numbered sessions after the rebuild.
	Sessions []Session
	// Documents is the full resulting snapshot, unversioned rows included,
	// ordered by Less.
	Documents []store.Document
	// Removed are intra-session duplicates to delete.
	Removed []store.Document
	// Updates are kept rows whose derived fields differ from the input,
	// including unversioned rows carrying stale derived fields.
	Updates   []store.Document
	Conflicts []Conflict
}

// Changed reports whether persisting the plan would write anything.
func (p Plan) Changed() bool {
	return len(p.Removed) > 0 || len(p.Updates) > 0
}

// RemovedIDs lists the ids of the removed documents.
func (p Plan) RemovedIDs() []string {
	out := make([]string, 0, len(p.Removed))
	for _, doc := range p.Removed {
		out = append(out, doc.ID)
	}
	return out
}

// BuildPlan runs grouping, deduplication, version assignment and
// supersession linking over a snapshot of one step's documents. The input is
// not modified. Running BuildPlan on Plan.Documents yields a plan with no
// changes.
func BuildPlan(docs []store.Document, policy DedupPolicy) Plan {
	input := store.CloneDocuments(docs)
	original := make(map[string]store.Document, len(input))
	for _, doc := range input {
		original[doc.ID] = doc
	}

	var plan Plan
	sessions := GroupSessions(input)
	deduped := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		kept, removed, conflicts := Dedup(session, policy)
		plan.Removed = append(plan.Removed, removed...)
		plan.Conflicts = append(plan.Conflicts, conflicts...)
		session.Documents = kept
		// A policy that drops the earliest upload moves the session start.
		session.CreatedAt = earliest(kept)
		deduped = append(deduped, session)
	}
	sortSessions(deduped)

	versioned := AssignVersions(deduped)
	LinkSupersession(versioned)

	result := make([]store.Document, 0, len(input)-len(plan.Removed))
	for _, doc := range input {
		if doc.Versioned() {
			continue
		}
		reset := clearVersioning(doc)
		result = append(result, reset)
		if !reset.SameVersioning(doc) {
			plan.Updates = append(plan.Updates, reset)
		}
	}
	for _, doc := range versioned {
		result = append(result, doc)
		if !doc.SameVersioning(original[doc.ID]) {
			plan.Updates = append(plan.Updates, doc)
		}
	}
	SortDocuments(result)
	SortDocuments(plan.Updates)
	SortDocuments(plan.Removed)

	plan.Documents = result
	plan.Sessions = GroupSessions(result)
	return plan
}

// clearVersioning resets the rebuild-owned fields of a document that has no
// session.
func clearVersioning(doc store.Document) store.Document {
	doc.Version = 0
	doc.IsCurrent = false
	doc.SupersededByID = nil
	doc.SupersededAt = nil
	return doc
}

// Materialize returns the snapshot a rebuild would produce without
// describing the changes.
func Materialize(docs []store.Document, policy DedupPolicy) []store.Document {
	return BuildPlan(docs, policy).Documents
}
