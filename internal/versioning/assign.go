package versioning

import "stepdocs/api/internal/store"

// AssignVersions numbers each document type independently across the ordered
// sessions and marks the highest version of each type current. Sessions must
// already be deduplicated. Supersession fields are cleared; LinkSupersession
// sets them again.
//
// The result is flattened in session order.
func AssignVersions(sessions []Session) []store.Document {
	counters := make(map[store.DocumentType]int)
	out := make([]store.Document, 0)
	for _, session := range sessions {
		for _, doc := range session.Documents {
			counters[doc.DocumentType]++
			doc.Version = counters[doc.DocumentType]
			doc.IsCurrent = false
			doc.SupersededByID = nil
			doc.SupersededAt = nil
			out = append(out, doc)
		}
	}
	for i := range out {
		out[i].IsCurrent = out[i].Version == counters[out[i].DocumentType]
	}
	return out
}
