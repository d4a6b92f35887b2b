// Package search finds current step documents by name, type and step.
package search

import (
	"context"
	"regexp"
	"strings"
	"time"

	"stepdocs/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID   string    `json:"documentId"`
	StepID       string    `json:"stepId"`
	DocumentType string    `json:"documentType"`
	OriginalName string    `json:"originalName"`
	Snippet      string    `json:"snippet"`
	Version      int       `json:"version"`
	UploadedBy   string    `json:"uploadedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text         string
	DocumentType string // empty = all types
	StepID       string
	Limit        int
	Offset       int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search over current documents.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CurrentLister is implemented by both stores.
type CurrentLister interface {
	ListCurrentDocuments(ctx context.Context) ([]store.Document, error)
}

// Record is what gets indexed for one current document. Key is stable per
// step and type so a newer version replaces the older one in place.
type Record struct {
	Key          string `json:"key"`
	DocumentID   string `json:"documentId"`
	StepID       string `json:"stepId"`
	DocumentType string `json:"documentType"`
	OriginalName string `json:"originalName"`
	Version      int    `json:"version"`
	UploadedBy   string `json:"uploadedBy"`
	CreatedAt    int64  `json:"createdAt"`
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func RecordKey(stepID string, docType store.DocumentType) string {
	return unsafeKeyChars.ReplaceAllString(stepID, "-") + "__" + string(docType)
}

func RecordFromDocument(doc store.Document) Record {
	return Record{
		Key:          RecordKey(doc.StepID, doc.DocumentType),
		DocumentID:   doc.ID,
		StepID:       doc.StepID,
		DocumentType: string(doc.DocumentType),
		OriginalName: doc.OriginalName,
		Version:      doc.Version,
		UploadedBy:   doc.UploadedBy,
		CreatedAt:    doc.CreatedAt.Unix(),
	}
}

func resultFromDocument(doc store.Document) Result {
	return Result{
		DocumentID:   doc.ID,
		StepID:       doc.StepID,
		DocumentType: string(doc.DocumentType),
		OriginalName: doc.OriginalName,
		Snippet:      doc.OriginalName,
		Version:      doc.Version,
		UploadedBy:   doc.UploadedBy,
		CreatedAt:    doc.CreatedAt,
	}
}

func normalizeType(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
