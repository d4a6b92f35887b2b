package store

import (
	"fmt"
	"strings"
	"time"
)

// DocumentType is the closed set of labels a step document can carry.
// Together with the step id it is the versioning key.
type DocumentType string

const (
	DocContract   DocumentType = "CONTRACT"
	DocInspection DocumentType = "INSPECTION"
	DocAppraisal  DocumentType = "APPRAISAL"
	DocTitle      DocumentType = "TITLE"
	DocDisclosure DocumentType = "DISCLOSURE"
	DocInsurance  DocumentType = "INSURANCE"
	DocSurvey     DocumentType = "SURVEY"
	DocLoan       DocumentType = "LOAN"
	DocClosing    DocumentType = "CLOSING"
	DocOther      DocumentType = "OTHER"
)

var documentTypes = []DocumentType{
	DocContract,
	DocInspection,
	DocAppraisal,
	DocTitle,
	DocDisclosure,
	DocInsurance,
	DocSurvey,
	DocLoan,
	DocClosing,
	DocOther,
}

// DocumentTypes returns the known document types in declaration order.
func DocumentTypes() []DocumentType {
	out := make([]DocumentType, len(documentTypes))
	copy(out, documentTypes)
	return out
}

// ParseDocumentType normalizes case and whitespace and rejects unknown labels.
func ParseDocumentType(value string) (DocumentType, error) {
	normalized := DocumentType(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range documentTypes {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown document type %q", value)
}

type Step struct {
	ID         string
	TimelineID string
	Name       string
	CreatedAt  time.Time
}

// Document is one uploaded file attached to a step.
//
// SessionID, Version, IsCurrent, SupersededByID and SupersededAt are derived
// fields. Only the rebuild writes them; inserts always store the defaults.
type Document struct {
	ID           string
	StepID       string
	DocumentType DocumentType
	OriginalName string
	StorageKey   string
	DownloadURL  string
	SizeBytes    int64
	MimeType     string
	UploadedBy   string
	CreatedAt    time.Time

	SessionID      *string
	Version        int
	IsCurrent      bool
	SupersededByID *string
	SupersededAt   *time.Time
}

// Versioned reports whether the document takes part in versioning. A blank
// session id counts as none, matching what PostgresStore persists.
func (d Document) Versioned() bool {
	return d.SessionID != nil && strings.TrimSpace(*d.SessionID) != ""
}

// SessionKey returns the session id or "" for unversioned documents.
func (d Document) SessionKey() string {
	if !d.Versioned() {
		return ""
	}
	return *d.SessionID
}

// Clone returns a deep copy so pointer fields are not shared.
func (d Document) Clone() Document {
	out := d
	if d.SessionID != nil {
		v := *d.SessionID
		out.SessionID = &v
	}
	if d.SupersededByID != nil {
		v := *d.SupersededByID
		out.SupersededByID = &v
	}
	if d.SupersededAt != nil {
		v := *d.SupersededAt
		out.SupersededAt = &v
	}
	return out
}

// SameVersioning compares only the rebuild-owned fields.
func (d Document) SameVersioning(other Document) bool {
	if d.Version != other.Version || d.IsCurrent != other.IsCurrent {
		return false
	}
	if !equalStringPtr(d.SupersededByID, other.SupersededByID) {
		return false
	}
	switch {
	case d.SupersededAt == nil && other.SupersededAt == nil:
		return true
	case d.SupersededAt == nil || other.SupersededAt == nil:
		return false
	default:
		return d.SupersededAt.Equal(*other.SupersededAt)
	}
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CloneDocuments deep-copies a slice of documents.
func CloneDocuments(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	return out
}
