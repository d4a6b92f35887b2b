package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stepdocs/api/internal/lock"
	"stepdocs/api/internal/store"
	"stepdocs/api/internal/util"
	"stepdocs/api/internal/versioning"
)

// UploadRecord is the metadata of a file already written to blob storage.
type UploadRecord struct {
	StepID       string
	DocumentType string
	OriginalName string
	StorageKey   string
	DownloadURL  string
	SizeBytes    int64
	MimeType     string
	UploaderID   string
	SessionID    *string
}

type UploadResult struct {
	// Document is the inserted row after the rebuild, or as inserted when
	// Discarded is true.
	Document store.Document
	// Discarded is set when the upload lost deduplication within its session.
	Discarded bool
	Rebuild   RebuildResult
}

type RebuildResult struct {
	StepID    string
	Sessions  int
	Removed   []string
	Updated   []string
	Conflicts []versioning.Conflict
	Changed   bool
}

func (s *Service) RecordUpload(ctx context.Context, record UploadRecord) (UploadResult, error) {
	doc, err := s.newDocument(record)
	if err != nil {
		return UploadResult{}, err
	}

	var plan versioning.Plan
	err = s.withStep(ctx, doc.StepID, func(tx store.StepTx) error {
		if _, err := tx.GetStep(ctx, doc.StepID); err != nil {
			return err
		}
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		plan, err = s.rebuildTx(ctx, tx, doc.StepID)
		return err
	})
	if err != nil {
		return UploadResult{}, classify(err, "step", doc.StepID)
	}

	result := UploadResult{Document: doc, Rebuild: s.afterRebuild(ctx, doc.StepID, plan)}
	for _, removed := range plan.Removed {
		if removed.ID == doc.ID {
			result.Discarded = true
		}
	}
	if !result.Discarded {
		for _, stored := range plan.Documents {
			if stored.ID == doc.ID {
				result.Document = stored
			}
		}
	}
	s.log.Info("upload recorded",
		"step_id", doc.StepID,
		"document_id", doc.ID,
		"document_type", doc.DocumentType,
		"session_id", doc.SessionKey(),
		"version", result.Document.Version,
		"discarded", result.Discarded,
	)
	return result, nil
}

// Rebuild recomputes versioning for one step. A consistent step is left
// untouched and reports Changed == false.
func (s *Service) Rebuild(ctx context.Context, stepID string) (RebuildResult, error) {
	var plan versioning.Plan
	err := s.withStep(ctx, stepID, func(tx store.StepTx) error {
		if _, err := tx.GetStep(ctx, stepID); err != nil {
			return err
		}
		var err error
		plan, err = s.rebuildTx(ctx, tx, stepID)
		return err
	})
	if err != nil {
		return RebuildResult{}, classify(err, "step", stepID)
	}
	return s.afterRebuild(ctx, stepID, plan), nil
}

func (s *Service) newDocument(record UploadRecord) (store.Document, error) {
	stepID := strings.TrimSpace(record.StepID)
	if !util.ValidID(stepID) {
		return store.Document{}, domainError(http.StatusBadRequest, CodeInvalidStep, "stepId is not valid", nil)
	}
	docType, err := store.ParseDocumentType(record.DocumentType)
	if err != nil {
		return store.Document{}, domainError(http.StatusBadRequest, CodeInvalidDocumentType, err.Error(),
			map[string]any{"allowed": store.DocumentTypes()})
	}
	if strings.TrimSpace(record.StorageKey) == "" || strings.TrimSpace(record.DownloadURL) == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, CodeStorageFieldsMissing,
			"storageKey and downloadUrl are required", nil)
	}
	name := strings.TrimSpace(record.OriginalName)
	if name == "" {
		return store.Document{}, domainError(http.StatusBadRequest, CodeInvalidUpload, "originalName is required", nil)
	}
	if record.SizeBytes < 0 {
		return store.Document{}, domainError(http.StatusBadRequest, CodeInvalidUpload, "sizeBytes must not be negative", nil)
	}
	uploader := strings.TrimSpace(record.UploaderID)
	if uploader == "" {
		return store.Document{}, domainError(http.StatusBadRequest, CodeInvalidUpload, "uploader is required", nil)
	}
	mimeType := strings.TrimSpace(record.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var sessionID *string
	if record.SessionID != nil {
		if trimmed := strings.TrimSpace(*record.SessionID); trimmed != "" {
			sessionID = &trimmed
		}
	}

	return store.Document{
		ID:           util.NewID("doc"),
		StepID:       stepID,
		DocumentType: docType,
		OriginalName: name,
		StorageKey:   strings.TrimSpace(record.StorageKey),
		DownloadURL:  strings.TrimSpace(record.DownloadURL),
		SizeBytes:    record.SizeBytes,
		MimeType:     mimeType,
		UploadedBy:   uploader,
		CreatedAt:    s.timestamp(),
		SessionID:    sessionID,
	}, nil
}

// withStep serializes writers of a step with the distributed lock and runs
// fn in the store's step transaction.
func (s *Service) withStep(ctx context.Context, stepID string, fn func(store.StepTx) error) error {
	release, err := s.locker.Acquire(ctx, lock.StepKey(stepID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.log.Warn("step lock contention", "step_id", stepID)
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			s.log.Warn("release step lock", "step_id", stepID, "error", err)
		}
	}()
	return s.store.InStepTx(ctx, stepID, fn)
}

// rebuildTx persists the rebuild plan for the step inside tx.
func (s *Service) rebuildTx(ctx context.Context, tx store.StepTx, stepID string) (versioning.Plan, error) {
	docs, err := tx.ListStepDocuments(ctx, stepID)
	if err != nil {
		return versioning.Plan{}, fmt.Errorf("list step documents: %w", err)
	}
	plan := versioning.BuildPlan(docs, s.policy)
	if err := versioning.Check(plan.Documents); err != nil {
		return versioning.Plan{}, fmt.Errorf("rebuild step %s: %w", stepID, err)
	}
	if len(plan.Removed) > 0 {
		if err := tx.DeleteDocuments(ctx, plan.RemovedIDs()); err != nil {
			return versioning.Plan{}, fmt.Errorf("delete duplicates: %w", err)
		}
	}
	if len(plan.Updates) > 0 {
		if err := tx.UpdateVersioning(ctx, plan.Updates); err != nil {
			return versioning.Plan{}, fmt.Errorf("update versioning: %w", err)
		}
	}
	return plan, nil
}

// afterRebuild runs the post-commit side effects of a plan and summarizes it.
func (s *Service) afterRebuild(ctx context.Context, stepID string, plan versioning.Plan) RebuildResult {
	result := RebuildResult{
		StepID:    stepID,
		Sessions:  len(plan.Sessions),
		Removed:   plan.RemovedIDs(),
		Updated:   make([]string, 0, len(plan.Updates)),
		Conflicts: plan.Conflicts,
		Changed:   plan.Changed(),
	}
	for _, doc := range plan.Updates {
		result.Updated = append(result.Updated, doc.ID)
	}

	for _, conflict := range plan.Conflicts {
		s.log.Warn("consistency violation: duplicate upload timestamps",
			"step_id", stepID,
			"session_id", conflict.SessionID,
			"document_type", conflict.DocumentType,
			"kept_id", conflict.KeptID,
			"tied_ids", conflict.TiedIDs,
		)
	}

	if s.blobs != nil {
		for _, doc := range plan.Removed {
			if err := s.blobs.Remove(ctx, doc.StorageKey); err != nil {
				s.log.Warn("remove duplicate blob", "step_id", stepID, "document_id", doc.ID, "storage_key", doc.StorageKey, "error", err)
			}
		}
	}

	if result.Changed {
		if s.search != nil {
			s.search.SyncStep(stepID, currentOf(plan.Documents))
		}
		s.log.Info("step rebuilt",
			"step_id", stepID,
			"sessions", result.Sessions,
			"removed", result.Removed,
			"updated", len(result.Updated),
		)
	}
	return result
}

func currentOf(docs []store.Document) []store.Document {
	out := make([]store.Document, 0)
	for _, doc := range docs {
		if doc.Versioned() && doc.IsCurrent {
			out = append(out, doc)
		}
	}
	return out
}
