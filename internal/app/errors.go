package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"stepdocs/api/internal/lock"
	"stepdocs/api/internal/store"
)

const (
	CodeNotFound               = "NOT_FOUND"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeStorageFieldsMissing   = "STORAGE_FIELDS_MISSING"
	CodeInvalidDocumentType    = "INVALID_DOCUMENT_TYPE"
	CodeInvalidUpload          = "INVALID_UPLOAD"
	CodeInvalidStep            = "INVALID_STEP"
	CodeStepExists             = "STEP_EXISTS"
	CodeInvalidOrder           = "INVALID_ORDER"
	CodeInvalidBody            = "INVALID_BODY"
	CodeServerError            = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(what, id string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %s not found", what, id), map[string]any{"id": id})
}

func concurrentModification(stepID string) *DomainError {
	return domainError(http.StatusConflict, CodeConcurrentModification,
		"step is being modified by another request, retry", map[string]any{"stepId": stepID})
}

// classify turns store and lock failures into domain errors. Anything it does
// not recognise is returned unchanged and ends up as a 500.
func classify(err error, what, id string) error {
	var domainErr *DomainError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound(what, id)
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, store.ErrLockTimeout), errors.Is(err, store.ErrConflict):
		return concurrentModification(id)
	default:
		return err
	}
}

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == CodeConcurrentModification
	}
	return errors.Is(err, context.DeadlineExceeded)
}
