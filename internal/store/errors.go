package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout means the per-step lock was not granted in time.
	ErrLockTimeout = errors.New("step lock timeout")
	// ErrConflict covers unique and serialization conflicts.
	ErrConflict = errors.New("conflict")
	// ErrInvalid covers rows rejected by schema checks.
	ErrInvalid = errors.New("invalid row")
)

// mapError tags driver errors with the package sentinels so callers can
// branch with errors.Is. op is prefixed the same way as other store errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "55P03": // lock_not_available
			return fmt.Errorf("%s: %w: %v", op, ErrLockTimeout, err)
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock
			return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		case "23514", "22P02": // check_violation, invalid_text_representation
			return fmt.Errorf("%s: %w: %v", op, ErrInvalid, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
