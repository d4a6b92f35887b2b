// Package lock serializes writers of one step across processes.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when a lock is still held by someone else once
// the wait budget runs out.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a lock back. It is safe to call once.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// StepKey namespaces a step id for Acquire.
func StepKey(stepID string) string {
	return "step:" + stepID
}
