package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local is an in-process Locker. It only serializes callers that share the
// same Local value.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	s := l.ref(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(key)
		return nil, fmt.Errorf("acquire %s: %w", key, ErrNotAcquired)
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
		return nil
	}, nil
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(l.slots, key)
	}
}
