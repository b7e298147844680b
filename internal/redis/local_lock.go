package redisclient

import (
	"context"
	"sync"
	"time"
)

// localSlotLocker serializes slot keys inside one process. It is the locker for
// single-instance deployments and tests; it gives no protection across processes.
type localSlotLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
	wait  time.Duration
}

type localSlot struct {
	sem  chan struct{}
	refs int
}

func NewLocalSlotLocker(wait time.Duration) Locker {
	return &localSlotLocker{
		slots: map[string]*localSlot{},
		wait:  wait,
	}
}

func (l *localSlotLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	slot := l.ref(key)
	defer l.unref(key)

	if err := l.acquire(ctx, slot); err != nil {
		return err
	}
	defer func() { <-slot.sem }()

	return fn(ctx)
}

// acquire takes a free slot without arming the timer, so a zero wait still
// succeeds when nobody holds the key.
func (l *localSlotLocker) acquire(ctx context.Context, slot *localSlot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case slot.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockNotAcquired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localSlotLocker) ref(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &localSlot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *localSlotLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
