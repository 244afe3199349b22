package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	// TryLock attempts a non-blocking acquisition.
	// Returns (false, nil) if currently held by another caller.
	TryLock(ctx context.Context) (bool, error)
}

// WithLock runs fn while holding l. The lock is released even when fn
// returns an error; an unlock failure never masks fn's error.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}
