package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/openportal/lock"
	"github.com/projecteru2/openportal/storage"
	"github.com/projecteru2/openportal/utils"
)

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store provides flock-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (exported fields with json
// tags). If *T implements storage.Initer, Init() runs after every load, so a
// missing file behaves as an initialized empty document.
type Store[T any] struct {
	filePath string
	locker   lock.Locker
}

// New creates a Store over filePath guarded by locker. All stores sharing a
// data file must share the locker (or at least its lock file).
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{filePath: filePath, locker: locker}
}

// With loads the JSON file under lock and passes the deserialized data to fn.
// The lock is held for the duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.load(fn)
	})
}

// Update performs a read-modify-write under lock.
// If fn returns nil the data is written back atomically.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.With(ctx, func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}

// Read deserializes the data without locking; the caller holds the lock.
func (s *Store[T]) Read(fn func(*T) error) error {
	return s.load(fn)
}

// Write is Update without locking; the caller holds the lock.
func (s *Store[T]) Write(fn func(*T) error) error {
	return s.load(func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}

// TryLock attempts to acquire the store lock without blocking.
func (s *Store[T]) TryLock(ctx context.Context) (bool, error) {
	return s.locker.TryLock(ctx)
}

// Unlock releases a lock acquired by TryLock.
func (s *Store[T]) Unlock(ctx context.Context) error {
	return s.locker.Unlock(ctx)
}

// load reads and deserializes the file, then hands the document to fn.
// A missing file yields a zero-value T; a present-but-unparseable file is
// reported as storage.ErrCorrupt rather than silently starting empty.
func (s *Store[T]) load(fn func(*T) error) error {
	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
	if err != nil {
		if os.IsNotExist(err) {
			initData(&data)
			return fn(&data)
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: parse %s: %v", storage.ErrCorrupt, s.filePath, err)
	}
	initData(&data)
	return fn(&data)
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
