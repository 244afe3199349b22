package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/openportal/types"
)

var (
	// ErrResourceUnavailable means the backend refused or failed to supply a
	// container for the requested resources.
	ErrResourceUnavailable = errors.New("sandbox resources unavailable")
	// ErrTimeout means a provision did not produce a reachable container
	// within its deadline.
	ErrTimeout = errors.New("provision timed out")
	// ErrNotReady means the container exists but its agent endpoint is not
	// reachable yet. Callers poll until it clears.
	ErrNotReady = errors.New("sandbox not ready")
)

const (
	// MaxRetries is the number of retry attempts for transient backend errors.
	MaxRetries = 3
	// BaseBackoff is the initial backoff duration; doubled on each retry.
	BaseBackoff = 100 * time.Millisecond
)

// Gateway provisions and terminates the remote containers backing sandboxes.
// Implementations are injected into the controller; all methods must be safe
// for concurrent use.
type Gateway interface {
	Type() string

	// Provision creates and starts a container for sandbox id with
	// workspacePath mounted, returning an opaque handle for later calls.
	Provision(ctx context.Context, id string, spec types.ResourceSpec, workspacePath string) (string, error)
	// Terminate tears the container down. Idempotent: terminating a handle
	// that is already gone returns nil.
	Terminate(ctx context.Context, handle string) error
	// AddressOf returns the public endpoint of the agent inside the
	// container. Returns ErrNotReady while the container is still coming up
	// and a hard error once it is gone.
	AddressOf(ctx context.Context, handle string) (string, error)
}

// WithRetry retries fn up to MaxRetries times with exponential backoff.
// Context errors are never retried; everything else counts as transient.
func WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// IsRetryable returns true for errors worth retrying. Cancellation and
// deadline expiry are permanent for the calling request.
func IsRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
