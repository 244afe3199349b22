package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
)

// Stop tears down the container of a running sandbox. Stopping a starting
// sandbox cancels the in-flight start: this request claims the record, and
// the starter's next commit notices the takeover and removes its own
// container.
//
// The address is cleared at the stopping commit — before the container goes
// away — so no reader ever sees a published address for a sandbox on its way
// down. A termination that still fails after retries is logged and the
// record converges to stopped anyway; a surviving container is an orphan the
// registry no longer references.
func (c *Controller) Stop(ctx context.Context, ref string) (*types.Sandbox, error) {
	logger := log.WithFunc("controller.Stop")

	var (
		id     string
		handle string
	)
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		rid, err := registry.Resolve(idx, ref)
		if err != nil {
			return err
		}
		rec := idx.Sandboxes[rid]
		if rec.State != types.StateRunning && rec.State != types.StateStarting {
			return fmt.Errorf("%w: stop %s in state %s", ErrInvalidState, rid, rec.State)
		}
		id = rid
		handle = rec.Handle
		rec.State = types.StateStopping
		rec.Address = ""
		rec.LastTransitionAt = time.Now()
		return nil
	}); err != nil {
		return nil, err
	}

	if handle != "" {
		if err := gateway.WithRetry(ctx, func() error { return c.gw.Terminate(ctx, handle) }); err != nil {
			logger.Warnf(ctx, "terminate container %s of sandbox %s: %v (container may be orphaned)", handle, id, err)
		}
	}

	var (
		result    *types.Sandbox
		takenOver bool
	)
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		rec := idx.Sandboxes[id]
		if rec == nil || rec.State != types.StateStopping {
			takenOver = true
			return nil
		}
		rec.State = types.StateStopped
		rec.Handle = ""
		rec.Address = ""
		rec.LastTransitionAt = time.Now()
		sb := *rec
		result = &sb
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record stopped state for sandbox %s: %w", id, err)
	}
	if takenOver {
		// A reconcile forced the record to stopped while we were tearing the
		// container down. The container is gone either way; report whatever
		// the registry holds now.
		logger.Warnf(ctx, "sandbox %s left stopping state during teardown", id)
		return c.Get(ctx, id)
	}
	return result, nil
}
