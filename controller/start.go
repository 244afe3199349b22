package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
	"github.com/projecteru2/openportal/utils"
)

// readyPollInterval is how often AddressOf is polled while the container
// boots.
const readyPollInterval = 500 * time.Millisecond

// Start provisions a container for a stopped sandbox and publishes its agent
// address. The stopped→starting transition is claimed under the store lock;
// everything that talks to the gateway runs outside it.
//
// Failure discipline once a container exists: terminate it before returning,
// then revert the record to stopped if this start still owns it. A state
// seen as non-starting at a commit means another request (a cancelling stop,
// a reconcile) took the record over; its outcome stands and the fresh
// container is torn down.
func (c *Controller) Start(ctx context.Context, ref string) (*types.Sandbox, error) {
	logger := log.WithFunc("controller.Start")

	var (
		id       string
		spec     types.ResourceSpec
		wsPath   string
		leftover string
	)
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		rid, err := registry.Resolve(idx, ref)
		if err != nil {
			return err
		}
		rec := idx.Sandboxes[rid]
		if rec.State != types.StateStopped {
			return fmt.Errorf("%w: start %s in state %s", ErrInvalidState, rid, rec.State)
		}
		id = rid
		spec = rec.Spec
		wsPath = rec.WorkspacePath
		leftover = rec.Handle
		rec.State = types.StateStarting
		rec.Handle = ""
		rec.Address = ""
		rec.LastTransitionAt = time.Now()
		return nil
	}); err != nil {
		return nil, err
	}

	// A stopped record still holding a handle means an earlier teardown never
	// finished. Clear it before provisioning a replacement.
	if leftover != "" {
		if err := gateway.WithRetry(ctx, func() error { return c.gw.Terminate(ctx, leftover) }); err != nil {
			logger.Warnf(ctx, "terminate leftover container %s of %s: %v", leftover, id, err)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, c.conf.ProvisionTimeout())
	defer cancel()

	handle, err := c.gw.Provision(pctx, id, spec, wsPath)
	if err != nil {
		c.revertIfStarting(ctx, id)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: provision sandbox %s: %v", gateway.ErrTimeout, id, err)
		}
		return nil, fmt.Errorf("provision sandbox %s: %w", id, err)
	}

	// Commit the handle before waiting for readiness: should this process
	// die from here on, the record names a container that reconcile can
	// find and terminate.
	var takenOver bool
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		rec := idx.Sandboxes[id]
		if rec == nil || rec.State != types.StateStarting {
			takenOver = true
			return nil
		}
		rec.Handle = handle
		return nil
	}); err != nil {
		c.terminateQuiet(ctx, id, handle)
		c.revertIfStarting(ctx, id)
		return nil, fmt.Errorf("record container for sandbox %s: %w", id, err)
	}
	if takenOver {
		c.terminateQuiet(ctx, id, handle)
		return nil, fmt.Errorf("%w: sandbox %s no longer starting", ErrInvalidState, id)
	}

	address, err := c.waitReady(pctx, handle)
	if err != nil {
		c.terminateQuiet(ctx, id, handle)
		c.revertIfStarting(ctx, id)
		if errors.Is(err, utils.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: sandbox %s not ready: %v", gateway.ErrTimeout, id, err)
		}
		return nil, fmt.Errorf("sandbox %s failed to come up: %w", id, err)
	}

	var result *types.Sandbox
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		rec := idx.Sandboxes[id]
		if rec == nil || rec.State != types.StateStarting {
			takenOver = true
			return nil
		}
		rec.State = types.StateRunning
		rec.Address = address
		rec.LastTransitionAt = time.Now()
		sb := *rec
		result = &sb
		return nil
	}); err != nil {
		// The running state never persisted, so the container must not
		// outlive this call.
		c.terminateQuiet(ctx, id, handle)
		c.revertIfStarting(ctx, id)
		return nil, fmt.Errorf("record running state for sandbox %s: %w", id, err)
	}
	if takenOver {
		c.terminateQuiet(ctx, id, handle)
		return nil, fmt.Errorf("%w: sandbox %s no longer starting", ErrInvalidState, id)
	}

	logger.Infof(ctx, "sandbox %s running at %s", id, address)
	return result, nil
}

// waitReady polls the gateway until the agent address is published.
func (c *Controller) waitReady(ctx context.Context, handle string) (string, error) {
	var address string
	err := utils.WaitFor(ctx, c.conf.ProvisionTimeout(), readyPollInterval, func() (bool, error) {
		addr, err := c.gw.AddressOf(ctx, handle)
		if err != nil {
			if errors.Is(err, gateway.ErrNotReady) {
				return false, nil
			}
			return false, err
		}
		address = addr
		return true, nil
	})
	return address, err
}
