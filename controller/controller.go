// Package controller implements the sandbox lifecycle: Create, Start, Stop,
// Delete, plus the reconcile and sweep housekeeping passes. All state lives
// in the registry store; containers are driven through a gateway.Gateway.
//
// Concurrency model: the transient states (starting, stopping) are per-id
// mutual-exclusion markers claimed by a check-and-set pass under the store
// lock. The lock is held only for those passes — never across a gateway
// call — so competing requests fail fast with ErrInvalidState instead of
// queueing behind a slow container operation.
package controller

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/config"
	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/storage"
	"github.com/projecteru2/openportal/types"
	"github.com/projecteru2/openportal/workspace"
)

// ErrInvalidState is returned when an operation does not apply to the
// sandbox's current state (start on a running sandbox, delete on a running
// one, a transient state held by another request, ...).
var ErrInvalidState = errors.New("invalid sandbox state")

// Controller coordinates the registry store, the workspace manager and the
// provisioning gateway.
type Controller struct {
	conf  *config.Config
	store storage.Store[registry.Index]
	gw    gateway.Gateway
	ws    *workspace.Manager
}

// New wires a controller. Call Load once before serving requests.
func New(conf *config.Config, store storage.Store[registry.Index], gw gateway.Gateway, ws *workspace.Manager) *Controller {
	return &Controller{conf: conf, store: store, gw: gw, ws: ws}
}

// Load is the startup preflight: it reads the registry document once so a
// corrupt file (storage.ErrCorrupt) halts startup instead of being shadowed
// by an empty registry on the first mutation.
func (c *Controller) Load(ctx context.Context) error {
	return c.store.With(ctx, func(*registry.Index) error { return nil })
}

// Get returns the sandbox identified by ref (id, name, or id prefix).
func (c *Controller) Get(ctx context.Context, ref string) (*types.Sandbox, error) {
	var result *types.Sandbox
	return result, c.store.With(ctx, func(idx *registry.Index) error {
		id, err := registry.Resolve(idx, ref)
		if err != nil {
			return err
		}
		sb := *idx.Sandboxes[id] // value copy — detached from the index record
		result = &sb
		return nil
	})
}

// List returns all sandboxes sorted by creation time (id as tiebreak).
func (c *Controller) List(ctx context.Context) ([]*types.Sandbox, error) {
	var result []*types.Sandbox
	err := c.store.With(ctx, func(idx *registry.Index) error {
		for _, rec := range idx.Sandboxes {
			if rec == nil {
				continue
			}
			sb := *rec
			result = append(result, &sb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// revertIfStarting rolls a failed start back to stopped. Only applies while
// the record is still starting: if another request (a cancelling stop, a
// reconcile) took the record over, its outcome stands.
func (c *Controller) revertIfStarting(ctx context.Context, id string) {
	err := c.store.Update(ctx, func(idx *registry.Index) error {
		rec := idx.Sandboxes[id]
		if rec == nil || rec.State != types.StateStarting {
			return nil
		}
		rec.State = types.StateStopped
		rec.Handle = ""
		rec.Address = ""
		rec.LastTransitionAt = time.Now()
		return nil
	})
	if err != nil {
		log.WithFunc("controller.revertIfStarting").Warnf(ctx, "revert sandbox %s: %v", id, err)
	}
}

// terminateQuiet tears a container down with retry, logging instead of
// failing: it runs on paths where a more important error is already being
// returned to the caller.
func (c *Controller) terminateQuiet(ctx context.Context, id, handle string) {
	if handle == "" {
		return
	}
	err := gateway.WithRetry(ctx, func() error {
		return c.gw.Terminate(ctx, handle)
	})
	if err != nil {
		log.WithFunc("controller.terminateQuiet").Warnf(ctx, "terminate container %s of sandbox %s: %v (container may be orphaned)", handle, id, err)
	}
}
