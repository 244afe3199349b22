package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
)

// Create registers a new sandbox in stopped state. The gateway is never
// involved: containers exist only between Start and Stop.
//
// The workspace subtree is created before the record is persisted, so a
// failure leaves at worst an orphan directory (removed by the sweep) and
// never a record pointing at a missing workspace.
func (c *Controller) Create(ctx context.Context, name string, spec types.ResourceSpec) (*types.Sandbox, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}
	if spec.CPU <= 0 || spec.Memory <= 0 {
		return nil, fmt.Errorf("invalid resource spec: cpu=%d memory=%d", spec.CPU, spec.Memory)
	}

	id := registry.NewID()
	now := time.Now()

	wsPath, err := c.ws.Create(id)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	sb := types.Sandbox{
		ID:               id,
		Name:             name,
		State:            types.StateStopped,
		Spec:             spec,
		WorkspacePath:    wsPath,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		if idx.Sandboxes[id] != nil {
			return fmt.Errorf("id collision %q (retry)", id)
		}
		if dup, ok := idx.Names[name]; ok {
			return fmt.Errorf("sandbox name %q already exists (id: %s)", name, dup)
		}
		rec := sb
		idx.Sandboxes[id] = &rec
		idx.Names[name] = id
		return nil
	}); err != nil {
		if derr := c.ws.Destroy(id); derr != nil {
			log.WithFunc("controller.Create").Warnf(ctx, "rollback workspace %s: %v", id, derr)
		}
		return nil, err
	}
	return &sb, nil
}
