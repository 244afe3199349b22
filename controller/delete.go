package controller

import (
	"context"
	"fmt"

	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
)

// Delete removes a stopped sandbox: registry record first, then the
// workspace subtree. Removing the record is the claim — of two concurrent
// deletes exactly one finds the record, the other gets ErrNotFound.
//
// A workspace subtree that fails to go away is surfaced as an error; the
// record is already gone, so the sweep retries the subtree as an orphan.
func (c *Controller) Delete(ctx context.Context, ref string) error {
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
		if rec.State != types.StateStopped {
			return fmt.Errorf("%w: delete %s in state %s", ErrInvalidState, rid, rec.State)
		}
		id = rid
		handle = rec.Handle
		delete(idx.Sandboxes, rid)
		if idx.Names[rec.Name] == rid {
			delete(idx.Names, rec.Name)
		}
		return nil
	}); err != nil {
		return err
	}

	// A stopped record can still hold a handle after an interrupted stop;
	// clear the container before its workspace.
	c.terminateQuiet(ctx, id, handle)

	if err := c.ws.Destroy(id); err != nil {
		return fmt.Errorf("destroy workspace of %s: %w", id, err)
	}
	return nil
}
