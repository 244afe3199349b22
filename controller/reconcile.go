package controller

import (
	"context"
	"sort"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
)

// ReconcileOptions narrows a reconcile pass.
type ReconcileOptions struct {
	// OlderThan, when non-zero, restricts repair to transient records whose
	// last transition is at least this old. The steady-state sweep sets it
	// so it never fights a transition in flight in another process; the
	// startup pass leaves it zero to repair everything.
	OlderThan time.Duration
}

// Reconcile converges interrupted transitions. A record stuck in starting
// means the start failed somewhere before its running commit; one stuck in
// stopping means the stop did everything but its final commit. Both go back
// to stopped, and any handle they held is terminated (idempotent, best
// effort). One pass converges every eligible record.
func (c *Controller) Reconcile(ctx context.Context, opts ReconcileOptions) ([]string, error) {
	logger := log.WithFunc("controller.Reconcile")
	cutoff := time.Now().Add(-opts.OlderThan)

	// Read-only probe first, so an idle pass never rewrites the document.
	stale := false
	if err := c.store.With(ctx, func(idx *registry.Index) error {
		for _, rec := range idx.Sandboxes {
			if rec != nil && rec.State.Transient() && !rec.LastTransitionAt.After(cutoff) {
				stale = true
				break
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if !stale {
		return nil, nil
	}

	var repaired []string
	handles := map[string]string{} // id → handle
	if err := c.store.Update(ctx, func(idx *registry.Index) error {
		now := time.Now()
		for id, rec := range idx.Sandboxes {
			if rec == nil || !rec.State.Transient() || rec.LastTransitionAt.After(cutoff) {
				continue
			}
			if rec.Handle != "" {
				handles[id] = rec.Handle
			}
			logger.Infof(ctx, "repair sandbox %s: %s → %s", id, rec.State, types.StateStopped)
			rec.State = types.StateStopped
			rec.Handle = ""
			rec.Address = ""
			rec.LastTransitionAt = now
			repaired = append(repaired, id)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for id, handle := range handles {
		c.terminateQuiet(ctx, id, handle)
	}
	sort.Strings(repaired)
	return repaired, nil
}
