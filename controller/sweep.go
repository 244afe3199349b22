package controller

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/types"
	"github.com/projecteru2/openportal/utils"
)

// staleTransientGrace is how old a transient record must be before the
// steady-state sweep repairs it. Long enough that no healthy start or stop
// is still in flight.
const staleTransientGrace = 10 * time.Minute

// Report summarises one sweep pass.
type Report struct {
	Expired  []string `json:"expired"`  // running sandboxes stopped for exceeding max lifetime
	Repaired []string `json:"repaired"` // stale transients reverted to stopped
	Orphans  []string `json:"orphans"`  // workspace subtrees removed
}

// Sweep runs one housekeeping pass: stop running sandboxes past the max
// lifetime, repair stale transient records, and remove orphan workspace
// subtrees. All three are best effort — a sandbox that fails to stop is
// retried on the next pass.
func (c *Controller) Sweep(ctx context.Context) (*Report, error) {
	logger := log.WithFunc("controller.Sweep")
	report := &Report{}

	// One snapshot: overdue running ids, plus the live id set for the
	// orphan scan. A zero max lifetime disables expiry.
	var overdue []string
	live := map[string]struct{}{}
	maxLifetime := c.conf.MaxLifetime()
	deadline := time.Now().Add(-maxLifetime)
	if err := c.store.With(ctx, func(idx *registry.Index) error {
		for id, rec := range idx.Sandboxes {
			if rec == nil {
				continue
			}
			live[id] = struct{}{}
			if maxLifetime > 0 && rec.State == types.StateRunning && rec.LastTransitionAt.Before(deadline) {
				overdue = append(overdue, id)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Strings(overdue)

	// Expired sandboxes get ordinary Stops, a few at a time. Failures are
	// logged, not returned: the id stays running and the next pass retries.
	if len(overdue) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		limit := c.conf.PoolSize
		if limit <= 0 {
			limit = runtime.NumCPU()
		}
		g.SetLimit(limit)
		for _, id := range overdue {
			g.Go(func() error {
				logger.Infof(gctx, "sandbox %s exceeded max lifetime, stopping", id)
				if _, err := c.Stop(gctx, id); err != nil {
					logger.Warnf(gctx, "stop expired sandbox %s: %v", id, err)
					return nil
				}
				mu.Lock()
				report.Expired = append(report.Expired, id)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		sort.Strings(report.Expired)
	}

	repaired, err := c.Reconcile(ctx, ReconcileOptions{OlderThan: staleTransientGrace})
	if err != nil {
		logger.Warnf(ctx, "reconcile stale transients: %v", err)
	}
	report.Repaired = repaired

	// Orphan workspace subtrees: directories with no registry record, old
	// enough that no in-flight create can still own them.
	staleCutoff := time.Now().Add(-utils.StaleDirAge)
	orphans := map[string]struct{}{}
	for _, name := range utils.FilterUnreferenced(utils.ScanSubdirs(c.ws.Root()), live) {
		orphans[name] = struct{}{}
	}
	removed, errs := utils.RemoveMatching(ctx, c.ws.Root(), func(e os.DirEntry) bool {
		if !e.IsDir() {
			return false
		}
		if _, ok := orphans[e.Name()]; !ok {
			return false
		}
		return utils.OlderThan(e, staleCutoff)
	})
	for _, err := range errs {
		logger.Warnf(ctx, "remove orphan workspace: %v", err)
	}
	sort.Strings(removed)
	report.Orphans = removed

	return report, nil
}

// RunSweeper loops Sweep on the configured interval until ctx is done.
// Intended to run in its own goroutine next to a serving facade.
func (c *Controller) RunSweeper(ctx context.Context) {
	logger := log.WithFunc("controller.RunSweeper")
	interval := c.conf.SweepInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger.Infof(ctx, "sweeper running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				logger.Warnf(ctx, "sweep: %v", err)
			}
		}
	}
}
