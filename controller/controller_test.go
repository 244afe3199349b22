package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/openportal/config"
	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/gateway/mock"
	"github.com/projecteru2/openportal/lock/flock"
	"github.com/projecteru2/openportal/registry"
	"github.com/projecteru2/openportal/storage"
	storejson "github.com/projecteru2/openportal/storage/json"
	"github.com/projecteru2/openportal/types"
	"github.com/projecteru2/openportal/workspace"
)

// flakyStore fails the nth Update call (1-based), delegating everything else
// to the wrapped store. failOn = 0 never fails.
type flakyStore struct {
	storage.Store[registry.Index]
	failOn  int
	updates int
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) Update(ctx context.Context, fn func(*registry.Index) error) error {
	f.updates++
	if f.updates == f.failOn {
		return errDiskFull
	}
	return f.Store.Update(ctx, fn)
}

type env struct {
	ctrl  *Controller
	gw    *mock.Gateway
	conf  *config.Config
	store *flakyStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.ProvisionTimeoutSeconds = 5
	conf.StopTimeoutSeconds = 1
	require.NoError(t, conf.EnsureBaseDirs())

	locker := flock.New(conf.RegistryLock())
	store := &flakyStore{Store: storejson.New[registry.Index](conf.RegistryFile(), locker)}
	gw := mock.New()
	ws := workspace.New(conf.WorkspacesRoot())
	return &env{
		ctrl:  New(conf, store, gw, ws),
		gw:    gw,
		conf:  conf,
		store: store,
	}
}

func newTestController(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	require.NoError(t, e.ctrl.Load(context.Background()))
	return e
}

func testSpec() types.ResourceSpec {
	return types.ResourceSpec{CPU: 1, Memory: 256 * 1024 * 1024}
}

func (e *env) mustCreate(t *testing.T, name string) *types.Sandbox {
	t.Helper()
	sb, err := e.ctrl.Create(context.Background(), name, testSpec())
	require.NoError(t, err)
	return sb
}

func (e *env) mustStart(t *testing.T, ref string) *types.Sandbox {
	t.Helper()
	sb, err := e.ctrl.Start(context.Background(), ref)
	require.NoError(t, err)
	return sb
}

// edit mutates one record directly, simulating what a crashed or foreign
// writer could leave behind.
func (e *env) edit(t *testing.T, id string, fn func(*types.Sandbox)) {
	t.Helper()
	require.NoError(t, e.store.Update(context.Background(), func(idx *registry.Index) error {
		rec := idx.Sandboxes[id]
		require.NotNil(t, rec)
		fn(rec)
		return nil
	}))
}

func TestCreate(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "alpha")
	require.Len(t, sb.ID, 12)
	require.Equal(t, types.StateStopped, sb.State)
	require.Empty(t, sb.Handle)
	require.Empty(t, sb.Address)
	require.DirExists(t, sb.WorkspacePath)
	require.Equal(t, sb.CreatedAt, sb.LastTransitionAt)

	// Names are unique.
	_, err := e.ctrl.Create(ctx, "alpha", testSpec())
	require.ErrorContains(t, err, "already exists")

	// The gateway is never involved in create.
	require.Zero(t, e.gw.ProvisionCalls)
}

func TestCreateRejectsBadInput(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	_, err := e.ctrl.Create(ctx, "-bad-name", testSpec())
	require.Error(t, err)

	_, err = e.ctrl.Create(ctx, "ok", types.ResourceSpec{CPU: 0, Memory: 1})
	require.ErrorContains(t, err, "invalid resource spec")
}

func TestCreateRollsBackWorkspaceOnPersistFailure(t *testing.T) {
	e := newTestController(t)

	e.store.failOn = 1
	_, err := e.ctrl.Create(context.Background(), "doomed", testSpec())
	require.ErrorIs(t, err, errDiskFull)

	entries, err := os.ReadDir(e.conf.WorkspacesRoot())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStartHappyPath(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "runner")
	started := e.mustStart(t, sb.ID)
	require.Equal(t, types.StateRunning, started.State)
	require.NotEmpty(t, started.Handle)
	require.NotEmpty(t, started.Address)

	// The container was provisioned for this sandbox with its workspace.
	c := e.gw.Lookup(started.Handle)
	require.NotNil(t, c)
	require.Equal(t, sb.ID, c.SandboxID)
	require.Equal(t, sb.WorkspacePath, c.WorkspacePath)
	require.Equal(t, testSpec(), c.Spec)

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, cur.State)
	require.True(t, cur.LastTransitionAt.After(sb.CreatedAt) || cur.LastTransitionAt.Equal(sb.CreatedAt))
}

func TestStartWrongState(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "once")
	e.mustStart(t, sb.ID)

	_, err := e.ctrl.Start(ctx, sb.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = e.ctrl.Start(ctx, "no-such-ref")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestStartConcurrentExclusive(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "excl")
	e.gw.Gate = make(chan struct{})

	startErr := make(chan error, 1)
	go func() {
		_, err := e.ctrl.Start(ctx, sb.ID)
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		cur, err := e.ctrl.Get(ctx, sb.ID)
		return err == nil && cur.State == types.StateStarting
	}, 2*time.Second, 10*time.Millisecond)

	// The loser observes the starting claim and fails fast.
	_, err := e.ctrl.Start(ctx, sb.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	close(e.gw.Gate)
	require.NoError(t, <-startErr)
	require.Equal(t, 1, e.gw.ProvisionCalls)

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, cur.State)
}

func TestStartRevertsOnProvisionFailure(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "noluck")
	e.gw.SetError("Provision", gateway.ErrResourceUnavailable)

	_, err := e.ctrl.Start(ctx, sb.ID)
	require.ErrorIs(t, err, gateway.ErrResourceUnavailable)

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
	require.Empty(t, cur.Handle)
	require.Empty(t, e.gw.Live())
}

func TestStartTerminatesContainerOnPersistFailure(t *testing.T) {
	// Update sequence for create+start: 1 insert, 2 claim starting,
	// 3 commit handle, 4 commit running.
	for _, failOn := range []int{3, 4} {
		t.Run("", func(t *testing.T) {
			e := newTestController(t)
			ctx := context.Background()

			sb := e.mustCreate(t, "persistfail")
			e.store.failOn = failOn

			_, err := e.ctrl.Start(ctx, sb.ID)
			require.ErrorIs(t, err, errDiskFull)

			// No container survives an unpersisted start.
			require.Empty(t, e.gw.Live())
			require.NotZero(t, e.gw.TerminateCalls)

			cur, err := e.ctrl.Get(ctx, sb.ID)
			require.NoError(t, err)
			require.Equal(t, types.StateStopped, cur.State)
			require.Empty(t, cur.Handle)
			require.Empty(t, cur.Address)
		})
	}
}

func TestStartWaitsForReadiness(t *testing.T) {
	e := newTestController(t)

	sb := e.mustCreate(t, "slowboot")
	e.gw.ReadyAfter = 2

	started := e.mustStart(t, sb.ID)
	require.Equal(t, types.StateRunning, started.State)
	c := e.gw.Lookup(started.Handle)
	require.NotNil(t, c)
	require.GreaterOrEqual(t, c.Polls, 3)
}

func TestStartTimesOutWhenNeverReady(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	e.conf.ProvisionTimeoutSeconds = 1
	sb := e.mustCreate(t, "neverready")
	e.gw.ReadyAfter = 1 << 30

	_, err := e.ctrl.Start(ctx, sb.ID)
	require.ErrorIs(t, err, gateway.ErrTimeout)

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
	require.Empty(t, e.gw.Live())
}

func TestStartAbortsWhenContainerDies(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "flatline")
	e.gw.SetError("AddressOf", errors.New("container exited"))

	_, err := e.ctrl.Start(ctx, sb.ID)
	require.ErrorContains(t, err, "container exited")

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
	require.Empty(t, e.gw.Live())
}

func TestStartTerminatesLeftoverHandle(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "leftover")
	started := e.mustStart(t, sb.ID)
	old := started.Handle

	// Simulate a foreign writer that left a stopped record still holding
	// its old container.
	e.edit(t, sb.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStopped
		rec.Address = ""
	})

	again := e.mustStart(t, sb.ID)
	require.NotEqual(t, old, again.Handle)

	c := e.gw.Lookup(old)
	require.NotNil(t, c)
	require.True(t, c.Terminated)
	require.Len(t, e.gw.Live(), 1)

	_, err := e.ctrl.Stop(ctx, sb.ID)
	require.NoError(t, err)
	require.Empty(t, e.gw.Live())
}

func TestStopHappyPath(t *testing.T) {
	e := newTestController(t)

	sb := e.mustCreate(t, "stopper")
	started := e.mustStart(t, sb.ID)

	stopped, err := e.ctrl.Stop(context.Background(), sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, stopped.State)
	require.Empty(t, stopped.Handle)
	require.Empty(t, stopped.Address)

	c := e.gw.Lookup(started.Handle)
	require.NotNil(t, c)
	require.True(t, c.Terminated)
}

func TestStopWrongState(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "coldstop")
	_, err := e.ctrl.Stop(ctx, sb.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = e.ctrl.Stop(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestStopClearsAddressAtStoppingCommit(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "draining")
	e.mustStart(t, sb.ID)

	// Failing terminations hold the record in stopping long enough to
	// observe the intermediate commit.
	e.gw.SetError("Terminate", errors.New("daemon busy"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.ctrl.Stop(ctx, sb.ID)
	}()

	require.Eventually(t, func() bool {
		cur, err := e.ctrl.Get(ctx, sb.ID)
		return err == nil && cur.State == types.StateStopping
	}, 2*time.Second, 5*time.Millisecond)

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopping, cur.State)
	require.Empty(t, cur.Address)
	require.NotEmpty(t, cur.Handle)

	<-done
	cur, err = e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
	require.Empty(t, cur.Handle)
}

func TestStopConvergesWhenTerminateKeepsFailing(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "orphaned")
	e.mustStart(t, sb.ID)
	e.gw.SetError("Terminate", errors.New("daemon gone"))

	stopped, err := e.ctrl.Stop(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, stopped.State)
	// Retries were attempted before giving the container up as an orphan.
	require.Equal(t, gateway.MaxRetries+1, e.gw.TerminateCalls)
}

func TestStopCancelsInFlightStart(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "cancelme")
	e.gw.Gate = make(chan struct{})

	startErr := make(chan error, 1)
	go func() {
		_, err := e.ctrl.Start(ctx, sb.ID)
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		cur, err := e.ctrl.Get(ctx, sb.ID)
		return err == nil && cur.State == types.StateStarting
	}, 2*time.Second, 10*time.Millisecond)

	// The stop takes the record over while the start waits on the gateway.
	stopped, err := e.ctrl.Stop(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, stopped.State)

	close(e.gw.Gate)
	require.ErrorIs(t, <-startErr, ErrInvalidState)

	// The start noticed the takeover and removed its own container.
	require.Empty(t, e.gw.Live())
	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
	require.Empty(t, cur.Handle)
}

func TestDelete(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "gone")
	wsPath := sb.WorkspacePath

	require.NoError(t, e.ctrl.Delete(ctx, sb.ID))
	require.NoDirExists(t, wsPath)

	_, err := e.ctrl.Get(ctx, sb.ID)
	require.ErrorIs(t, err, registry.ErrNotFound)

	// Record removal is the claim: the second delete finds nothing.
	require.ErrorIs(t, e.ctrl.Delete(ctx, sb.ID), registry.ErrNotFound)
}

func TestDeleteRejectsNonStopped(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "busy")
	e.mustStart(t, sb.ID)

	err := e.ctrl.Delete(ctx, sb.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	// Still intact.
	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, cur.State)
}

func TestDeleteFreesNameForReuse(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "recycled")
	require.NoError(t, e.ctrl.Delete(ctx, sb.ID))

	again := e.mustCreate(t, "recycled")
	require.NotEqual(t, sb.ID, again.ID)

	got, err := e.ctrl.Get(ctx, "recycled")
	require.NoError(t, err)
	require.Equal(t, again.ID, got.ID)
}

func TestGetAndListResolution(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	first := e.mustCreate(t, "one")
	second := e.mustCreate(t, "two")

	byName, err := e.ctrl.Get(ctx, "two")
	require.NoError(t, err)
	require.Equal(t, second.ID, byName.ID)

	byPrefix, err := e.ctrl.Get(ctx, first.ID[:6])
	require.NoError(t, err)
	require.Equal(t, first.ID, byPrefix.ID)

	all, err := e.ctrl.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID) // created first, listed first
}

func TestListDetachedCopies(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "immutable")
	all, err := e.ctrl.List(ctx)
	require.NoError(t, err)
	all[0].State = types.StateRunning // mutating the copy

	cur, err := e.ctrl.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)
}

func TestLoadHaltsOnCorruptRegistry(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.conf.RegistryFile(), []byte("{broken"), 0o644))

	err := e.ctrl.Load(context.Background())
	require.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestRegistrySurvivesReload(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "durable")

	// A second controller over the same root sees the identical record.
	locker := flock.New(e.conf.RegistryLock())
	store := storejson.New[registry.Index](e.conf.RegistryFile(), locker)
	ctrl2 := New(e.conf, store, e.gw, workspace.New(e.conf.WorkspacesRoot()))
	require.NoError(t, ctrl2.Load(ctx))

	got, err := ctrl2.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, sb.ID, got.ID)
	require.Equal(t, sb.Name, got.Name)
	require.Equal(t, sb.State, got.State)
	require.Equal(t, sb.Spec, got.Spec)
	require.True(t, sb.CreatedAt.Equal(got.CreatedAt))
}

func TestReconcileRepairsInterruptedTransitions(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	// A start that died right after committing its handle.
	crashed := e.mustCreate(t, "crashed-start")
	started := e.mustStart(t, crashed.ID)
	e.edit(t, crashed.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStarting
		rec.Address = ""
	})

	// A stop that died before its final commit.
	interrupted := e.mustCreate(t, "crashed-stop")
	e.edit(t, interrupted.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStopping
	})

	healthy := e.mustCreate(t, "healthy")

	repaired, err := e.ctrl.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{crashed.ID, interrupted.ID}, repaired)

	for _, id := range []string{crashed.ID, interrupted.ID, healthy.ID} {
		cur, err := e.ctrl.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StateStopped, cur.State)
		require.Empty(t, cur.Handle)
		require.Empty(t, cur.Address)
	}

	// The crashed start's container was terminated.
	c := e.gw.Lookup(started.Handle)
	require.NotNil(t, c)
	require.True(t, c.Terminated)
	require.Empty(t, e.gw.Live())

	// A second pass has nothing left to do.
	repaired, err = e.ctrl.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.Empty(t, repaired)
}

func TestReconcileOlderThanSkipsFreshTransients(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	stale := e.mustCreate(t, "stale")
	e.edit(t, stale.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStarting
		rec.LastTransitionAt = time.Now().Add(-time.Hour)
	})

	fresh := e.mustCreate(t, "fresh")
	e.edit(t, fresh.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStarting
	})

	repaired, err := e.ctrl.Reconcile(ctx, ReconcileOptions{OlderThan: 10 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, []string{stale.ID}, repaired)

	cur, err := e.ctrl.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStarting, cur.State)
}

func TestSweep(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	// Running past the max lifetime: swept.
	expired := e.mustCreate(t, "expired")
	e.mustStart(t, expired.ID)
	e.edit(t, expired.ID, func(rec *types.Sandbox) {
		rec.LastTransitionAt = time.Now().Add(-25 * time.Hour)
	})

	// Running well within its lifetime: untouched.
	young := e.mustCreate(t, "young")
	e.mustStart(t, young.ID)

	// Stale transient: repaired.
	stuck := e.mustCreate(t, "stuck")
	e.edit(t, stuck.ID, func(rec *types.Sandbox) {
		rec.State = types.StateStopping
		rec.LastTransitionAt = time.Now().Add(-time.Hour)
	})

	// Orphan workspace subtrees: the aged one goes, the fresh one stays.
	oldOrphan := filepath.Join(e.conf.WorkspacesRoot(), "deadbeef0000")
	require.NoError(t, os.MkdirAll(oldOrphan, 0o750))
	aged := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldOrphan, aged, aged))
	newOrphan := filepath.Join(e.conf.WorkspacesRoot(), "cafecafe0000")
	require.NoError(t, os.MkdirAll(newOrphan, 0o750))

	report, err := e.ctrl.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{expired.ID}, report.Expired)
	require.Equal(t, []string{stuck.ID}, report.Repaired)
	require.Equal(t, []string{"deadbeef0000"}, report.Orphans)

	cur, err := e.ctrl.Get(ctx, expired.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, cur.State)

	cur, err = e.ctrl.Get(ctx, young.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, cur.State)

	require.NoDirExists(t, oldOrphan)
	require.DirExists(t, newOrphan)

	// Referenced workspaces survive regardless of age.
	require.DirExists(t, filepath.Join(e.conf.WorkspacesRoot(), young.ID))
}

func TestRunSweeperStopsExpiredSandboxes(t *testing.T) {
	e := newTestController(t)

	expired := e.mustCreate(t, "ticker-victim")
	e.mustStart(t, expired.ID)
	e.edit(t, expired.ID, func(rec *types.Sandbox) {
		rec.LastTransitionAt = time.Now().Add(-25 * time.Hour)
	})

	e.conf.SweepIntervalSeconds = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.ctrl.RunSweeper(ctx)

	require.Eventually(t, func() bool {
		cur, err := e.ctrl.Get(context.Background(), expired.ID)
		return err == nil && cur.State == types.StateStopped
	}, 5*time.Second, 50*time.Millisecond)
	require.Empty(t, e.gw.Live())
}

func TestFullLifecycleScenario(t *testing.T) {
	e := newTestController(t)
	ctx := context.Background()

	sb := e.mustCreate(t, "scenario")
	require.Equal(t, types.StateStopped, sb.State)

	started := e.mustStart(t, "scenario")
	require.Equal(t, types.StateRunning, started.State)
	require.NotEmpty(t, started.Address)

	stopped, err := e.ctrl.Stop(ctx, "scenario")
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, stopped.State)
	require.Empty(t, e.gw.Live())

	require.NoError(t, e.ctrl.Delete(ctx, "scenario"))
	_, err = e.ctrl.Get(ctx, "scenario")
	require.ErrorIs(t, err, registry.ErrNotFound)

	all, err := e.ctrl.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
