package migration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/migration"
	"github.com/boxgate/boxgate/internal/gateway/notify"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/gateway/runtime"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
)

const sid = "sess_test"

type fakeHub struct {
	mu          sync.Mutex
	statuses    []string
	events      []protocol.ServerEvent
	clients     int
	shouldIdle  bool
	evicted     bool
	reconnects  int // CancelReconnect calls
	flushes     int
	flushErr    error
}

func (h *fakeHub) BroadcastStatus(status, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *fakeHub) BroadcastEvent(ev protocol.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHub) EffectiveClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

func (h *fakeHub) ShouldIdleSnapshot() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shouldIdle
}

func (h *fakeHub) CancelReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
}

func (h *fakeHub) SignalEvict() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = true
}

func (h *fakeHub) FlushTelemetry(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushes++
	return h.flushErr
}

func (h *fakeHub) wasEvicted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

func (h *fakeHub) statusList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

type fakeRuntime struct {
	mu          sync.Mutex
	provider    sandbox.Provider
	sandboxID   string
	disconnects int
	resets      int
	aborts      int
	ensures     []runtime.EnsureOpts
	ensureErr   error
}

func (r *fakeRuntime) EnsureReady(_ context.Context, opts runtime.EnsureOpts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensures = append(r.ensures, opts)
	return r.ensureErr
}

func (r *fakeRuntime) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *fakeRuntime) ResetSandboxState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.sandboxID = ""
	r.provider = nil
}

func (r *fakeRuntime) Abort(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	return nil
}

func (r *fakeRuntime) SandboxID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sandboxID
}

func (r *fakeRuntime) Provider() sandbox.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

func (r *fakeRuntime) ListMessages(context.Context) ([]agentapi.MessageWithParts, error) {
	return nil, nil
}

func (r *fakeRuntime) abortCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborts
}

type fakeEvents struct {
	mu         sync.Mutex
	inProgress bool
	messageID  string
	cleared    bool
}

func (e *fakeEvents) MessageInProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress
}

func (e *fakeEvents) CurrentAssistantMessageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messageID
}

func (e *fakeEvents) ClearCurrentAssistantMessage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = true
	e.inProgress = false
}

func (e *fakeEvents) setInProgress(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inProgress = v
}

type testEnv struct {
	q        *store.Queries
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	leases   *lease.Manager
	expiryQ  *expiry.Queue
	provider *sandbox.FakeProvider
	hub      *fakeHub
	rt       *fakeRuntime
	ev       *fakeEvents
	ctrl     *migration.Controller
}

func newTestEnv(t *testing.T, mutate func(*testEnv)) *testEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &testEnv{
		q:        store.New(db),
		mr:       mr,
		rdb:      rdb,
		leases:   lease.NewManager(rdb, "inst-test", 30*time.Second, 60*time.Second),
		expiryQ:  expiry.NewQueue(rdb, log),
		provider: sandbox.NewFakeProvider(),
		hub:      &fakeHub{},
		rt:       &fakeRuntime{},
		ev:       &fakeEvents{},
	}
	if mutate != nil {
		mutate(e)
	}

	registry := sandbox.NewRegistry()
	registry.Register(e.provider)

	e.ctrl = migration.New(sid, migration.Deps{
		Log:             log,
		Queries:         e.q,
		Leases:          e.leases,
		Providers:       registry,
		Expiry:          e.expiryQ,
		Notify:          notify.NewBus(rdb, log),
		Hub:             e.hub,
		Runtime:         e.rt,
		Events:          e.ev,
		DefaultProvider: "fake",
	})
	return e
}

// seedRunning creates a running session bound to a live fake sandbox.
func seedRunning(t *testing.T, e *testEnv) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.q.CreateSession(ctx, store.CreateSessionParams{
		ID: sid, OrganizationID: "org-1", SandboxProvider: "fake",
	}))
	require.NoError(t, e.q.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID: sid, SandboxID: "sb-1", TunnelURL: "https://tunnel",
	}))
	e.provider.SetAlive("sb-1")
	e.rt.provider = e.provider
	e.rt.sandboxID = "sb-1"
	return "sb-1"
}

func TestExpiryMigrationWithClients(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) { e.hub.clients = 1 })
	seedRunning(t, e)

	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))

	// Clients saw the migration start; the rebuild broadcasts running.
	require.Equal(t, []string{store.StatusMigrating}, e.hub.statusList())

	require.Equal(t, 1, e.rt.disconnects)
	require.Equal(t, 1, e.rt.resets)
	require.Len(t, e.rt.ensures, 1)
	require.Equal(t, runtime.ReasonMigration, e.rt.ensures[0].Reason)
	require.True(t, e.rt.ensures[0].SkipMigrationLock)

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, sess.SnapshotID)
	require.Equal(t, "snap-1", *sess.SnapshotID)

	require.Equal(t, migration.StateNormal, e.ctrl.State())
	require.False(t, e.ctrl.Stopped())
	require.False(t, e.hub.wasEvicted())
}

func TestExpiryMigrationDrainsBeforeSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) {
		e.hub.clients = 1
		e.ev.inProgress = true
		e.ev.messageID = "msg_1"
	})
	seedRunning(t, e)

	// The assistant finishes between polls; no abort should happen.
	go func() {
		time.Sleep(700 * time.Millisecond)
		e.ev.setInProgress(false)
	}()

	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))
	require.Zero(t, e.rt.abortCount())
	require.False(t, e.ev.cleared)
}

func TestEnsureAgentStoppedAbortsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) {
		e.ev.inProgress = true
		e.ev.messageID = "msg_stuck"
	})
	seedRunning(t, e)

	e.ctrl.EnsureAgentStopped(ctx, 600*time.Millisecond)

	require.Equal(t, 1, e.rt.abortCount())
	require.True(t, e.ev.cleared)
	require.Len(t, e.hub.events, 1)
	require.Equal(t, protocol.EvMessageCancelled, e.hub.events[0].Type)
}

func TestExpiryMigrationIdlePausesSession(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil) // zero clients
	seedRunning(t, e)

	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, sess.Status)
	require.Equal(t, store.PauseReasonInactivity, *sess.PauseReason)
	require.NotNil(t, sess.SandboxID) // pause keeps the sandbox
	require.Equal(t, "sb-1", *sess.SandboxID)
	require.Contains(t, *sess.SnapshotID, sandbox.PausePrefix)

	require.True(t, e.ctrl.Stopped())
	require.True(t, e.hub.wasEvicted())
	require.Equal(t, 1, e.hub.flushes)

	items, err := e.mr.List("boxgate:notifications")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0], notify.ReasonExpired)
}

func TestExpiryMigrationIdleTerminatesWithoutPauseSupport(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) {
		e.provider.AllowPause = false
		e.provider.AllowMemorySnapshot = false
	})
	seedRunning(t, e)

	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, sess.Status)
	require.Nil(t, sess.SandboxID)
	require.Equal(t, "snap-1", *sess.SnapshotID)
	require.Equal(t, []string{"sb-1"}, e.provider.Terminated)
}

func TestIdleSnapshotMemoryStrategy(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) { e.hub.shouldIdle = true })
	seedRunning(t, e)

	// A scheduled expiry job must be cancelled by the pause.
	deadline := time.Now().Add(time.Hour)
	require.NoError(t, e.expiryQ.Schedule(ctx, sid, &deadline))

	require.NoError(t, e.ctrl.RunIdleSnapshot(ctx))

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, sess.Status)
	require.Equal(t, store.PauseReasonInactivity, *sess.PauseReason)
	require.Contains(t, *sess.SnapshotID, sandbox.MemorySnapshotPrefix)
	require.Equal(t, "sb-1", *sess.SandboxID)
	require.Nil(t, sess.LatestTask)

	members, err := e.mr.ZMembers("boxgate:expiry:schedule")
	require.NoError(t, err)
	require.Empty(t, members)

	require.True(t, e.hub.wasEvicted())
	require.GreaterOrEqual(t, e.hub.reconnects, 1)
	require.GreaterOrEqual(t, e.rt.disconnects, 1)
	require.GreaterOrEqual(t, e.rt.resets, 1)
	require.Zero(t, e.ctrl.SnapshotFailures())
	require.True(t, e.provider.Alive("sb-1"))

	items, err := e.mr.List("boxgate:notifications")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0], notify.ReasonIdle)
}

func TestIdleSnapshotAbortsWhenClientReturns(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil) // shouldIdle false
	seedRunning(t, e)

	require.NoError(t, e.ctrl.RunIdleSnapshot(ctx))

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, sess.Status)
	require.False(t, e.hub.wasEvicted())
	require.Empty(t, e.provider.Paused)
}

func TestIdleSnapshotFailureTripsBreaker(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) {
		e.hub.shouldIdle = true
		e.provider.FailMemorySnap = errors.New("snapshot daemon down")
	})
	seedRunning(t, e)

	for i := 1; i <= 3; i++ {
		err := e.ctrl.RunIdleSnapshot(ctx)
		require.Error(t, err)
		require.Equal(t, i, e.ctrl.SnapshotFailures())
		// The failed run resets local state; restore it for the next
		// attempt the way a fresh ensure would.
		e.rt.mu.Lock()
		e.rt.provider = e.provider
		e.rt.sandboxID = "sb-1"
		e.rt.mu.Unlock()
	}

	// Breaker trips: the fourth run force-terminates instead of retrying.
	require.NoError(t, e.ctrl.RunIdleSnapshot(ctx))

	require.Equal(t, []string{"sb-1"}, e.provider.Terminated)
	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, sess.Status)
	require.Equal(t, store.PauseReasonSnapshotFailed, *sess.PauseReason)
	require.Equal(t, store.OutcomeFailed, *sess.Outcome)

	require.True(t, e.ctrl.Stopped())
	require.True(t, e.hub.wasEvicted())

	items, err := e.mr.List("boxgate:notifications")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0], notify.ReasonTerminated)
}

func TestIdleSnapshotSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) { e.hub.shouldIdle = true })
	seedRunning(t, e)

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = e.leases.RunWithMigrationLock(ctx, sid, 5*time.Second, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	require.NoError(t, e.ctrl.RunIdleSnapshot(ctx))
	require.Zero(t, e.ctrl.SnapshotFailures())
	require.False(t, e.hub.wasEvicted())

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, sess.Status)
}

func TestSaveSnapshotKeepsSandboxAlive(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil)
	seedRunning(t, e)

	snapID, err := e.ctrl.SaveSnapshot(ctx, "checkpoint before refactor")
	require.NoError(t, err)
	require.Contains(t, snapID, sandbox.MemorySnapshotPrefix)

	sess, err := e.q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, sess.Status)
	require.Equal(t, snapID, *sess.SnapshotID)
	require.True(t, e.provider.Alive("sb-1"))
	require.False(t, e.hub.wasEvicted())
}

func TestSaveSnapshotFilesystemFallback(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) { e.provider.AllowMemorySnapshot = false })
	seedRunning(t, e)

	snapID, err := e.ctrl.SaveSnapshot(ctx, "manual")
	require.NoError(t, err)
	require.Equal(t, "snap-1", snapID)
	require.True(t, e.provider.Alive("sb-1"))
}

func TestSaveSnapshotRejectedWhileMigrating(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil)
	seedRunning(t, e)

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = e.leases.RunWithMigrationLock(ctx, sid, 5*time.Second, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	_, err := e.ctrl.SaveSnapshot(ctx, "blocked")
	require.ErrorIs(t, err, migration.ErrMigrationInProgress)
}

func TestExpiryMigrationSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) { e.hub.clients = 1 })
	seedRunning(t, e)

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = e.leases.RunWithMigrationLock(ctx, sid, 5*time.Second, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))
	require.Empty(t, e.hub.statusList())
	require.Empty(t, e.rt.ensures)
}

func TestStoppedControllerRefusesWork(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, func(e *testEnv) {
		e.hub.clients = 1
		e.hub.shouldIdle = true
	})
	seedRunning(t, e)

	e.ctrl.Stop()
	require.NoError(t, e.ctrl.RunExpiryMigration(ctx))
	require.NoError(t, e.ctrl.RunIdleSnapshot(ctx))
	require.Empty(t, e.hub.statusList())
	require.Empty(t, e.provider.Paused)
	require.Empty(t, e.rt.ensures)
}
