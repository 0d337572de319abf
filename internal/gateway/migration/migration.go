// Package migration decides and executes sandbox snapshot, pause, migrate,
// and terminate flows under the per-session migration lock. All persistent
// transitions are CAS-guarded on the sandbox id the controller observed,
// so concurrent actors converge instead of clobbering each other.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/archive"
	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/notify"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/gateway/runtime"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/metrics"
)

// Controller states. Prompts are dropped while migrating.
const (
	StateNormal    = "normal"
	StateMigrating = "migrating"
)

const (
	// migrationLockTTL bounds an expiry migration or manual snapshot.
	migrationLockTTL = 60 * time.Second
	// idleLockTTL covers worst-case snapshot plus terminate plus persistence.
	idleLockTTL = 300 * time.Second

	// drainTimeout is how long an in-flight assistant message may run
	// before a migration aborts it.
	drainTimeout = 30 * time.Second
	drainPoll    = 500 * time.Millisecond

	// maxSnapshotFailures trips the force-terminate circuit breaker.
	maxSnapshotFailures = 3
)

// ErrMigrationInProgress reports that another actor holds the session's
// migration lock. Not a client-visible error.
var ErrMigrationInProgress = errors.New("migration in progress")

// Hub is the narrow surface the controller calls back into.
type Hub interface {
	BroadcastStatus(status, detail string)
	BroadcastEvent(ev protocol.ServerEvent)
	EffectiveClientCount() int
	ShouldIdleSnapshot() bool
	CancelReconnect()
	SignalEvict()
	FlushTelemetry(ctx context.Context) error
}

// RuntimeControl is the slice of the runtime the controller drives.
type RuntimeControl interface {
	EnsureReady(ctx context.Context, opts runtime.EnsureOpts) error
	Disconnect()
	ResetSandboxState()
	Abort(ctx context.Context) error
	SandboxID() string
	Provider() sandbox.Provider
	ListMessages(ctx context.Context) ([]agentapi.MessageWithParts, error)
}

// EventState is the processor state the drain loop consults.
type EventState interface {
	MessageInProgress() bool
	CurrentAssistantMessageID() string
	ClearCurrentAssistantMessage()
}

// Deps wires the controller's collaborators.
type Deps struct {
	Log       *slog.Logger
	Queries   *store.Queries
	Leases    *lease.Manager
	Providers *sandbox.Registry
	Expiry    *expiry.Queue
	Notify    *notify.Bus
	Archive   *archive.Archiver // nil-safe, disabled when unconfigured
	Hub       Hub
	Runtime   RuntimeControl
	Events    EventState

	DefaultProvider string
}

// Controller owns the migration state machine of one session.
type Controller struct {
	log       *slog.Logger
	deps      Deps
	sessionID string

	mu               sync.Mutex
	state            string
	snapshotFailures int
	stopped          bool
}

// New builds a controller in the normal state.
func New(sessionID string, deps Deps) *Controller {
	return &Controller{
		log:       deps.Log.With("session_id", sessionID),
		deps:      deps,
		sessionID: sessionID,
		state:     StateNormal,
	}
}

// State returns StateNormal or StateMigrating.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop permanently disables the controller. Called once the session has
// reached a terminal state or on hub shutdown.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Stopped reports whether the controller has been stopped.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// SnapshotFailures returns the breaker counter.
func (c *Controller) SnapshotFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotFailures
}

// RunExpiryMigration handles a sandbox whose TTL is about to elapse. With
// clients attached the session migrates onto a fresh sandbox; without,
// it is paused like any idle session.
func (c *Controller) RunExpiryMigration(ctx context.Context) error {
	if c.Stopped() {
		return nil
	}

	createNew := c.deps.Hub.EffectiveClientCount() > 0
	kind := "idle_expiry"
	if createNew {
		kind = "expiry"
	}

	acquired, err := c.deps.Leases.RunWithMigrationLock(ctx, c.sessionID, migrationLockTTL, func(ctx context.Context) error {
		if createNew {
			return c.migrateLocked(ctx)
		}
		return c.idleExpiryLocked(ctx)
	})
	switch {
	case err != nil:
		metrics.MigrationsTotal.WithLabelValues(kind, "failed").Inc()
		return err
	case !acquired:
		c.log.Info("expiry migration skipped, lock held elsewhere")
		metrics.MigrationsTotal.WithLabelValues(kind, "skipped").Inc()
		return nil
	default:
		metrics.MigrationsTotal.WithLabelValues(kind, "completed").Inc()
		return nil
	}
}

// migrateLocked snapshots the dying sandbox and rebuilds the session on a
// fresh one while clients stay connected.
func (c *Controller) migrateLocked(ctx context.Context) error {
	c.setState(StateMigrating)
	defer c.setState(StateNormal)

	c.deps.Hub.BroadcastStatus(store.StatusMigrating, "")
	c.EnsureAgentStopped(ctx, drainTimeout)

	provider, sandboxID, err := c.resolveSandbox(ctx)
	if err != nil {
		return err
	}

	if sandboxID != "" {
		snapshotID, err := provider.Snapshot(ctx, sandboxID, "expiry migration")
		if err != nil {
			metrics.SnapshotsTotal.WithLabelValues("filesystem", "failed").Inc()
			return fmt.Errorf("snapshot before migration: %w", err)
		}
		metrics.SnapshotsTotal.WithLabelValues("filesystem", "completed").Inc()
		if err := c.deps.Queries.UpdateSessionSnapshot(ctx, c.sessionID, snapshotID); err != nil {
			return err
		}
	}

	c.deps.Runtime.Disconnect()
	c.deps.Runtime.ResetSandboxState()

	if err := c.deps.Runtime.EnsureReady(ctx, runtime.EnsureOpts{
		Reason:            runtime.ReasonMigration,
		SkipMigrationLock: true,
	}); err != nil {
		return fmt.Errorf("rebuild after migration: %w", err)
	}
	return nil
}

// idleExpiryLocked pauses a clientless session whose sandbox is expiring.
func (c *Controller) idleExpiryLocked(ctx context.Context) error {
	sess, err := c.deps.Queries.GetSession(ctx, c.sessionID)
	if err != nil {
		return err
	}
	if sess.SandboxID == nil || *sess.SandboxID == "" {
		if _, err := c.deps.Queries.PauseSessionIfRunning(ctx, c.sessionID, store.PauseReasonInactivity, time.Now().UTC()); err != nil {
			return err
		}
		c.finishTerminal(ctx, notify.ReasonExpired)
		return nil
	}
	sandboxID := *sess.SandboxID

	provider, err := c.deps.Providers.Get(c.providerName(sess))
	if err != nil {
		return err
	}

	// Kill the stream before touching the sandbox so a reconnect cannot
	// resurrect what we are about to pause.
	c.deps.Hub.CancelReconnect()
	c.deps.Runtime.Disconnect()
	c.archiveTranscript(ctx, sess.OrganizationID)

	snapshotID, kept, strategy, err := TakeSnapshot(ctx, provider, sandboxID, false)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues(strategy, "failed").Inc()
		return fmt.Errorf("snapshot at expiry: %w", err)
	}
	metrics.SnapshotsTotal.WithLabelValues(strategy, "completed").Inc()

	if !kept {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.log.Error("terminate expiring sandbox", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := c.deps.Hub.FlushTelemetry(ctx); err != nil {
		c.log.Warn("telemetry flush at expiry", "error", err)
	}

	var keptID *string
	if kept {
		keptID = &sandboxID
	}
	n, err := c.deps.Queries.PauseSessionCAS(ctx, store.PauseSessionCASParams{
		ID:                c.sessionID,
		ExpectedSandboxID: sandboxID,
		SnapshotID:        &snapshotID,
		SandboxID:         keptID,
		PauseReason:       store.PauseReasonInactivity,
		PausedAt:          time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		c.log.Info("expiry pause lost CAS, another actor advanced the session")
	}

	c.finishTerminal(ctx, notify.ReasonExpired)
	return nil
}

// finishTerminal performs the shared tail of flows that end the session's
// residency in this process.
func (c *Controller) finishTerminal(ctx context.Context, reason string) {
	c.deps.Notify.EnqueueCompletion(ctx, c.sessionID, reason, "")
	c.Stop()
	c.deps.Runtime.ResetSandboxState()
	c.deps.Hub.SignalEvict()
}

// RunIdleSnapshot pauses a session that has had no clients and no tool
// activity for the idle delay. Repeated failures trip a circuit breaker
// that force-terminates instead, capping compute spend.
func (c *Controller) RunIdleSnapshot(ctx context.Context) error {
	if c.Stopped() {
		return nil
	}
	c.deps.Hub.CancelReconnect()

	if c.SnapshotFailures() >= maxSnapshotFailures {
		return c.ForceTerminate(ctx)
	}

	acquired, err := c.deps.Leases.RunWithMigrationLock(ctx, c.sessionID, idleLockTTL, func(ctx context.Context) error {
		return c.idleSnapshotLocked(ctx)
	})
	if err == nil && !acquired {
		c.log.Info("idle snapshot skipped, lock held elsewhere")
		metrics.MigrationsTotal.WithLabelValues("idle_snapshot", "skipped").Inc()
		return nil
	}
	if err != nil {
		c.mu.Lock()
		c.snapshotFailures++
		failures := c.snapshotFailures
		c.mu.Unlock()
		c.log.Error("idle snapshot failed", "failures", failures, "error", err)
		metrics.MigrationsTotal.WithLabelValues("idle_snapshot", "failed").Inc()

		c.deps.Runtime.Disconnect()
		c.deps.Runtime.ResetSandboxState()
		c.deps.Hub.SignalEvict()
		return err
	}
	metrics.MigrationsTotal.WithLabelValues("idle_snapshot", "completed").Inc()
	return nil
}

func (c *Controller) idleSnapshotLocked(ctx context.Context) error {
	sess, err := c.deps.Queries.GetSession(ctx, c.sessionID)
	if err != nil {
		return err
	}
	if sess.SandboxID == nil || *sess.SandboxID == "" {
		c.log.Info("idle snapshot: no sandbox to pause")
		c.cleanupLocal()
		return nil
	}
	sandboxID := *sess.SandboxID

	if !c.deps.Hub.ShouldIdleSnapshot() {
		c.log.Info("idle snapshot aborted, session active again")
		return nil
	}

	// Stream first: a provider mutation with a live stream races the
	// reconnect path.
	c.deps.Runtime.Disconnect()

	provider, err := c.deps.Providers.Get(c.providerName(sess))
	if err != nil {
		return err
	}

	c.archiveTranscript(ctx, sess.OrganizationID)

	snapshotID, kept, strategy, err := TakeSnapshot(ctx, provider, sandboxID, true)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues(strategy, "failed").Inc()
		return fmt.Errorf("idle snapshot: %w", err)
	}
	metrics.SnapshotsTotal.WithLabelValues(strategy, "completed").Inc()

	if !kept {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.log.Error("terminate after idle snapshot", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := c.deps.Hub.FlushTelemetry(ctx); err != nil {
		c.log.Warn("telemetry flush before pause", "error", err)
	}

	var keptID *string
	if kept {
		keptID = &sandboxID
	}
	n, err := c.deps.Queries.PauseSessionCAS(ctx, store.PauseSessionCASParams{
		ID:                c.sessionID,
		ExpectedSandboxID: sandboxID,
		SnapshotID:        &snapshotID,
		SandboxID:         keptID,
		PauseReason:       store.PauseReasonInactivity,
		PausedAt:          time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		c.log.Info("idle pause lost CAS, another actor advanced the session")
		c.cleanupLocal()
		return nil
	}

	if err := c.deps.Expiry.Cancel(ctx, c.sessionID); err != nil {
		c.log.Warn("cancel expiry job", "error", err)
	}
	c.deps.Notify.EnqueueCompletion(ctx, c.sessionID, notify.ReasonIdle, "")

	c.cleanupLocal()
	return nil
}

// cleanupLocal resets in-memory state after a snapshot flow and hands the
// hub back to the registry for eviction.
func (c *Controller) cleanupLocal() {
	c.deps.Runtime.ResetSandboxState()
	c.mu.Lock()
	c.snapshotFailures = 0
	c.mu.Unlock()
	c.deps.Hub.SignalEvict()
}

// EnsureAgentStopped waits for the in-flight assistant message to finish,
// polling the event processor. Past the timeout the upstream session is
// aborted and the message cleared; abort errors are swallowed.
func (c *Controller) EnsureAgentStopped(ctx context.Context, timeout time.Duration) {
	if !c.deps.Events.MessageInProgress() {
		return
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.deps.Events.MessageInProgress() {
			return
		}
	}

	c.log.Info("drain timeout, aborting in-flight message")
	if err := c.deps.Runtime.Abort(ctx); err != nil {
		c.log.Warn("abort in-flight message", "error", err)
	}
	c.deps.Hub.BroadcastEvent(protocol.MessageCancelledEvent(c.deps.Events.CurrentAssistantMessageID()))
	c.deps.Events.ClearCurrentAssistantMessage()
}

// ForceTerminate is the circuit-breaker path: stop paying for a sandbox
// that cannot be snapshotted.
func (c *Controller) ForceTerminate(ctx context.Context) error {
	c.log.Warn("force-terminating session", "snapshot_failures", c.SnapshotFailures())

	c.deps.Hub.CancelReconnect()
	c.deps.Runtime.Disconnect()

	provider, sandboxID, err := c.resolveSandbox(ctx)
	if err != nil {
		c.log.Error("resolve sandbox for force-terminate", "error", err)
	} else if sandboxID != "" {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.log.Error("force-terminate sandbox", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := c.deps.Hub.FlushTelemetry(ctx); err != nil {
		c.log.Warn("telemetry flush at force-terminate", "error", err)
	}

	if err := c.deps.Queries.StopSessionForced(ctx, c.sessionID, store.PauseReasonSnapshotFailed, store.OutcomeFailed); err != nil {
		c.log.Error("persist forced stop", "error", err)
	}
	if err := c.deps.Expiry.Cancel(ctx, c.sessionID); err != nil {
		c.log.Warn("cancel expiry job", "error", err)
	}

	c.deps.Notify.EnqueueCompletion(ctx, c.sessionID, notify.ReasonTerminated, store.OutcomeFailed)
	c.Stop()
	c.deps.Runtime.ResetSandboxState()
	c.deps.Hub.SignalEvict()
	metrics.MigrationsTotal.WithLabelValues("force_terminate", "completed").Inc()
	return nil
}

// SaveSnapshot takes a user-requested snapshot without ending the session.
// The sandbox always survives; memory snapshots are preferred because they
// capture running services.
func (c *Controller) SaveSnapshot(ctx context.Context, message string) (string, error) {
	var snapshotID string
	acquired, err := c.deps.Leases.RunWithMigrationLock(ctx, c.sessionID, migrationLockTTL, func(ctx context.Context) error {
		sandboxID := c.deps.Runtime.SandboxID()
		provider := c.deps.Runtime.Provider()
		if sandboxID == "" || provider == nil {
			return errors.New("no active sandbox to snapshot")
		}

		var err error
		strategy := "filesystem"
		if ms, ok := sandbox.CanMemorySnapshot(provider); ok {
			strategy = "memory"
			snapshotID, err = ms.MemorySnapshot(ctx, sandboxID)
		} else {
			snapshotID, err = provider.Snapshot(ctx, sandboxID, message)
		}
		if err != nil {
			metrics.SnapshotsTotal.WithLabelValues(strategy, "failed").Inc()
			return err
		}
		metrics.SnapshotsTotal.WithLabelValues(strategy, "completed").Inc()
		return c.deps.Queries.UpdateSessionSnapshot(ctx, c.sessionID, snapshotID)
	})
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrMigrationInProgress
	}
	return snapshotID, nil
}

// archiveTranscript uploads the session transcript while the agent is
// still reachable. Best-effort: archiving never blocks a lifecycle flow.
func (c *Controller) archiveTranscript(ctx context.Context, orgID string) {
	if !c.deps.Archive.Enabled() {
		return
	}
	msgs, err := c.deps.Runtime.ListMessages(ctx)
	if err != nil {
		c.log.Warn("fetch transcript for archive", "error", err)
		return
	}
	key, err := c.deps.Archive.ArchiveTranscript(ctx, orgID, c.sessionID, msgs)
	if err != nil {
		c.log.Warn("archive transcript", "error", err)
		return
	}
	c.log.Info("transcript archived", "key", key)
}

// resolveSandbox returns the live provider and sandbox id, preferring the
// runtime's in-memory view and falling back to the session row.
func (c *Controller) resolveSandbox(ctx context.Context) (sandbox.Provider, string, error) {
	provider := c.deps.Runtime.Provider()
	sandboxID := c.deps.Runtime.SandboxID()
	if provider != nil && sandboxID != "" {
		return provider, sandboxID, nil
	}

	sess, err := c.deps.Queries.GetSession(ctx, c.sessionID)
	if err != nil {
		return nil, "", err
	}
	provider, err = c.deps.Providers.Get(c.providerName(sess))
	if err != nil {
		return nil, "", err
	}
	if sess.SandboxID != nil {
		sandboxID = *sess.SandboxID
	}
	return provider, sandboxID, nil
}

func (c *Controller) providerName(sess store.Session) string {
	if sess.SandboxProvider != "" {
		return sess.SandboxProvider
	}
	return c.deps.DefaultProvider
}

// TakeSnapshot captures sandbox state with the richest supported strategy:
// memory snapshot, then pause, then filesystem snapshot. kept reports
// whether the sandbox stays alive afterwards. The chosen strategy's error
// propagates; there is no cascade to weaker strategies.
func TakeSnapshot(ctx context.Context, provider sandbox.Provider, sandboxID string, includeMemory bool) (snapshotID string, kept bool, strategy string, err error) {
	if includeMemory {
		if ms, ok := sandbox.CanMemorySnapshot(provider); ok {
			snapshotID, err = ms.MemorySnapshot(ctx, sandboxID)
			return snapshotID, err == nil, "memory", err
		}
	}
	if p, ok := sandbox.CanPause(provider); ok {
		snapshotID, err = p.Pause(ctx, sandboxID)
		return snapshotID, err == nil, "pause", err
	}
	snapshotID, err = provider.Snapshot(ctx, sandboxID, "idle snapshot")
	return snapshotID, false, "filesystem", err
}
