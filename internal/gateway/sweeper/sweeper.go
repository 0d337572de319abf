// Package sweeper reconciles session rows against runtime leases. A row
// claiming to be running without a runtime lease behind it has lost its
// gateway (crash, unclean shutdown); the sweeper pauses it so the
// platform stops treating it as live.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/hub"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/migration"
	"github.com/boxgate/boxgate/internal/gateway/notify"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/metrics"
)

// orphanLockTTL bounds the cleanup critical section. Generous because a
// filesystem snapshot of a large workspace can take minutes.
const orphanLockTTL = 5 * time.Minute

// Deps carries the shared infrastructure the sweeper reconciles against.
type Deps struct {
	Log       *slog.Logger
	Queries   *store.Queries
	Leases    *lease.Manager
	Providers *sandbox.Registry
	Expiry    *expiry.Queue
	Notify    *notify.Bus
	Hubs      *hub.Registry

	DefaultProvider string
}

// Sweeper periodically pauses running sessions whose runtime lease is
// gone.
type Sweeper struct {
	log      *slog.Logger
	deps     Deps
	interval time.Duration
}

// New returns a Sweeper that reconciles every interval.
func New(deps Deps, interval time.Duration) *Sweeper {
	return &Sweeper{log: deps.Log, deps: deps, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("orphan sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("orphan sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one reconciliation pass and returns how many sessions it
// moved out of running. Exposed for deterministic tests.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	ids, err := s.deps.Queries.ListSessionIDsByStatus(ctx, store.StatusRunning)
	if err != nil {
		s.log.Warn("sweep listing failed", "error", err)
		return 0
	}

	swept := 0
	for _, sessionID := range ids {
		held, err := s.deps.Leases.HasRuntime(ctx, sessionID)
		if err != nil {
			s.log.Warn("sweep lease check failed", "session_id", sessionID, "error", err)
			continue
		}
		if held {
			continue
		}

		// A local hub means this instance is already responsible for the
		// session; let the hub's own idle machinery decide instead of
		// cleaning up underneath it.
		if h, ok := s.deps.Hubs.Get(sessionID); ok {
			if !h.ShouldIdleSnapshot() {
				continue
			}
			if err := h.Migration().RunIdleSnapshot(ctx); err != nil {
				s.log.Warn("sweep idle snapshot failed", "session_id", sessionID, "error", err)
				continue
			}
			swept++
			continue
		}

		n, err := s.cleanupOrphan(ctx, sessionID)
		if err != nil {
			s.log.Error("orphan cleanup failed", "session_id", sessionID, "error", err)
			continue
		}
		swept += n
	}
	return swept
}

// cleanupOrphan pauses one orphaned session under the migration lock.
// Returns 1 when this pass moved the row out of running.
func (s *Sweeper) cleanupOrphan(ctx context.Context, sessionID string) (int, error) {
	cleaned := 0
	acquired, err := s.deps.Leases.RunWithMigrationLock(ctx, sessionID, orphanLockTTL, func(ctx context.Context) error {
		// Re-check under the lock: another replica may have adopted the
		// session between the listing and now.
		held, err := s.deps.Leases.HasRuntime(ctx, sessionID)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
		sess, err := s.deps.Queries.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.StatusRunning {
			return nil
		}

		if sess.SandboxID == nil || *sess.SandboxID == "" {
			n, err := s.deps.Queries.PauseSessionIfRunning(ctx, sessionID, store.PauseReasonOrphaned, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 {
				s.finish(ctx, sessionID, "")
				cleaned = 1
			}
			return nil
		}
		sandboxID := *sess.SandboxID

		providerName := sess.SandboxProvider
		if providerName == "" {
			providerName = s.deps.DefaultProvider
		}
		provider, err := s.deps.Providers.Get(providerName)
		if err != nil {
			return err
		}

		snapshotID, kept, strategy, err := migration.TakeSnapshot(ctx, provider, sandboxID, true)
		if err != nil {
			metrics.SnapshotsTotal.WithLabelValues(strategy, "failed").Inc()
			// An orphan has been unsupervised for at least a sweep
			// interval; if its sandbox cannot be captured now there is
			// nothing left to save. Converge the row the way the snapshot
			// breaker does instead of retrying forever.
			s.log.Error("orphan snapshot failed, forcing stop",
				"session_id", sessionID, "sandbox_id", sandboxID, "error", err)
			if terr := provider.Terminate(ctx, sandboxID); terr != nil {
				s.log.Error("terminate orphaned sandbox", "sandbox_id", sandboxID, "error", terr)
			}
			if serr := s.deps.Queries.StopSessionForced(ctx, sessionID, store.PauseReasonSnapshotFailed, store.OutcomeFailed); serr != nil {
				return serr
			}
			s.finish(ctx, sessionID, store.OutcomeFailed)
			cleaned = 1
			return nil
		}
		metrics.SnapshotsTotal.WithLabelValues(strategy, "completed").Inc()

		if !kept {
			if err := provider.Terminate(ctx, sandboxID); err != nil {
				s.log.Error("terminate orphaned sandbox", "sandbox_id", sandboxID, "error", err)
			}
		}

		var keptID *string
		if kept {
			keptID = &sandboxID
		}
		n, err := s.deps.Queries.PauseSessionCAS(ctx, store.PauseSessionCASParams{
			ID:                sessionID,
			ExpectedSandboxID: sandboxID,
			SnapshotID:        &snapshotID,
			SandboxID:         keptID,
			PauseReason:       store.PauseReasonOrphaned,
			PausedAt:          time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			s.log.Info("orphan pause lost CAS, another actor advanced the session", "session_id", sessionID)
			return nil
		}
		s.finish(ctx, sessionID, "")
		cleaned = 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !acquired {
		s.log.Info("orphan cleanup skipped, lock held elsewhere", "session_id", sessionID)
		return 0, nil
	}
	return cleaned, nil
}

// finish cancels the expiry job and tells the platform the session is no
// longer live.
func (s *Sweeper) finish(ctx context.Context, sessionID, outcome string) {
	if err := s.deps.Expiry.Cancel(ctx, sessionID); err != nil {
		s.log.Warn("cancel expiry job", "session_id", sessionID, "error", err)
	}
	s.deps.Notify.EnqueueCompletion(ctx, sessionID, notify.ReasonOrphaned, outcome)
	metrics.OrphansSweptTotal.Inc()
	s.log.Info("orphaned session paused", "session_id", sessionID)
}
