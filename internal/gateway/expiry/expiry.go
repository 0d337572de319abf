// Package expiry schedules delayed per-session jobs that fire shortly
// before a sandbox's TTL deadline. Jobs live in a Redis sorted set scored
// by fire time, so any replica's worker can claim them; claiming is a
// plain ZREM race that exactly one poller wins.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boxgate/boxgate/internal/metrics"
)

const (
	scheduleKey = "boxgate:expiry:schedule"
	jobPrefix   = "session_expiry__"

	// Grace is how long before the sandbox deadline the job fires, leaving
	// room to snapshot before the provider reclaims the sandbox.
	Grace = 5 * time.Minute
)

// Queue schedules and cancels expiry jobs.
type Queue struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewQueue returns a Queue on the given Redis client.
func NewQueue(rdb *redis.Client, log *slog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

// Schedule (re)arms the expiry job for a session. A nil deadline is a
// no-op; rescheduling replaces the previous fire time, keeping exactly
// one job per session.
func (q *Queue) Schedule(ctx context.Context, sessionID string, expiresAt *time.Time) error {
	if expiresAt == nil {
		return nil
	}
	fireAt := expiresAt.Add(-Grace)
	if now := time.Now(); fireAt.Before(now) {
		fireAt = now
	}
	member := jobPrefix + sessionID
	if err := q.rdb.ZAdd(ctx, scheduleKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("schedule expiry for %s: %w", sessionID, err)
	}
	q.log.Debug("scheduled session expiry", "session_id", sessionID, "fire_at", fireAt)
	return nil
}

// Cancel removes the session's expiry job if one is scheduled.
func (q *Queue) Cancel(ctx context.Context, sessionID string) error {
	if err := q.rdb.ZRem(ctx, scheduleKey, jobPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("cancel expiry for %s: %w", sessionID, err)
	}
	return nil
}

// Handler processes one fired expiry job.
type Handler func(ctx context.Context, sessionID string) error

// Worker polls the schedule and runs due jobs. Failures are logged and
// the job abandoned: expiry handling is idempotent and the orphan sweeper
// converges anything left behind.
type Worker struct {
	queue    *Queue
	handler  Handler
	interval time.Duration
	log      *slog.Logger
}

// NewWorker returns a Worker polling at the given interval.
func NewWorker(queue *Queue, handler Handler, interval time.Duration, log *slog.Logger) *Worker {
	return &Worker{queue: queue, handler: handler, interval: interval, log: log}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Info("expiry worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("expiry worker stopped")
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce claims and runs every job due now, returning how many this
// worker executed. Exposed for deterministic tests.
func (w *Worker) PollOnce(ctx context.Context) int {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := w.queue.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		w.log.Warn("expiry poll failed", "error", err)
		return 0
	}

	ran := 0
	for _, member := range members {
		removed, err := w.queue.rdb.ZRem(ctx, scheduleKey, member).Result()
		if err != nil {
			w.log.Warn("expiry claim failed", "job", member, "error", err)
			continue
		}
		if removed == 0 {
			// Another replica claimed it first.
			continue
		}
		sessionID := strings.TrimPrefix(member, jobPrefix)
		if sessionID == member {
			w.log.Warn("dropping malformed expiry job", "job", member)
			continue
		}
		ran++
		if err := w.handler(ctx, sessionID); err != nil {
			metrics.ExpiryJobsTotal.WithLabelValues("failed").Inc()
			w.log.Warn("expiry job failed; abandoning", "session_id", sessionID, "error", err)
			continue
		}
		metrics.ExpiryJobsTotal.WithLabelValues("completed").Inc()
	}
	return ran
}
