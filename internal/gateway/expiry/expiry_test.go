package expiry

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
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func newTestWorker(q *Queue, h Handler) *Worker {
	return NewWorker(q, h, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduleNilDeadlineIsNoop(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Schedule(ctx, "sess-1", nil))
	require.False(t, mr.Exists(scheduleKey))
}

func TestScheduleDeduplicatesPerSession(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))

	members, err := mr.ZMembers(scheduleKey)
	require.NoError(t, err)
	require.Equal(t, []string{"session_expiry__sess-1"}, members)

	// Rescheduling moves the fire time instead of adding a second job.
	later := deadline.Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &later))
	members, err = mr.ZMembers(scheduleKey)
	require.NoError(t, err)
	require.Len(t, members, 1)

	score, err := mr.ZScore(scheduleKey, "session_expiry__sess-1")
	require.NoError(t, err)
	require.InDelta(t, float64(later.Add(-Grace).UnixMilli()), score, 1000)
}

func TestSchedulePastDeadlineFiresImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	deadline := time.Now().Add(-time.Minute)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))

	var mu sync.Mutex
	var fired []string
	w := newTestWorker(q, func(_ context.Context, sessionID string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, sessionID)
		return nil
	})
	require.Equal(t, 1, w.PollOnce(ctx))
	require.Equal(t, []string{"sess-1"}, fired)
}

func TestCancelRemovesJob(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	deadline := time.Now().Add(time.Minute)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))
	require.NoError(t, q.Cancel(ctx, "sess-1"))
	require.False(t, mr.Exists(scheduleKey))

	// Cancelling an unscheduled session is fine.
	require.NoError(t, q.Cancel(ctx, "sess-2"))
}

func TestWorkerSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))

	w := newTestWorker(q, func(context.Context, string) error {
		t.Fatal("job is not due")
		return nil
	})
	require.Zero(t, w.PollOnce(ctx))
}

func TestWorkerClaimsEachJobOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	deadline := time.Now().Add(-time.Second)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))
	require.NoError(t, q.Schedule(ctx, "sess-2", &deadline))

	var mu sync.Mutex
	fired := map[string]int{}
	w := newTestWorker(q, func(_ context.Context, sessionID string) error {
		mu.Lock()
		defer mu.Unlock()
		fired[sessionID]++
		return nil
	})

	require.Equal(t, 2, w.PollOnce(ctx))
	require.Zero(t, w.PollOnce(ctx), "claimed jobs are gone")
	require.Equal(t, map[string]int{"sess-1": 1, "sess-2": 1}, fired)
}

func TestWorkerAbandonsFailedJobs(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	deadline := time.Now().Add(-time.Second)
	require.NoError(t, q.Schedule(ctx, "sess-1", &deadline))

	w := newTestWorker(q, func(context.Context, string) error {
		return errors.New("hub unavailable")
	})
	require.Equal(t, 1, w.PollOnce(ctx))

	// The job was claimed and is not retried.
	require.False(t, mr.Exists(scheduleKey))
	require.Zero(t, w.PollOnce(ctx))
}
