package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boxgate/boxgate/internal/gateway/id"
	"github.com/boxgate/boxgate/internal/gateway/store"
)

func newTestQueries(t *testing.T) *store.Queries {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func strp(s string) *string { return &s }

func createSession(t *testing.T, q *store.Queries, mutate func(*store.CreateSessionParams)) string {
	t.Helper()
	p := store.CreateSessionParams{
		ID:              id.New("sess"),
		OrganizationID:  "org-1",
		CreatedBy:       strp("user-1"),
		SandboxProvider: "fake",
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, q.CreateSession(context.Background(), p))
	return p.ID
}

func TestSessionRoundTrip(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, func(p *store.CreateSessionParams) {
		p.ClientType = strp("web")
	})

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreating, s.Status)
	require.Equal(t, "coding", s.SessionType)
	require.Equal(t, "web", *s.ClientType)
	require.Nil(t, s.SandboxID)
	require.Nil(t, s.TunnelURL)
}

func TestUpdateSessionRuntime(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	err := q.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID:               sid,
		SandboxID:        "sb-1",
		TunnelURL:        "https://tunnel.example",
		PreviewURL:       strp("https://preview.example"),
		SandboxExpiresAt: &expires,
	})
	require.NoError(t, err)

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, s.Status)
	require.Equal(t, "sb-1", *s.SandboxID)
	require.Equal(t, "https://tunnel.example", *s.TunnelURL)
	require.NotNil(t, s.SandboxExpiresAt)
	require.Nil(t, s.PauseReason)
}

func TestPauseSessionCAS(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)
	require.NoError(t, q.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID: sid, SandboxID: "sb-1", TunnelURL: "https://t",
	}))

	t.Run("mismatched sandbox id changes nothing", func(t *testing.T) {
		n, err := q.PauseSessionCAS(ctx, store.PauseSessionCASParams{
			ID:                sid,
			ExpectedSandboxID: "sb-stale",
			SnapshotID:        strp("snap-1"),
			PauseReason:       store.PauseReasonInactivity,
			PausedAt:          time.Now().UTC(),
		})
		require.NoError(t, err)
		require.Zero(t, n)

		s, err := q.GetSession(ctx, sid)
		require.NoError(t, err)
		require.Equal(t, store.StatusRunning, s.Status)
	})

	t.Run("matching sandbox id pauses", func(t *testing.T) {
		n, err := q.PauseSessionCAS(ctx, store.PauseSessionCASParams{
			ID:                sid,
			ExpectedSandboxID: "sb-1",
			SnapshotID:        strp("snap-1"),
			SandboxID:         nil,
			PauseReason:       store.PauseReasonInactivity,
			PausedAt:          time.Now().UTC(),
		})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		s, err := q.GetSession(ctx, sid)
		require.NoError(t, err)
		require.Equal(t, store.StatusPaused, s.Status)
		require.Equal(t, store.PauseReasonInactivity, *s.PauseReason)
		require.Equal(t, "snap-1", *s.SnapshotID)
		require.Nil(t, s.SandboxID)
		require.Nil(t, s.TunnelURL)
	})
}

func TestPauseSessionIfRunning(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)

	// Still "creating": guard must hold.
	n, err := q.PauseSessionIfRunning(ctx, sid, store.PauseReasonOrphaned, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, q.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID: sid, SandboxID: "sb-1", TunnelURL: "https://t",
	}))

	n, err = q.PauseSessionIfRunning(ctx, sid, store.PauseReasonOrphaned, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.PauseReasonOrphaned, *s.PauseReason)
}

func TestStopSessionForced(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)
	require.NoError(t, q.StopSessionForced(ctx, sid, store.PauseReasonSnapshotFailed, store.OutcomeFailed))

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, s.Status)
	require.Equal(t, store.PauseReasonSnapshotFailed, *s.PauseReason)
	require.Equal(t, store.OutcomeFailed, *s.Outcome)
	require.Nil(t, s.SandboxID)
}

func TestSnapshotColumnLifecycle(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)
	require.NoError(t, q.UpdateSessionSnapshot(ctx, sid, "snap-9"))

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, "snap-9", *s.SnapshotID)

	require.NoError(t, q.ClearSessionSnapshot(ctx, sid))
	s, err = q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Nil(t, s.SnapshotID)
}

func TestListSessionIDsByStatus(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	running := createSession(t, q, nil)
	require.NoError(t, q.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID: running, SandboxID: "sb-1", TunnelURL: "https://t",
	}))
	createSession(t, q, nil) // stays creating

	ids, err := q.ListSessionIDsByStatus(ctx, store.StatusRunning)
	require.NoError(t, err)
	require.Equal(t, []string{running}, ids)
}

func TestUpdateSessionTelemetry(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	sid := createSession(t, q, nil)
	err := q.UpdateSessionTelemetry(ctx, store.UpdateSessionTelemetryParams{
		ID:         sid,
		Metrics:    `{"messagesExchanged":3}`,
		LatestTask: strp("fix the build"),
		PRURLs:     `["https://github.com/o/r/pull/1"]`,
	})
	require.NoError(t, err)

	s, err := q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, `{"messagesExchanged":3}`, *s.Metrics)
	require.Equal(t, "fix the build", *s.LatestTask)
	require.Nil(t, s.Outcome) // COALESCE keeps the old value

	// Outcome sticks once set and survives a later nil.
	outcome := store.OutcomeCompleted
	require.NoError(t, q.UpdateSessionTelemetry(ctx, store.UpdateSessionTelemetryParams{
		ID: sid, Metrics: "{}", PRURLs: "[]", Outcome: &outcome,
	}))
	require.NoError(t, q.UpdateSessionTelemetry(ctx, store.UpdateSessionTelemetryParams{
		ID: sid, Metrics: "{}", PRURLs: "[]",
	}))
	s, err = q.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeCompleted, *s.Outcome)
}

func TestConfigurationsAndBaseSnapshots(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	err := q.CreateConfiguration(ctx, store.CreateConfigurationParams{
		ID:              "cfg-1",
		OrganizationID:  "org-1",
		Name:            "api-service",
		Repos:           strp(`[{"url":"https://github.com/o/r","branch":"main"}]`),
		EnvVars:         strp(`{"NODE_ENV":"test"}`),
		DepsInstalled:   true,
		BaseSnapshotKey: strp("v42"),
		AppName:         strp("boxgate"),
	})
	require.NoError(t, err)

	c, err := q.GetConfiguration(ctx, "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "api-service", c.Name)
	require.True(t, c.DepsInstalled)
	require.Equal(t, "v42", *c.BaseSnapshotKey)

	_, err = q.GetBaseSnapshot(ctx, "v42", "fake", "boxgate")
	require.True(t, errors.Is(err, sql.ErrNoRows))

	_, err = q.DB().ExecContext(ctx, `
		INSERT INTO base_snapshots (version_key, provider, app_name, snapshot_id)
		VALUES ('v42', 'fake', 'boxgate', 'base-snap-1')`)
	require.NoError(t, err)

	b, err := q.GetBaseSnapshot(ctx, "v42", "fake", "boxgate")
	require.NoError(t, err)
	require.Equal(t, "base-snap-1", b.SnapshotID)
}
