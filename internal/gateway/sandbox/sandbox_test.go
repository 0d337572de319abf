package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	fake := NewFakeProvider()
	reg.Register(fake)

	got, err := reg.Get("fake")
	require.NoError(t, err)
	require.Same(t, Provider(fake), got)

	_, err = reg.Get("nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown sandbox provider")
}

func TestSnapshotKeepsSandbox(t *testing.T) {
	require.True(t, SnapshotKeepsSandbox("mem:abc"))
	require.True(t, SnapshotKeepsSandbox("pause:1"))
	require.False(t, SnapshotKeepsSandbox("snap-1"))
	require.False(t, SnapshotKeepsSandbox(""))
}

func TestFakeProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeProvider()

	res, err := fake.EnsureSandbox(ctx, EnsureParams{SessionID: "sess_1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.SandboxID)
	require.NotEmpty(t, res.TunnelURL)
	require.False(t, res.Recovered)
	require.True(t, fake.Alive(res.SandboxID))

	// Recovering a live sandbox returns the same id.
	res2, err := fake.EnsureSandbox(ctx, EnsureParams{SessionID: "sess_1", PreviousSandboxID: res.SandboxID})
	require.NoError(t, err)
	require.Equal(t, res.SandboxID, res2.SandboxID)
	require.True(t, res2.Recovered)

	snapID, err := fake.Snapshot(ctx, res.SandboxID, "checkpoint")
	require.NoError(t, err)
	require.False(t, SnapshotKeepsSandbox(snapID))

	require.NoError(t, fake.Terminate(ctx, res.SandboxID))
	require.False(t, fake.Alive(res.SandboxID))

	// Terminated sandboxes are not recovered.
	res3, err := fake.EnsureSandbox(ctx, EnsureParams{SessionID: "sess_1", PreviousSandboxID: res.SandboxID})
	require.NoError(t, err)
	require.NotEqual(t, res.SandboxID, res3.SandboxID)
	require.False(t, res3.Recovered)
}

func TestFakeProviderCapabilities(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeProvider()

	res, err := fake.EnsureSandbox(ctx, EnsureParams{SessionID: "sess_1"})
	require.NoError(t, err)

	p, ok := CanPause(fake)
	require.True(t, ok)
	pauseID, err := p.Pause(ctx, res.SandboxID)
	require.NoError(t, err)
	require.True(t, SnapshotKeepsSandbox(pauseID))

	ms, ok := CanMemorySnapshot(fake)
	require.True(t, ok)
	memID, err := ms.MemorySnapshot(ctx, res.SandboxID)
	require.NoError(t, err)
	require.True(t, SnapshotKeepsSandbox(memID))

	fr, ok := CanReadFiles(fake)
	require.True(t, ok)
	fake.Files = map[string][]byte{"/workspace/README.md": []byte("hello")}
	files, err := fr.ReadFiles(ctx, res.SandboxID, []string{"/workspace/README.md"})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), files["/workspace/README.md"])
	_, err = fr.ReadFiles(ctx, res.SandboxID, []string{"/missing"})
	require.Error(t, err)

	fake.AllowPause = false
	_, ok = CanPause(fake)
	require.False(t, ok)

	require.False(t, AutoPauses(fake))
	fake.AllowAutoPause = true
	require.True(t, AutoPauses(fake))
}

func TestFakeProviderMemoryRestoreFailure(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeProvider()
	fake.MemoryRestoreFail = true

	_, err := fake.EnsureSandbox(ctx, EnsureParams{
		SessionID:         "sess_1",
		SnapshotID:        "mem:42",
		PreviousSandboxID: "sbx-old",
	})
	require.ErrorIs(t, err, ErrMemoryRestoreFailed)
}
