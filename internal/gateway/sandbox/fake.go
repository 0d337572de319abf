package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeProvider is a deterministic in-memory Provider for tests and local
// development. All optional capabilities are implemented and gated by the
// Allow* fields; failures are scripted through the Fail* fields.
type FakeProvider struct {
	ProviderName string

	AllowPause          bool
	AllowMemorySnapshot bool
	AllowAutoPause      bool

	// TunnelURLFn overrides the tunnel URL per sandbox, letting tests point
	// the gateway at an httptest server.
	TunnelURLFn func(sandboxID string) string

	// TTL is copied into EnsureResult.ExpiresAt when non-zero.
	TTL time.Duration

	FailEnsure        error
	FailSnapshot      error
	FailPause         error
	FailMemorySnap    error
	FailTerminate     error
	FailExec          error
	MemoryRestoreFail bool

	// ExecFn overrides command execution when set.
	ExecFn func(sandboxID, dir, command string) (ExecResult, error)

	// Files backs ReadFiles, keyed by path.
	Files    map[string][]byte
	FailRead error

	// SnapshotFn overrides filesystem snapshotting when set.
	SnapshotFn func(sandboxID, message string) (string, error)

	mu         sync.Mutex
	seq        int
	alive      map[string]bool
	snapshots  map[string]string // snapshot id -> source sandbox id
	Ensures    []EnsureParams
	Terminated []string
	Paused     []string
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider returns a FakeProvider named "fake" with all
// capabilities enabled.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		ProviderName:        "fake",
		AllowPause:          true,
		AllowMemorySnapshot: true,
		alive:               make(map[string]bool),
		snapshots:           make(map[string]string),
	}
}

func (f *FakeProvider) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeProvider) EnsureSandbox(_ context.Context, params EnsureParams) (EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ensures = append(f.Ensures, params)
	if f.FailEnsure != nil {
		return EnsureResult{}, f.FailEnsure
	}
	if strings.HasPrefix(params.SnapshotID, MemorySnapshotPrefix) && f.MemoryRestoreFail {
		return EnsureResult{}, fmt.Errorf("sandbox %s: %w", params.PreviousSandboxID, ErrMemoryRestoreFailed)
	}

	if params.PreviousSandboxID != "" && f.alive[params.PreviousSandboxID] {
		return f.resultLocked(params.PreviousSandboxID, true), nil
	}

	f.seq++
	id := fmt.Sprintf("sbx-%s-%d", f.Name(), f.seq)
	f.alive[id] = true
	return f.resultLocked(id, false), nil
}

func (f *FakeProvider) resultLocked(sandboxID string, recovered bool) EnsureResult {
	res := EnsureResult{
		SandboxID:  sandboxID,
		TunnelURL:  fmt.Sprintf("http://%s.tunnel.invalid", sandboxID),
		PreviewURL: fmt.Sprintf("http://%s.preview.invalid", sandboxID),
		SSHHost:    "ssh.invalid",
		SSHPort:    22,
		Recovered:  recovered,
	}
	if f.TunnelURLFn != nil {
		res.TunnelURL = f.TunnelURLFn(sandboxID)
	}
	if f.TTL > 0 {
		t := time.Now().Add(f.TTL)
		res.ExpiresAt = &t
	}
	return res
}

func (f *FakeProvider) Snapshot(_ context.Context, sandboxID, message string) (string, error) {
	f.mu.Lock()
	snapFn, failSnap := f.SnapshotFn, f.FailSnapshot
	aliveOK := f.alive[sandboxID]
	f.mu.Unlock()

	if failSnap != nil {
		return "", failSnap
	}
	if !aliveOK {
		return "", fmt.Errorf("sandbox %s not found", sandboxID)
	}
	if snapFn != nil {
		return snapFn(sandboxID, message)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("snap-%d", f.seq)
	f.snapshots[id] = sandboxID
	return id, nil
}

func (f *FakeProvider) Terminate(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTerminate != nil {
		return f.FailTerminate
	}
	delete(f.alive, sandboxID)
	f.Terminated = append(f.Terminated, sandboxID)
	return nil
}

func (f *FakeProvider) SupportsPause() bool { return f.AllowPause }

func (f *FakeProvider) Pause(_ context.Context, sandboxID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPause != nil {
		return "", f.FailPause
	}
	if !f.alive[sandboxID] {
		return "", fmt.Errorf("sandbox %s not found", sandboxID)
	}
	f.Paused = append(f.Paused, sandboxID)
	f.seq++
	id := fmt.Sprintf("%s%d", PausePrefix, f.seq)
	f.snapshots[id] = sandboxID
	return id, nil
}

func (f *FakeProvider) SupportsMemorySnapshot() bool { return f.AllowMemorySnapshot }

func (f *FakeProvider) MemorySnapshot(_ context.Context, sandboxID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMemorySnap != nil {
		return "", f.FailMemorySnap
	}
	if !f.alive[sandboxID] {
		return "", fmt.Errorf("sandbox %s not found", sandboxID)
	}
	f.seq++
	id := fmt.Sprintf("%s%d", MemorySnapshotPrefix, f.seq)
	f.snapshots[id] = sandboxID
	return id, nil
}

func (f *FakeProvider) SupportsAutoPause() bool { return f.AllowAutoPause }

func (f *FakeProvider) ExecCommand(_ context.Context, sandboxID, dir, command string) (ExecResult, error) {
	f.mu.Lock()
	execFn, failExec := f.ExecFn, f.FailExec
	aliveOK := f.alive[sandboxID]
	f.mu.Unlock()

	if failExec != nil {
		return ExecResult{}, failExec
	}
	if !aliveOK {
		return ExecResult{}, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	if execFn != nil {
		return execFn(sandboxID, dir, command)
	}
	return ExecResult{Stdout: "", ExitCode: 0}, nil
}

func (f *FakeProvider) ReadFiles(_ context.Context, sandboxID string, paths []string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return nil, f.FailRead
	}
	if !f.alive[sandboxID] {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		content, ok := f.Files[p]
		if !ok {
			return nil, fmt.Errorf("file %s not found", p)
		}
		out[p] = content
	}
	return out, nil
}

// TestServiceCommands runs each command through ExecCommand and collects
// the per-command results.
func (f *FakeProvider) TestServiceCommands(ctx context.Context, sandboxID string, commands []string) ([]ExecResult, error) {
	out := make([]ExecResult, 0, len(commands))
	for _, command := range commands {
		res, err := f.ExecCommand(ctx, sandboxID, "", command)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Alive reports whether the fake considers sandboxID running.
func (f *FakeProvider) Alive(sandboxID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[sandboxID]
}

// SetAlive force-registers a sandbox id as running, for tests that start
// from a recovered state.
func (f *FakeProvider) SetAlive(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[sandboxID] = true
}
