// Package sandbox defines the capability-based provider interface the
// gateway uses to manage ephemeral compute sandboxes, plus the process-wide
// provider registry.
//
// Providers implement the required Provider interface; optional
// capabilities (pausing, memory snapshots, exec) are discovered by
// interface assertion combined with a Supports* check, so a provider can
// ship the method and still decline it per deployment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemorySnapshotPrefix marks snapshot ids produced by a memory snapshot.
// A memory snapshot leaves the sandbox alive; callers must not terminate it.
const MemorySnapshotPrefix = "mem:"

// PausePrefix marks snapshot ids produced by pausing a sandbox in place.
const PausePrefix = "pause:"

// ErrMemoryRestoreFailed reports that a sandbox could not be restored from
// a memory snapshot. The caller clears the persisted snapshot id so the
// next attempt cold-starts.
var ErrMemoryRestoreFailed = errors.New("restore from memory snapshot failed")

// SnapshotKeepsSandbox reports whether the given snapshot id describes a
// sandbox that is still alive (memory snapshot or pause).
func SnapshotKeepsSandbox(snapshotID string) bool {
	return strings.HasPrefix(snapshotID, MemorySnapshotPrefix) ||
		strings.HasPrefix(snapshotID, PausePrefix)
}

// RepoSpec is one repository to materialize in the sandbox workspace.
type RepoSpec struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Token  string `json:"token,omitempty"`
}

// EnsureParams carries everything a provider needs to produce a live
// sandbox for a session.
type EnsureParams struct {
	SessionID string

	// SnapshotID is the restore source; empty means cold start. Ids with
	// MemorySnapshotPrefix request a memory restore.
	SnapshotID string

	// BaseSnapshotID is the provider's base image for cold starts; empty
	// means the provider default.
	BaseSnapshotID string

	// PreviousSandboxID lets the provider recover a sandbox that is still
	// alive instead of creating a new one.
	PreviousSandboxID string

	Env             map[string]string
	Repos           []RepoSpec
	ServiceCommands []string
	DepsInstalled   bool
}

// EnsureResult is the provider's view of a live sandbox.
type EnsureResult struct {
	SandboxID  string
	TunnelURL  string
	PreviewURL string
	SSHHost    string
	SSHPort    int

	// ExpiresAt is the sandbox TTL deadline; nil when the provider manages
	// its own lifecycle or did not report one.
	ExpiresAt *time.Time

	// Recovered is true when the provider found PreviousSandboxID still
	// alive and returned it instead of creating a new sandbox.
	Recovered bool
}

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Provider is the required sandbox surface. Terminate must be idempotent:
// terminating an already-dead sandbox is not an error.
type Provider interface {
	Name() string
	EnsureSandbox(ctx context.Context, params EnsureParams) (EnsureResult, error)
	// Snapshot captures the sandbox filesystem and returns a snapshot id.
	// The sandbox remains running; whether it survives afterwards is the
	// caller's decision.
	Snapshot(ctx context.Context, sandboxID, message string) (string, error)
	Terminate(ctx context.Context, sandboxID string) error
}

// Pauser is the optional pause capability. Pausing preserves the sandbox
// in place; the returned snapshot id (PausePrefix) both satisfies the
// paused-sessions-have-snapshots invariant and marks the sandbox as kept.
type Pauser interface {
	SupportsPause() bool
	Pause(ctx context.Context, sandboxID string) (string, error)
}

// MemorySnapshotter is the optional memory-snapshot capability. The
// returned id carries MemorySnapshotPrefix and the sandbox stays alive.
type MemorySnapshotter interface {
	SupportsMemorySnapshot() bool
	MemorySnapshot(ctx context.Context, sandboxID string) (string, error)
}

// Executor runs a shell command inside the sandbox. A non-zero exit code
// is reported in ExecResult, not as an error; err is reserved for
// transport and sandbox-not-found failures.
type Executor interface {
	ExecCommand(ctx context.Context, sandboxID, dir, command string) (ExecResult, error)
}

// FileReader reads files out of a sandbox without exec.
type FileReader interface {
	ReadFiles(ctx context.Context, sandboxID string, paths []string) (map[string][]byte, error)
}

// ServiceCommandTester runs configured service commands and reports
// per-command results. Used by auto-start runs.
type ServiceCommandTester interface {
	TestServiceCommands(ctx context.Context, sandboxID string, commands []string) ([]ExecResult, error)
}

// AutoPauser marks providers that pause idle sandboxes on their own; the
// gateway skips expiry scheduling when no deadline is reported.
type AutoPauser interface {
	SupportsAutoPause() bool
}

// CanPause reports whether p pauses sandboxes in place.
func CanPause(p Provider) (Pauser, bool) {
	pp, ok := p.(Pauser)
	return pp, ok && pp.SupportsPause()
}

// CanMemorySnapshot reports whether p takes memory snapshots.
func CanMemorySnapshot(p Provider) (MemorySnapshotter, bool) {
	ms, ok := p.(MemorySnapshotter)
	return ms, ok && ms.SupportsMemorySnapshot()
}

// CanExec reports whether p runs commands inside sandboxes.
func CanExec(p Provider) (Executor, bool) {
	ex, ok := p.(Executor)
	return ex, ok
}

// CanReadFiles reports whether p reads files out of sandboxes.
func CanReadFiles(p Provider) (FileReader, bool) {
	fr, ok := p.(FileReader)
	return fr, ok
}

// CanTestServiceCommands reports whether p batch-runs service commands.
func CanTestServiceCommands(p Provider) (ServiceCommandTester, bool) {
	st, ok := p.(ServiceCommandTester)
	return st, ok
}

// AutoPauses reports whether p manages idle pausing itself.
func AutoPauses(p Provider) bool {
	ap, ok := p.(AutoPauser)
	return ok && ap.SupportsAutoPause()
}

// Registry maps provider names to implementations. Registration happens
// at server construction; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name, replacing any previous
// registration.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox provider %q", name)
	}
	return p, nil
}
