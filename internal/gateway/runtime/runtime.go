// Package runtime drives a session's sandbox to a usable state: sandbox
// provisioned, agent session resolved, event stream connected. All entry
// points funnel through EnsureReady, which deduplicates concurrent callers
// and is safe to call speculatively.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/auth"
	"github.com/boxgate/boxgate/internal/gateway/billing"
	"github.com/boxgate/boxgate/internal/gateway/config"
	"github.com/boxgate/boxgate/internal/gateway/events"
	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/gitops"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/gateway/stream"
)

// Ensure reasons, recorded in logs and consulted by the ready path.
const (
	ReasonClientInit    = "client_init"
	ReasonPrompt        = "prompt"
	ReasonCommand       = "command"
	ReasonAutoReconnect = "auto_reconnect"
	ReasonMigration     = "migration"
)

// ErrSessionNotActive aborts an automatic reconnect whose session was
// paused or stopped while the stream was down.
var ErrSessionNotActive = errors.New("session is no longer active")

// migrationBarrierTimeout bounds the wait for a foreign migration lock.
// Locks self-expire at 300s; anything past that is a stuck peer.
const migrationBarrierTimeout = 6 * time.Minute

// EnsureOpts qualifies one EnsureReady call.
type EnsureOpts struct {
	Reason string
	// SkipMigrationLock is set when the caller already holds the
	// session's migration lock.
	SkipMigrationLock bool
}

// StatusSink receives status transitions the ready path must surface to
// connected clients. The hub implements it.
type StatusSink interface {
	BroadcastStatus(status, detail string)
	BroadcastPreviewURL(url string)
}

// Deps wires the runtime's collaborators.
type Deps struct {
	Log       *slog.Logger
	Queries   *store.Queries
	Leases    *lease.Manager
	Providers *sandbox.Registry
	Expiry    *expiry.Queue
	Billing   billing.Gate
	Status    StatusSink
	Processor *events.Processor

	ServiceToken    string
	PublicURL       string
	DefaultProvider string
	AgentDefaults   config.AgentConfig

	HeartbeatTimeout time.Duration
	ReadTimeout      time.Duration

	// OnEvent and OnDisconnect are handed to each stream connection.
	OnEvent      func(agentapi.Event)
	OnDisconnect func(stream.DisconnectReason)
}

// flight is one in-progress ensure run. Concurrent callers wait on done
// and share err.
type flight struct {
	done chan struct{}
	err  error
}

// Runtime owns the in-memory sandbox state of one session.
type Runtime struct {
	log       *slog.Logger
	deps      Deps
	sessionID string

	mu             sync.Mutex
	flight         *flight
	provider       sandbox.Provider
	sandboxID      string
	tunnelURL      string
	previewURL     string
	agentSessionID string
	restored       bool
	client         *agentapi.Client
	stream         *stream.Client
}

// New builds a runtime for one session. No I/O happens until EnsureReady.
func New(sessionID string, deps Deps) *Runtime {
	return &Runtime{
		log:       deps.Log.With("session_id", sessionID),
		deps:      deps,
		sessionID: sessionID,
	}
}

func (r *Runtime) readyLocked() bool {
	return r.tunnelURL != "" && r.agentSessionID != "" && r.stream != nil && r.stream.Connected()
}

// Ready reports whether the session has a reachable sandbox, a resolved
// agent session, and a live event stream.
func (r *Runtime) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked()
}

func (r *Runtime) SandboxID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sandboxID
}

func (r *Runtime) TunnelURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnelURL
}

func (r *Runtime) PreviewURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previewURL
}

func (r *Runtime) AgentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentSessionID
}

// Provider returns the session's resolved provider, or nil before the
// first successful sandbox provisioning.
func (r *Runtime) Provider() sandbox.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

// Client returns the agent API client for the current tunnel, or nil when
// no sandbox has been provisioned yet.
func (r *Runtime) Client() *agentapi.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// EnsureReady drives the session to the ready state. Concurrent callers
// share a single run; callers arriving after completion start a fresh one.
// A ready session returns immediately.
func (r *Runtime) EnsureReady(ctx context.Context, opts EnsureOpts) error {
	r.mu.Lock()
	if r.readyLocked() {
		r.mu.Unlock()
		return nil
	}
	if f := r.flight; f != nil {
		r.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	r.flight = f
	r.mu.Unlock()

	f.err = r.ensure(ctx, opts)

	r.mu.Lock()
	r.flight = nil
	r.mu.Unlock()
	close(f.done)
	return f.err
}

// ensure is the single-flighted body of EnsureReady.
func (r *Runtime) ensure(ctx context.Context, opts EnsureOpts) error {
	start := time.Now()

	// A migration elsewhere owns the session's sandbox state; wait it out
	// unless the caller is the migration itself.
	if !opts.SkipMigrationLock {
		waitCtx, cancel := context.WithTimeout(ctx, migrationBarrierTimeout)
		err := r.deps.Leases.WaitForMigrationLockRelease(waitCtx, r.sessionID)
		cancel()
		if err != nil {
			return fmt.Errorf("wait for migration lock: %w", err)
		}
		// The migration may have finished the work for us.
		if r.Ready() {
			return nil
		}
	}

	sctx, err := BuildSessionContext(ctx, r.deps.Queries, r.deps.AgentDefaults, r.sessionID)
	if err != nil {
		return err
	}
	sess := sctx.Session

	if opts.Reason == ReasonAutoReconnect &&
		(sess.Status == store.StatusPaused || sess.Status == store.StatusStopped) {
		return ErrSessionNotActive
	}

	// Resumes of configuration-backed sessions are billable.
	if sctx.Configuration != nil {
		decision, err := r.deps.Billing.Check(ctx, sess.OrganizationID, billing.ActionSessionResume)
		if err != nil {
			return fmt.Errorf("billing check: %w", err)
		}
		if !decision.Allowed {
			r.deps.Status.BroadcastStatus(store.StatusError, decision.Message)
			return fmt.Errorf("session resume denied: %s", decision.Message)
		}
	}

	providerName := sess.SandboxProvider
	if providerName == "" {
		providerName = r.deps.DefaultProvider
	}
	provider, err := r.deps.Providers.Get(providerName)
	if err != nil {
		return err
	}

	baseSnapshotID := ""
	base, err := r.deps.Queries.GetBaseSnapshot(ctx, sctx.BaseSnapshotKey, provider.Name(), sctx.AppName)
	switch {
	case err == nil:
		baseSnapshotID = base.SnapshotID
	case errors.Is(err, sql.ErrNoRows):
		// Cold start without a prebuilt image.
	default:
		return err
	}

	snapshotID := deref(sess.SnapshotID)
	prevSandboxID := deref(sess.SandboxID)

	env := make(map[string]string, len(sctx.Env)+3)
	for k, v := range sctx.Env {
		env[k] = v
	}
	env["BOXGATE_SESSION_ID"] = r.sessionID
	env["BOXGATE_SESSION_TOKEN"] = auth.SandboxToken(r.deps.ServiceToken, r.sessionID)
	env["BOXGATE_GATEWAY_URL"] = r.deps.PublicURL

	result, err := provider.EnsureSandbox(ctx, sandbox.EnsureParams{
		SessionID:         r.sessionID,
		SnapshotID:        snapshotID,
		BaseSnapshotID:    baseSnapshotID,
		PreviousSandboxID: prevSandboxID,
		Env:               env,
		Repos:             sctx.Repos,
		ServiceCommands:   sctx.ServiceCommands,
		DepsInstalled:     sctx.DepsInstalled,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrMemoryRestoreFailed) {
			// Drop the poisoned snapshot so the next attempt cold-starts.
			if clearErr := r.deps.Queries.ClearSessionSnapshot(ctx, r.sessionID); clearErr != nil {
				r.log.Error("clear failed memory snapshot", "error", clearErr)
			}
		}
		return fmt.Errorf("ensure sandbox: %w", err)
	}
	restored := snapshotID != "" && !result.Recovered

	// A recovered sandbox keeps its known expiry; a fresh one without a
	// provider-reported deadline has none.
	expiresAt := result.ExpiresAt
	if expiresAt == nil && result.Recovered && prevSandboxID != "" && result.SandboxID == prevSandboxID {
		expiresAt = sess.SandboxExpiresAt
	}

	if restored {
		if exec, ok := sandbox.CanExec(provider); ok {
			if out, err := gitops.NewRunner(exec, result.SandboxID).PullFastForward(ctx, ""); err != nil {
				r.log.Warn("post-restore git pull failed", "error", err)
			} else if out != "" {
				r.log.Debug("post-restore git pull", "output", out)
			}
		}
	}

	if err := r.deps.Queries.UpdateSessionRuntime(ctx, store.UpdateSessionRuntimeParams{
		ID:               r.sessionID,
		SandboxID:        result.SandboxID,
		TunnelURL:        result.TunnelURL,
		PreviewURL:       strPtr(result.PreviewURL),
		SandboxExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	client := agentapi.NewClient(result.TunnelURL)

	r.mu.Lock()
	r.provider = provider
	r.sandboxID = result.SandboxID
	r.tunnelURL = result.TunnelURL
	r.previewURL = result.PreviewURL
	r.restored = restored
	r.client = client
	r.mu.Unlock()

	// Losing the expiry schedule only delays cleanup; the sweeper covers it.
	go func(deadline *time.Time) {
		sctx := context.WithoutCancel(ctx)
		if err := r.deps.Expiry.Schedule(sctx, r.sessionID, deadline); err != nil {
			r.log.Warn("schedule sandbox expiry", "error", err)
		}
	}(expiresAt)

	agentSessionID, err := r.resolveAgentSession(ctx, client, deref(sess.AgentSessionID), restored)
	if err != nil {
		return err
	}
	if agentSessionID != deref(sess.AgentSessionID) {
		if err := r.deps.Queries.UpdateSessionAgentSession(ctx, r.sessionID, agentSessionID); err != nil {
			return err
		}
	}
	r.deps.Processor.BindAgentSession(agentSessionID)

	r.mu.Lock()
	r.agentSessionID = agentSessionID
	r.mu.Unlock()

	sc := stream.New(r.log, stream.Config{
		HeartbeatTimeout: r.deps.HeartbeatTimeout,
		ReadTimeout:      r.deps.ReadTimeout,
		OnEvent:          r.deps.OnEvent,
		OnDisconnect:     r.deps.OnDisconnect,
	})
	if err := sc.Connect(ctx, result.TunnelURL); err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}

	r.mu.Lock()
	r.stream = sc
	r.mu.Unlock()

	r.deps.Status.BroadcastStatus(store.StatusRunning, "")
	if result.PreviewURL != "" {
		r.deps.Status.BroadcastPreviewURL(result.PreviewURL)
	}
	r.log.Info("runtime ready",
		"reason", opts.Reason,
		"sandbox_id", result.SandboxID,
		"agent_session_id", agentSessionID,
		"recovered", result.Recovered,
		"restored", restored,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// resolveAgentSession settles which upstream agent session this gateway
// session maps to. Identity is sticky: transient probe failures keep the
// stored id rather than rotating to a new one.
func (r *Runtime) resolveAgentSession(ctx context.Context, client *agentapi.Client, storedID string, restored bool) (string, error) {
	if storedID != "" {
		_, err := client.GetSession(ctx, storedID)
		switch {
		case err == nil:
			return storedID, nil
		case !errors.Is(err, agentapi.ErrNotFound):
			r.log.Warn("agent session probe failed, keeping stored id",
				"agent_session_id", storedID, "error", err)
			return storedID, nil
		}
		// Definitive 404: the agent lost it, adopt whatever it has.
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		r.log.Warn("list agent sessions", "error", err)
	} else if newest, ok := agentapi.Newest(sessions); ok {
		return newest.ID, nil
	}

	return r.createAgentSession(ctx, client, restored)
}

// createAgentSession creates a fresh agent session with bounded retries.
// Restored sandboxes get extra attempts because the agent re-indexes the
// workspace before accepting requests.
func (r *Runtime) createAgentSession(ctx context.Context, client *agentapi.Client, restored bool) (string, error) {
	attempts := 3
	if restored {
		attempts = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		created, err := client.CreateSession(ctx)
		if err == nil {
			return created.ID, nil
		}
		lastErr = err
		if !retryableAgentError(err) || attempt == attempts {
			break
		}
		interval := bo.NextBackOff()
		r.log.Warn("create agent session failed, retrying",
			"attempt", attempt, "backoff", interval, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", fmt.Errorf("create agent session: %w", lastErr)
}

// retryableAgentError reports whether err looks like the agent still
// booting rather than a real failure.
func retryableAgentError(err error) bool {
	var apiErr *agentapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, frag := range []string{"connection refused", "connection reset", "no such host", "EOF"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Disconnect closes the event stream without firing the disconnect
// callback. The sandbox and agent session survive.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	sc := r.stream
	r.mu.Unlock()
	if sc != nil {
		sc.Disconnect()
	}
}

// ResetSandboxState drops all in-memory sandbox state so the next
// EnsureReady rebuilds from the store. The stream must already be
// disconnected.
func (r *Runtime) ResetSandboxState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = nil
	r.sandboxID = ""
	r.tunnelURL = ""
	r.previewURL = ""
	r.agentSessionID = ""
	r.restored = false
	r.client = nil
	r.stream = nil
}

// SendPrompt forwards user input to the agent. The runtime must be ready.
func (r *Runtime) SendPrompt(ctx context.Context, parts []agentapi.PromptPart) error {
	r.mu.Lock()
	client, agentSessionID := r.client, r.agentSessionID
	r.mu.Unlock()
	if client == nil || agentSessionID == "" {
		return errors.New("runtime not ready")
	}
	return client.PromptAsync(ctx, agentSessionID, parts)
}

// Abort asks the agent to stop the in-flight message. A session without a
// resolved agent session has nothing to abort.
func (r *Runtime) Abort(ctx context.Context) error {
	r.mu.Lock()
	client, agentSessionID := r.client, r.agentSessionID
	r.mu.Unlock()
	if client == nil || agentSessionID == "" {
		return nil
	}
	return client.Abort(ctx, agentSessionID)
}

// ListMessages fetches the agent-side transcript.
func (r *Runtime) ListMessages(ctx context.Context) ([]agentapi.MessageWithParts, error) {
	r.mu.Lock()
	client, agentSessionID := r.client, r.agentSessionID
	r.mu.Unlock()
	if client == nil || agentSessionID == "" {
		return nil, errors.New("runtime not ready")
	}
	return client.ListMessages(ctx, agentSessionID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
