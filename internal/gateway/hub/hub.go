// Package hub is the in-memory home of one live session: it fans agent
// events out to attached clients and drives the session lifecycle through
// its runtime and migration controller. A hub exists on exactly one
// gateway instance at a time; the owner lease enforces that.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/archive"
	"github.com/boxgate/boxgate/internal/gateway/billing"
	"github.com/boxgate/boxgate/internal/gateway/config"
	"github.com/boxgate/boxgate/internal/gateway/events"
	"github.com/boxgate/boxgate/internal/gateway/expiry"
	"github.com/boxgate/boxgate/internal/gateway/lease"
	"github.com/boxgate/boxgate/internal/gateway/migration"
	"github.com/boxgate/boxgate/internal/gateway/notify"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/gateway/runtime"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/gateway/stream"
	"github.com/boxgate/boxgate/internal/gateway/telemetry"
	"github.com/boxgate/boxgate/internal/metrics"
)

const (
	// ensureTimeout bounds background runtime bring-up. Cold sandbox
	// provisioning can take minutes.
	ensureTimeout = 5 * time.Minute

	// teardownTimeout bounds lease release and telemetry writes on exit.
	teardownTimeout = 10 * time.Second
)

// ErrHubClosed reports that the hub has been evicted and accepts no work.
var ErrHubClosed = errors.New("hub closed")

// Deps carries the shared infrastructure a hub wires into its runtime and
// migration controller.
type Deps struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Queries   *store.Queries
	Leases    *lease.Manager
	Providers *sandbox.Registry
	Expiry    *expiry.Queue
	Notify    *notify.Bus
	Billing   billing.Gate
	Archive   *archive.Archiver

	// OnEvict removes the hub from its registry after teardown.
	OnEvict func(h *Hub)
}

// Hub owns one session's client set, telemetry, runtime, and migration
// controller.
type Hub struct {
	log       *slog.Logger
	deps      Deps
	sessionID string

	clientType string
	createdBy  *string
	automation bool

	rt   *runtime.Runtime
	mig  *migration.Controller
	proc *events.Processor
	tel  *telemetry.Accumulator

	mu               sync.Mutex
	clients          map[string]*Client
	leaseHeld        bool
	lastRenew        time.Time
	leaseStop        chan struct{}
	idleTimer        *time.Timer
	reconnectTimer   *time.Timer
	reconnectAttempt int
	externalTools    int
	autoStartBusy    bool
	terminated       bool
}

// New loads the session row and assembles the hub. No leases are taken
// until the first ensure; a hub created only to run an expiry migration
// never becomes the session owner.
func New(ctx context.Context, sessionID string, deps Deps) (*Hub, error) {
	sess, err := deps.Queries.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	h := &Hub{
		log:        deps.Log.With("session_id", sessionID),
		deps:       deps,
		sessionID:  sessionID,
		createdBy:  sess.CreatedBy,
		automation: sess.IsAutomation(),
		clients:    make(map[string]*Client),
	}
	if sess.ClientType != nil {
		h.clientType = *sess.ClientType
	}
	h.proc = events.NewProcessor(h.log)
	h.tel = telemetry.NewAccumulator()
	h.rt = runtime.New(sessionID, runtime.Deps{
		Log:       deps.Log,
		Queries:   deps.Queries,
		Leases:    deps.Leases,
		Providers: deps.Providers,
		Expiry:    deps.Expiry,
		Billing:   deps.Billing,
		Status:    h,
		Processor: h.proc,

		ServiceToken:    deps.Cfg.ServiceToken,
		PublicURL:       deps.Cfg.PublicURL,
		DefaultProvider: deps.Cfg.Provider.Default,
		AgentDefaults:   deps.Cfg.Agent,

		HeartbeatTimeout: deps.Cfg.Timers.HeartbeatTimeout(),
		ReadTimeout:      deps.Cfg.Timers.ReadTimeout(),

		OnEvent:      h.handleUpstreamEvent,
		OnDisconnect: h.handleStreamDisconnect,
	})
	h.mig = migration.New(sessionID, migration.Deps{
		Log:       deps.Log,
		Queries:   deps.Queries,
		Leases:    deps.Leases,
		Providers: deps.Providers,
		Expiry:    deps.Expiry,
		Notify:    deps.Notify,
		Archive:   deps.Archive,
		Hub:       h,
		Runtime:   h.rt,
		Events:    h.proc,

		DefaultProvider: deps.Cfg.Provider.Default,
	})
	metrics.ActiveHubs.Inc()
	return h, nil
}

func (h *Hub) SessionID() string { return h.sessionID }

// Runtime exposes the session runtime for transport-layer checks.
func (h *Hub) Runtime() *runtime.Runtime { return h.rt }

// Migration exposes the migration controller for the expiry worker and
// the orphan sweeper.
func (h *Hub) Migration() *migration.Controller { return h.mig }

// Terminated reports whether the hub has been evicted.
func (h *Hub) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// AddClient attaches a socket. The client receives broadcasts immediately;
// runtime bring-up and state replay happen in the background.
func (h *Hub) AddClient(conn Conn, userID string) (*Client, error) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	c := newClient(conn, userID, h.log)
	h.clients[c.ID] = c
	h.cancelIdleTimerLocked()
	h.mu.Unlock()

	metrics.ConnectedClients.Inc()
	h.log.Info("client attached", "conn_id", c.ID, "user_id", userID)

	go h.initClient(c)
	return c, nil
}

// initClient brings the runtime up and replays session state to one
// joiner. Failures are reported on the socket, which stays open so the
// client can retry with another prompt.
func (h *Hub) initClient(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()

	if !h.rt.Ready() {
		h.BroadcastStatus(store.StatusResuming, "")
	}
	if err := h.ensureReady(ctx, runtime.ReasonClientInit); err != nil {
		h.log.Error("client init failed", "conn_id", c.ID, "error", err)
		c.send(protocol.ErrorEvent("failed to start session: " + err.Error()))
		return
	}

	history, err := h.loadHistory(ctx)
	if err != nil {
		h.log.Warn("history replay failed", "conn_id", c.ID, "error", err)
	}
	c.send(protocol.InitEvent(history, h.rt.PreviewURL()))
	c.send(protocol.StatusEvent(store.StatusRunning, ""))
}

// RemoveClient detaches a socket. The last interactive client leaving arms
// the idle snapshot timer.
func (h *Hub) RemoveClient(c *Client) {
	c.close(websocket.StatusNormalClosure, "")

	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	last := len(h.clients) == 0
	h.mu.Unlock()

	metrics.ConnectedClients.Dec()
	h.log.Info("client detached", "conn_id", c.ID)

	if last && !h.automation {
		h.armIdleTimer()
	}
}

// ensureReady acquires the owner lease on first use, then delegates to the
// runtime. Losing the lease race means another instance owns the session.
func (h *Hub) ensureReady(ctx context.Context, reason string) error {
	if err := h.acquireOwner(ctx); err != nil {
		return err
	}
	return h.rt.EnsureReady(ctx, runtime.EnsureOpts{Reason: reason})
}

func (h *Hub) acquireOwner(ctx context.Context) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.leaseHeld {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ok, err := h.deps.Leases.AcquireOwner(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("acquire owner lease: %w", err)
	}
	if !ok {
		h.log.Error("owner lease held by another instance")
		h.SelfTerminate("owner lease unavailable")
		return errors.New("session is owned by another gateway instance")
	}
	if err := h.deps.Leases.SetRuntime(ctx, h.sessionID); err != nil {
		h.log.Warn("set runtime lease", "error", err)
	}

	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if !h.leaseHeld {
		h.leaseHeld = true
		h.lastRenew = time.Now()
		h.leaseStop = make(chan struct{})
		go h.leaseLoop(h.leaseStop)
	}
	h.mu.Unlock()
	return nil
}

// leaseLoop renews the owner lease at a third of its TTL. A renewal gap
// longer than the TTL means another instance may have adopted the session
// in the meantime, so the hub terminates itself rather than split-brain.
func (h *Hub) leaseLoop(stop <-chan struct{}) {
	ttl := h.deps.Cfg.Timers.OwnerLeaseTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		last := h.lastRenew
		h.mu.Unlock()
		if lag := time.Since(last); lag > ttl {
			metrics.LeaseRenewalsTotal.WithLabelValues("lagged").Inc()
			h.log.Error("owner lease renewal lagged past TTL", "lag", lag)
			h.SelfTerminate("lease renewal lagged")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
		ok, err := h.deps.Leases.RenewOwner(ctx, h.sessionID)
		if err == nil && ok && h.rt.SandboxID() != "" {
			_ = h.deps.Leases.SetRuntime(ctx, h.sessionID)
		}
		cancel()

		switch {
		case err != nil:
			// Transient Redis trouble. The lag check above catches real loss.
			metrics.LeaseRenewalsTotal.WithLabelValues("error").Inc()
			h.log.Warn("owner lease renewal failed", "error", err)
		case !ok:
			metrics.LeaseRenewalsTotal.WithLabelValues("rejected").Inc()
			h.log.Error("owner lease adopted by another instance")
			h.SelfTerminate("owner lease rejected")
			return
		default:
			metrics.LeaseRenewalsTotal.WithLabelValues("ok").Inc()
			h.mu.Lock()
			h.lastRenew = time.Now()
			h.mu.Unlock()
		}
	}
}

// snapshotClients copies the client set for lock-free sends.
func (h *Hub) snapshotClients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// BroadcastEvent fans one event out to every attached client.
func (h *Hub) BroadcastEvent(ev protocol.ServerEvent) {
	for _, c := range h.snapshotClients() {
		c.send(ev)
	}
}

func (h *Hub) BroadcastStatus(status, detail string) {
	h.BroadcastEvent(protocol.StatusEvent(status, detail))
}

func (h *Hub) BroadcastPreviewURL(url string) {
	h.BroadcastEvent(protocol.PreviewURLEvent(url))
}

// EffectiveClientCount counts attached sockets. Automation sessions always
// count at least one so expiry migrations keep them running.
func (h *Hub) EffectiveClientCount() int {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 && h.automation {
		return 1
	}
	return n
}

// ShouldIdleSnapshot reports whether the session has gone quiet: no
// sockets, no external tool calls in flight, no running agent tools, and
// not an automation session.
func (h *Hub) ShouldIdleSnapshot() bool {
	h.mu.Lock()
	clients := len(h.clients)
	tools := h.externalTools
	h.mu.Unlock()
	return clients == 0 && tools == 0 && !h.proc.HasRunningTools() && !h.automation
}

// handleUpstreamEvent translates one agent event and fans the results out,
// feeding the telemetry accumulator along the way.
func (h *Hub) handleUpstreamEvent(ev agentapi.Event) {
	metrics.UpstreamEventsTotal.WithLabelValues(ev.Type).Inc()
	for _, out := range h.proc.Process(ev) {
		switch out.Type {
		case protocol.EvToolStart:
			h.tel.RecordToolCall(out.ToolCallID)
		case protocol.EvTextPartComplete:
			h.tel.RecordAssistantText(out.Text)
		case protocol.EvMessageComplete:
			h.tel.RecordAssistantMessage()
			h.tel.MarkStopped()
		case protocol.EvMessageCancelled:
			h.tel.MarkStopped()
		}
		h.BroadcastEvent(out)
	}
}

// handleStreamDisconnect schedules a reconnect when anyone still cares
// about the session.
func (h *Hub) handleStreamDisconnect(reason stream.DisconnectReason) {
	metrics.StreamDisconnectsTotal.WithLabelValues(string(reason)).Inc()
	h.log.Warn("upstream event stream lost", "reason", reason)
	h.tel.MarkStopped()
	h.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt. Delays walk the
// configured vector and stick at its last entry.
func (h *Hub) scheduleReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return
	}
	if len(h.clients) == 0 && !h.automation {
		return
	}
	delays := h.deps.Cfg.Timers.ReconnectDelays()
	idx := h.reconnectAttempt
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
	}
	h.reconnectTimer = time.AfterFunc(delays[idx], h.reconnectFired)
	h.log.Info("reconnect scheduled", "attempt", h.reconnectAttempt, "delay", delays[idx])
}

func (h *Hub) reconnectFired() {
	h.mu.Lock()
	h.reconnectTimer = nil
	terminated := h.terminated
	h.mu.Unlock()
	if terminated {
		return
	}

	metrics.ReconnectAttemptsTotal.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()
	err := h.ensureReady(ctx, runtime.ReasonAutoReconnect)
	switch {
	case err == nil:
		h.mu.Lock()
		h.reconnectAttempt = 0
		h.mu.Unlock()
	case errors.Is(err, runtime.ErrSessionNotActive):
		h.log.Info("session no longer active, reconnect abandoned")
	default:
		h.log.Warn("reconnect failed", "error", err)
		h.mu.Lock()
		h.reconnectAttempt++
		h.mu.Unlock()
		h.scheduleReconnect()
	}
}

// CancelReconnect stops any pending reconnect attempt.
func (h *Hub) CancelReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
}

// armIdleTimer schedules an idle snapshot after the configured delay.
func (h *Hub) armIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return
	}
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	delay := h.deps.Cfg.Timers.IdleDelay()
	h.idleTimer = time.AfterFunc(delay, h.idleFired)
	h.log.Debug("idle timer armed", "delay", delay)
}

func (h *Hub) cancelIdleTimerLocked() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *Hub) idleFired() {
	if !h.ShouldIdleSnapshot() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()
	if err := h.mig.RunIdleSnapshot(ctx); err != nil {
		h.log.Error("idle snapshot failed", "error", err)
	}
}

// TrackToolCallStart registers a sandbox-initiated tool call; the session
// is not idle while one is in flight.
func (h *Hub) TrackToolCallStart(toolCallID string) {
	h.mu.Lock()
	h.externalTools++
	h.cancelIdleTimerLocked()
	h.mu.Unlock()
	h.tel.RecordToolCall(toolCallID)
}

// TrackToolCallEnd closes out a sandbox-initiated tool call. The last one
// ending with no clients attached re-arms the idle timer.
func (h *Hub) TrackToolCallEnd() {
	h.mu.Lock()
	if h.externalTools > 0 {
		h.externalTools--
	}
	idle := h.externalTools == 0 && len(h.clients) == 0
	h.mu.Unlock()
	if idle && !h.automation {
		h.armIdleTimer()
	}
}

// loadHistory fetches the upstream transcript and flattens each turn to
// its final text.
func (h *Hub) loadHistory(ctx context.Context) ([]protocol.ChatMessage, error) {
	msgs, err := h.rt.ListMessages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		var text strings.Builder
		for _, p := range m.Parts {
			if p.Type == "text" && p.Text != "" {
				text.WriteString(p.Text)
			}
		}
		if text.Len() == 0 {
			continue
		}
		out = append(out, protocol.ChatMessage{
			ID:        m.Info.ID,
			Role:      m.Info.Role,
			Content:   text.String(),
			CreatedAt: m.Info.Time.Created,
		})
	}
	return out, nil
}

// FlushTelemetry persists pending usage counters with a read-merge-write
// against the session row.
func (h *Hub) FlushTelemetry(ctx context.Context) error {
	if !h.tel.Dirty() {
		return nil
	}
	if err := h.tel.Flush(ctx, h.persistTelemetry); err != nil {
		metrics.TelemetryFlushesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.TelemetryFlushesTotal.WithLabelValues("ok").Inc()
	return nil
}

// sessionMetrics is the shape of the sessions.metrics JSON blob.
type sessionMetrics struct {
	ToolCalls         int   `json:"toolCalls"`
	MessagesExchanged int   `json:"messagesExchanged"`
	ActiveSeconds     int64 `json:"activeSeconds"`
}

func (h *Hub) persistTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	sess, err := h.deps.Queries.GetSession(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("load session for telemetry: %w", err)
	}

	var m sessionMetrics
	if sess.Metrics != nil {
		// A corrupt blob restarts the counters rather than blocking flushes.
		_ = json.Unmarshal([]byte(*sess.Metrics), &m)
	}
	m.ToolCalls += snap.ToolCalls
	m.MessagesExchanged += snap.Messages
	m.ActiveSeconds += snap.ActiveSeconds
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode session metrics: %w", err)
	}

	urls := snap.PRURLs
	if sess.PRURLs != nil {
		var stored []string
		_ = json.Unmarshal([]byte(*sess.PRURLs), &stored)
		urls = mergeURLs(stored, snap.PRURLs)
	}
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode pr urls: %w", err)
	}

	// An empty snapshot task must not erase a previously stored one.
	latest := sess.LatestTask
	if snap.LatestTask != "" {
		latest = &snap.LatestTask
	}

	return h.deps.Queries.UpdateSessionTelemetry(ctx, store.UpdateSessionTelemetryParams{
		ID:         h.sessionID,
		Metrics:    string(blob),
		LatestTask: latest,
		PRURLs:     string(urlsJSON),
		Outcome:    nil,
	})
}

// mergeURLs unions stored and fresh, preserving first-seen order.
func mergeURLs(stored, fresh []string) []string {
	seen := make(map[string]struct{}, len(stored)+len(fresh))
	out := make([]string, 0, len(stored)+len(fresh))
	for _, u := range stored {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range fresh {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// SignalEvict tears the hub down after a terminal transition. The session
// is paused or stopped, so both leases are released for the next owner.
func (h *Hub) SignalEvict() {
	h.teardown(true, "session closed")
}

// SelfTerminate abandons the session without touching shared state that
// may already belong to another instance: the owner lease release is
// token-guarded and the runtime lease is left for its holder.
func (h *Hub) SelfTerminate(reason string) {
	h.log.Error("hub self-terminating", "reason", reason)
	h.rt.Disconnect()
	h.teardown(false, "session adopted elsewhere")
}

// Shutdown is the process-exit path: flush telemetry, then release leases
// so a replacement instance can adopt the session immediately.
func (h *Hub) Shutdown(ctx context.Context) {
	if err := h.FlushTelemetry(ctx); err != nil {
		h.log.Warn("final telemetry flush failed", "error", err)
	}
	h.rt.Disconnect()
	h.teardown(true, "gateway shutting down")
}

func (h *Hub) teardown(releaseRuntime bool, reason string) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	if h.leaseStop != nil {
		close(h.leaseStop)
		h.leaseStop = nil
	}
	h.leaseHeld = false
	h.cancelIdleTimerLocked()
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	h.mig.Stop()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, reason)
		metrics.ConnectedClients.Dec()
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	if err := h.deps.Leases.ReleaseOwner(ctx, h.sessionID); err != nil {
		h.log.Warn("release owner lease", "error", err)
	}
	if releaseRuntime {
		if err := h.deps.Leases.ClearRuntime(ctx, h.sessionID); err != nil {
			h.log.Warn("clear runtime lease", "error", err)
		}
	}
	cancel()

	metrics.ActiveHubs.Dec()
	if h.deps.OnEvict != nil {
		h.deps.OnEvict(h)
	}
	h.log.Info("hub evicted")
}
