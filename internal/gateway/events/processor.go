// Package events turns the upstream agent event stream into the
// client-facing protocol. The Processor is pure state: it owns no I/O and
// no goroutines, so every rule is unit-testable by feeding events in and
// asserting on the frames out.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
)

type toolState struct {
	status string
}

func (t *toolState) running() bool {
	return t.status != agentapi.ToolCompleted && t.status != agentapi.ToolError
}

// Processor accumulates per-prompt state and translates upstream events
// into server events. All methods are safe for concurrent use; Process
// returns the frames to broadcast, in order.
type Processor struct {
	mu  sync.Mutex
	log *slog.Logger

	agentSessionID string

	currentAssistantMessageID string
	currentUserMessageID      string
	toolStates                map[string]*toolState
	sentEventKeys             map[string]struct{}
	idleSeen                  bool
	completed                 bool
	toolsRan                  bool
	// assistantSeen stays set for the rest of the prompt once any
	// assistant shell has opened, so later text parts are never mistaken
	// for the user echo.
	assistantSeen bool
}

// NewProcessor returns an empty Processor.
func NewProcessor(log *slog.Logger) *Processor {
	return &Processor{
		log:           log,
		toolStates:    make(map[string]*toolState),
		sentEventKeys: make(map[string]struct{}),
	}
}

// BindAgentSession scopes the processor to one agent session; parts from
// other sessions are dropped.
func (p *Processor) BindAgentSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentSessionID = id
}

// ResetForNewPrompt discards all per-prompt state. Called right before a
// new user turn is submitted upstream.
func (p *Processor) ResetForNewPrompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentAssistantMessageID = ""
	p.currentUserMessageID = ""
	p.toolStates = make(map[string]*toolState)
	p.sentEventKeys = make(map[string]struct{})
	p.idleSeen = false
	p.completed = false
	p.toolsRan = false
	p.assistantSeen = false
}

// ClearCurrentAssistantMessage abandons the in-flight assistant message.
// The hub calls this on cancel; event keys stay recorded so late events
// from the abandoned message cannot re-emit.
func (p *Processor) ClearCurrentAssistantMessage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentAssistantMessageID = ""
	p.toolStates = make(map[string]*toolState)
}

// CurrentAssistantMessageID returns the id of the open assistant message,
// or empty when none is open.
func (p *Processor) CurrentAssistantMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAssistantMessageID
}

// HasRunningTools reports whether any tool of the open message has not
// reached a terminal status.
func (p *Processor) HasRunningTools() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRunningToolsLocked()
}

// MessageInProgress reports whether an assistant message is open and not
// yet completed. Migration drains on this.
func (p *Processor) MessageInProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAssistantMessageID != "" && !p.completed
}

func (p *Processor) hasRunningToolsLocked() bool {
	for _, ts := range p.toolStates {
		if ts.running() {
			return true
		}
	}
	return false
}

// markOnce records key and reports whether this was its first occurrence.
func (p *Processor) markOnce(key string) bool {
	if _, seen := p.sentEventKeys[key]; seen {
		return false
	}
	p.sentEventKeys[key] = struct{}{}
	return true
}

// accepts applies the agent-session filter. Events that do not carry a
// session id pass through.
func (p *Processor) acceptsLocked(sessionID string) bool {
	return sessionID == "" || p.agentSessionID == "" || sessionID == p.agentSessionID
}

// Process translates one upstream event. Malformed payloads are logged
// and dropped; the returned slice is nil when nothing is emitted.
func (p *Processor) Process(ev agentapi.Event) []protocol.ServerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case agentapi.EventServerConnected, agentapi.EventServerHeartbeat:
		return nil

	case agentapi.EventMessageUpdated:
		return p.handleMessageUpdatedLocked(ev)

	case agentapi.EventMessagePartUpdated:
		return p.handlePartUpdatedLocked(ev)

	case agentapi.EventSessionIdle:
		props, err := ev.SessionScoped()
		if err != nil {
			p.log.Debug("drop malformed session.idle", "error", err)
			return nil
		}
		if !p.acceptsLocked(props.SessionID) {
			return nil
		}
		p.idleSeen = true
		return p.completionCheckLocked()

	case agentapi.EventSessionStatus:
		props, err := ev.SessionStatus()
		if err != nil {
			p.log.Debug("drop malformed session.status", "error", err)
			return nil
		}
		if !p.acceptsLocked(props.SessionID) {
			return nil
		}
		if props.Status == "idle" {
			p.idleSeen = true
			return p.completionCheckLocked()
		}
		p.log.Debug("agent session status", "status", props.Status)
		return nil

	case agentapi.EventSessionError:
		props, err := ev.SessionScoped()
		if err != nil {
			p.log.Debug("drop malformed session.error", "error", err)
			return nil
		}
		if !p.acceptsLocked(props.SessionID) {
			return nil
		}
		if props.Error != nil && props.Error.Name == agentapi.MessageAbortedError {
			// Expected after a user cancel.
			return nil
		}
		return []protocol.ServerEvent{protocol.ErrorEvent(props.RichestErrorMessage())}

	default:
		p.log.Debug("drop unknown agent event", "type", ev.Type)
		return nil
	}
}

func (p *Processor) handleMessageUpdatedLocked(ev agentapi.Event) []protocol.ServerEvent {
	props, err := ev.MessageUpdated()
	if err != nil {
		p.log.Debug("drop malformed message.updated", "error", err)
		return nil
	}
	info := props.Info
	if !p.acceptsLocked(info.SessionID) {
		return nil
	}
	if info.Error == nil || info.Error.Name == agentapi.MessageAbortedError {
		return nil
	}
	if !p.markOnce("msgerr:" + info.ID) {
		return nil
	}
	scoped := agentapi.SessionScopedProps{Error: info.Error}
	return []protocol.ServerEvent{protocol.ErrorEvent(scoped.RichestErrorMessage())}
}

func (p *Processor) handlePartUpdatedLocked(ev agentapi.Event) []protocol.ServerEvent {
	props, err := ev.PartUpdated()
	if err != nil {
		p.log.Debug("drop malformed message.part.updated", "error", err)
		return nil
	}
	part := props.Part
	if !part.Valid() {
		p.log.Debug("drop invalid part", "part_id", part.ID, "message_id", part.MessageID, "type", part.Type)
		return nil
	}
	if !p.acceptsLocked(part.SessionID) {
		return nil
	}

	// The first text part of a prompt is the echoed user message. Its id
	// is captured once and all of its parts are suppressed.
	if p.currentUserMessageID != "" && part.MessageID == p.currentUserMessageID {
		return nil
	}
	if p.currentUserMessageID == "" && part.Type == "text" && !p.assistantSeen {
		p.currentUserMessageID = part.MessageID
		return nil
	}

	var out []protocol.ServerEvent

	switch {
	case p.currentAssistantMessageID == "":
		out = append(out, p.openAssistantLocked(part.MessageID))
	case part.MessageID != p.currentAssistantMessageID:
		if !p.completed {
			p.log.Debug("drop part for unexpected message",
				"message_id", part.MessageID, "current", p.currentAssistantMessageID)
			return out
		}
		// A genuinely new assistant message after a completed text-only
		// turn replaces the kept shell.
		out = append(out, p.openAssistantLocked(part.MessageID))
	}

	switch part.Type {
	case "text":
		out = append(out, p.handleTextPartLocked(part)...)
	case "tool":
		out = append(out, p.handleToolPartLocked(part)...)
	default:
		// step markers, file attachments and friends carry nothing the
		// client protocol surfaces
	}
	return out
}

func (p *Processor) openAssistantLocked(messageID string) protocol.ServerEvent {
	p.currentAssistantMessageID = messageID
	p.assistantSeen = true
	p.completed = false
	p.toolsRan = false
	// An idle flag observed before this message belongs to the previous
	// turn and must not complete this one.
	p.idleSeen = false
	return protocol.MessageEvent(protocol.ChatMessage{ID: messageID, Role: "assistant", Content: ""})
}

func (p *Processor) handleTextPartLocked(part agentapi.Part) []protocol.ServerEvent {
	if part.Delta != "" {
		return []protocol.ServerEvent{protocol.TokenEvent(p.currentAssistantMessageID, part.ID, part.Delta)}
	}
	if part.Final() && p.markOnce(part.ID+":text") {
		return []protocol.ServerEvent{protocol.TextPartCompleteEvent(p.currentAssistantMessageID, part.ID, part.Text)}
	}
	return nil
}

func (p *Processor) handleToolPartLocked(part agentapi.Part) []protocol.ServerEvent {
	callID := part.CallID
	if callID == "" {
		callID = part.ID
	}

	ts, ok := p.toolStates[callID]
	if !ok {
		ts = &toolState{status: agentapi.ToolRunning}
		p.toolStates[callID] = ts
		p.toolsRan = true
	}

	st := part.State
	hasArgs := st != nil && len(st.Input) > 0 && string(st.Input) != "null"

	var out []protocol.ServerEvent
	if p.markOnce(part.ID + ":start") {
		var args json.RawMessage
		if hasArgs {
			args = st.Input
			p.sentEventKeys[part.ID+":args"] = struct{}{}
		}
		out = append(out, protocol.ToolStartEvent(callID, part.Tool, args))
	} else if hasArgs && p.markOnce(part.ID+":args") {
		// Args arrived after the start was already emitted.
		out = append(out, protocol.ToolStartEvent(callID, part.Tool, st.Input))
	}

	if st != nil && st.Metadata != nil && len(st.Metadata.Summary) > 0 {
		key := fmt.Sprintf("%s:summary:%d", part.ID, len(st.Metadata.Summary))
		if p.markOnce(key) {
			meta, err := json.Marshal(st.Metadata)
			if err == nil {
				out = append(out, protocol.ToolMetadataEvent(callID, meta))
			}
		}
	}

	if st != nil && (st.Status == agentapi.ToolCompleted || st.Status == agentapi.ToolError) {
		ts.status = st.Status
		if p.markOnce(part.ID + ":end") {
			output := st.Output
			if st.Status == agentapi.ToolError && st.Error != "" {
				output = st.Error
			}
			out = append(out, protocol.ToolEndEvent(callID, st.Status, output))
		}
		out = append(out, p.completionCheckLocked()...)
	}
	return out
}

// completionCheckLocked emits message_complete when an idle signal has
// been seen and no tool is still running. Tool-bearing messages release
// the id so the next assistant message can open; text-only messages keep
// it, which absorbs duplicate upstream deliveries.
func (p *Processor) completionCheckLocked() []protocol.ServerEvent {
	if !p.idleSeen || p.completed || p.currentAssistantMessageID == "" {
		return nil
	}
	if p.hasRunningToolsLocked() {
		return nil
	}
	id := p.currentAssistantMessageID
	p.completed = true
	p.idleSeen = false
	if p.toolsRan {
		p.currentAssistantMessageID = ""
		p.toolStates = make(map[string]*toolState)
	}
	return []protocol.ServerEvent{protocol.MessageCompleteEvent(id)}
}
