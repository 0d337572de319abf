package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
)

func newTestProcessor() *Processor {
	p := NewProcessor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.BindAgentSession("ags_1")
	return p
}

func partEvent(t *testing.T, part agentapi.Part) agentapi.Event {
	t.Helper()
	if part.SessionID == "" {
		part.SessionID = "ags_1"
	}
	raw, err := json.Marshal(agentapi.PartUpdatedProps{Part: part})
	require.NoError(t, err)
	return agentapi.Event{Type: agentapi.EventMessagePartUpdated, Properties: raw}
}

func idleEvent(t *testing.T) agentapi.Event {
	t.Helper()
	raw, err := json.Marshal(agentapi.SessionScopedProps{SessionID: "ags_1"})
	require.NoError(t, err)
	return agentapi.Event{Type: agentapi.EventSessionIdle, Properties: raw}
}

func types(evs []protocol.ServerEvent) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestHappyPathPrompt(t *testing.T) {
	p := newTestProcessor()

	// Echoed user message: captured and suppressed.
	require.Empty(t, p.Process(partEvent(t, agentapi.Part{
		ID: "prt_u1", MessageID: "msg_user", Type: "text", Delta: "hello",
	})))
	require.Empty(t, p.Process(partEvent(t, agentapi.Part{
		ID: "prt_u1", MessageID: "msg_user", Type: "text", Text: "hello",
		Time: &agentapi.PartTime{End: 1},
	})))

	// First assistant part opens the shell.
	got := p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_asst", Type: "text", Delta: "Hi",
	}))
	require.Equal(t, []string{protocol.EvMessage, protocol.EvToken}, types(got))
	require.Equal(t, "assistant", got[0].Message.Role)
	require.Equal(t, "msg_asst", got[0].Message.ID)
	require.Empty(t, got[0].Message.Content)
	require.Equal(t, "Hi", got[1].Token)
	require.True(t, p.MessageInProgress())

	got = p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_asst", Type: "text", Delta: " there",
	}))
	require.Equal(t, []string{protocol.EvToken}, types(got))

	got = p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_asst", Type: "text", Text: "Hi there",
		Time: &agentapi.PartTime{End: 2},
	}))
	require.Equal(t, []string{protocol.EvTextPartComplete}, types(got))
	require.Equal(t, "Hi there", got[0].Text)

	got = p.Process(idleEvent(t))
	require.Equal(t, []string{protocol.EvMessageComplete}, types(got))
	require.Equal(t, "msg_asst", got[0].MessageID)
	require.False(t, p.MessageInProgress())

	// Text-only turn keeps the id so a duplicate upstream message does not
	// reopen the shell.
	require.Equal(t, "msg_asst", p.CurrentAssistantMessageID())
	require.Empty(t, p.Process(idleEvent(t)))
}

func TestToolLifecycleAtMostOnce(t *testing.T) {
	p := newTestProcessor()

	running := agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolRunning},
	}
	got := p.Process(partEvent(t, running))
	require.Equal(t, []string{protocol.EvMessage, protocol.EvToolStart}, types(got))
	require.Equal(t, "call_1", got[1].ToolCallID)
	require.Nil(t, got[1].Args)
	require.True(t, p.HasRunningTools())

	// Same running status again: nothing new.
	require.Empty(t, p.Process(partEvent(t, running)))

	// Args arrive late: a single second tool_start.
	withArgs := running
	withArgs.State = &agentapi.ToolState{Status: agentapi.ToolRunning, Input: json.RawMessage(`{"cmd":"ls"}`)}
	got = p.Process(partEvent(t, withArgs))
	require.Equal(t, []string{protocol.EvToolStart}, types(got))
	require.JSONEq(t, `{"cmd":"ls"}`, string(got[0].Args))
	require.Empty(t, p.Process(partEvent(t, withArgs)))

	// Metadata summaries keyed by length.
	withMeta := running
	withMeta.State = &agentapi.ToolState{
		Status:   agentapi.ToolRunning,
		Metadata: &agentapi.ToolMetadata{Summary: []agentapi.SummaryEntry{{Title: "step one"}}},
	}
	got = p.Process(partEvent(t, withMeta))
	require.Equal(t, []string{protocol.EvToolMetadata}, types(got))
	require.Empty(t, p.Process(partEvent(t, withMeta)))

	longer := running
	longer.State = &agentapi.ToolState{
		Status: agentapi.ToolRunning,
		Metadata: &agentapi.ToolMetadata{Summary: []agentapi.SummaryEntry{
			{Title: "step one"}, {Title: "step two"},
		}},
	}
	got = p.Process(partEvent(t, longer))
	require.Equal(t, []string{protocol.EvToolMetadata}, types(got))

	done := running
	done.State = &agentapi.ToolState{Status: agentapi.ToolCompleted, Output: "ok"}
	got = p.Process(partEvent(t, done))
	require.Equal(t, []string{protocol.EvToolEnd}, types(got))
	require.Equal(t, agentapi.ToolCompleted, got[0].Status)
	require.Equal(t, "ok", got[0].Output)
	require.False(t, p.HasRunningTools())

	// Re-posting the terminal status produces no additional tool_end.
	require.Empty(t, p.Process(partEvent(t, done)))
}

func TestCompletionWaitsForRunningTools(t *testing.T) {
	p := newTestProcessor()

	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolRunning},
	}))

	// Idle while the tool is still running: no completion yet.
	require.Empty(t, p.Process(idleEvent(t)))

	got := p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolCompleted},
	}))
	require.Equal(t, []string{protocol.EvToolEnd, protocol.EvMessageComplete}, types(got))

	// Tools ran, so the id is released for the next assistant message.
	require.Empty(t, p.CurrentAssistantMessageID())

	got = p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a2", MessageID: "msg_b", Type: "text", Delta: "done",
	}))
	require.Equal(t, []string{protocol.EvMessage, protocol.EvToken}, types(got))
	require.Equal(t, "msg_b", got[0].Message.ID)
}

func TestToolErrorEmitsEndWithErrorOutput(t *testing.T) {
	p := newTestProcessor()

	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolRunning},
	}))
	got := p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolError, Error: "exit 1"},
	}))
	require.Equal(t, []string{protocol.EvToolEnd}, types(got))
	require.Equal(t, agentapi.ToolError, got[0].Status)
	require.Equal(t, "exit 1", got[0].Output)
}

func TestSessionFilterDropsForeignParts(t *testing.T) {
	p := newTestProcessor()

	require.Empty(t, p.Process(partEvent(t, agentapi.Part{
		ID: "prt_x", MessageID: "msg_x", Type: "text", SessionID: "ags_other", Delta: "hi",
	})))
	require.Empty(t, p.CurrentAssistantMessageID())
}

func TestInvalidPartsDropped(t *testing.T) {
	p := newTestProcessor()

	require.Empty(t, p.Process(partEvent(t, agentapi.Part{MessageID: "msg_a", Type: "text", Delta: "x"})))
	require.Empty(t, p.Process(partEvent(t, agentapi.Part{ID: "prt_1", Type: "text", Delta: "x"})))
	require.Empty(t, p.Process(agentapi.Event{
		Type:       agentapi.EventMessagePartUpdated,
		Properties: json.RawMessage(`{"part": 42}`),
	}))
}

func TestSessionErrorFrames(t *testing.T) {
	p := newTestProcessor()

	aborted, _ := json.Marshal(agentapi.SessionScopedProps{
		SessionID: "ags_1",
		Error:     &agentapi.MessageError{Name: agentapi.MessageAbortedError},
	})
	require.Empty(t, p.Process(agentapi.Event{Type: agentapi.EventSessionError, Properties: aborted}))

	hard, _ := json.Marshal(agentapi.SessionScopedProps{
		SessionID: "ags_1",
		Error: &agentapi.MessageError{
			Name: "ProviderError",
			Data: agentapi.MessageErrorData{Message: "rate limited"},
		},
	})
	got := p.Process(agentapi.Event{Type: agentapi.EventSessionError, Properties: hard})
	require.Equal(t, []string{protocol.EvError}, types(got))
	require.Equal(t, "rate limited", got[0].Error)
}

func TestIdleStatusEventCompletes(t *testing.T) {
	p := newTestProcessor()

	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_a", Type: "text", Delta: "x",
	}))
	raw, _ := json.Marshal(agentapi.SessionStatusProps{SessionID: "ags_1", Status: "idle"})
	got := p.Process(agentapi.Event{Type: agentapi.EventSessionStatus, Properties: raw})
	require.Equal(t, []string{protocol.EvMessageComplete}, types(got))

	// Non-idle statuses are informational only.
	raw, _ = json.Marshal(agentapi.SessionStatusProps{SessionID: "ags_1", Status: "busy"})
	require.Empty(t, p.Process(agentapi.Event{Type: agentapi.EventSessionStatus, Properties: raw}))
}

func TestHeartbeatAndConnectedIgnored(t *testing.T) {
	p := newTestProcessor()
	require.Empty(t, p.Process(agentapi.Event{Type: agentapi.EventServerConnected}))
	require.Empty(t, p.Process(agentapi.Event{Type: agentapi.EventServerHeartbeat}))
	require.Empty(t, p.Process(agentapi.Event{Type: "something.new"}))
}

func TestClearCurrentAssistantMessage(t *testing.T) {
	p := newTestProcessor()

	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolRunning},
	}))
	require.True(t, p.MessageInProgress())

	p.ClearCurrentAssistantMessage()
	require.False(t, p.MessageInProgress())
	require.False(t, p.HasRunningTools())

	// Late events from the abandoned message cannot re-emit.
	require.Empty(t, p.Process(partEvent(t, agentapi.Part{
		ID: "prt_t1", MessageID: "msg_a", Type: "tool", Tool: "bash", CallID: "call_1",
		State: &agentapi.ToolState{Status: agentapi.ToolCompleted},
	})))
}

func TestResetForNewPrompt(t *testing.T) {
	p := newTestProcessor()

	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_u1", MessageID: "msg_user", Type: "text", Delta: "hello",
	}))
	p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_a", Type: "text", Delta: "hi",
	}))
	p.ResetForNewPrompt()

	require.Empty(t, p.CurrentAssistantMessageID())
	require.False(t, p.MessageInProgress())

	// The same part ids emit again after a reset.
	got := p.Process(partEvent(t, agentapi.Part{
		ID: "prt_u1", MessageID: "msg_user2", Type: "text", Delta: "again",
	}))
	require.Empty(t, got)
	got = p.Process(partEvent(t, agentapi.Part{
		ID: "prt_a1", MessageID: "msg_a2", Type: "text", Delta: "hi",
	}))
	require.Equal(t, []string{protocol.EvMessage, protocol.EvToken}, types(got))
}

func TestMessageUpdatedSurfacesHardErrorsOnce(t *testing.T) {
	p := newTestProcessor()

	raw, _ := json.Marshal(agentapi.MessageUpdatedProps{Info: agentapi.Message{
		ID: "msg_a", Role: "assistant", SessionID: "ags_1",
		Error: &agentapi.MessageError{Name: "ProviderError", Data: agentapi.MessageErrorData{Message: "boom"}},
	}})
	ev := agentapi.Event{Type: agentapi.EventMessageUpdated, Properties: raw}

	got := p.Process(ev)
	require.Equal(t, []string{protocol.EvError}, types(got))
	require.Equal(t, "boom", got[0].Error)
	require.Empty(t, p.Process(ev))
}
