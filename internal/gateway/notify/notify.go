// Package notify publishes session activity to the rest of the platform
// over Redis: a pub/sub channel for live listeners and a durable list the
// platform's notification workers drain. Delivery is best-effort; failures
// are logged and never propagate into session flows.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boxgate/boxgate/internal/util/timefmt"
)

const (
	eventsChannel = "boxgate:session-events"
	completionKey = "boxgate:notifications"
)

// Completion reasons visible to platform workers.
const (
	ReasonIdle       = "idle"
	ReasonExpired    = "expired"
	ReasonOrphaned   = "orphaned"
	ReasonTerminated = "terminated"
)

// Bus fans session activity out to the platform.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewBus returns a Bus on the given Redis client.
func NewBus(rdb *redis.Client, log *slog.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

type userMessageEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	ClientType string `json:"clientType,omitempty"`
	At         string `json:"at"`
}

// PublishUserMessage announces a user prompt on the session events
// channel. Subscribers that miss it miss it; the prompt itself is already
// durable in the transcript.
func (b *Bus) PublishUserMessage(ctx context.Context, sessionID, userID, clientType string) {
	payload, err := json.Marshal(userMessageEvent{
		Type:       "user_message",
		SessionID:  sessionID,
		UserID:     userID,
		ClientType: clientType,
		At:         timefmt.Format(time.Now()),
	})
	if err != nil {
		b.log.Warn("encode user message event", "session_id", sessionID, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		b.log.Warn("publish user message event", "session_id", sessionID, "error", err)
	}
}

type completionEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Outcome   string `json:"outcome,omitempty"`
	At        string `json:"at"`
}

// EnqueueCompletion records that a session reached a terminal or paused
// state, for platform notification workers to pick up.
func (b *Bus) EnqueueCompletion(ctx context.Context, sessionID, reason, outcome string) {
	payload, err := json.Marshal(completionEvent{
		SessionID: sessionID,
		Reason:    reason,
		Outcome:   outcome,
		At:        timefmt.Format(time.Now()),
	})
	if err != nil {
		b.log.Warn("encode completion event", "session_id", sessionID, "error", err)
		return
	}
	if err := b.rdb.LPush(ctx, completionKey, payload).Err(); err != nil {
		b.log.Warn("enqueue completion event", "session_id", sessionID, "reason", reason, "error", err)
	}
}
