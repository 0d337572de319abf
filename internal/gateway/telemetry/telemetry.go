// Package telemetry accumulates per-session usage counters in memory and
// flushes them to persistence on demand. The accumulator is pure state;
// the flush function owns the write.
package telemetry

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/boxgate/boxgate/internal/util/sanitize"
)

// prURLPattern matches pull-request links of the usual forge shape
// https://<host>/<owner>/<repo>/pull/<n>.
var prURLPattern = regexp.MustCompile(`https?://[^/\s]+/[^/\s]+/[^/\s]+/pull/\d+`)

const maxTaskLen = 500

// ExtractPRURLs returns the deduplicated pull-request links in text, in
// order of first appearance.
func ExtractPRURLs(text string) []string {
	matches := prURLPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Snapshot is one flush payload. ToolCalls, Messages and ActiveSeconds
// are deltas since the previous successful flush; PRURLs is the full
// all-time set and LatestTask the most recent prompt label.
type Snapshot struct {
	ToolCalls     int
	Messages      int
	ActiveSeconds int64
	PRURLs        []string
	LatestTask    string
}

// FlushFunc persists one snapshot.
type FlushFunc func(ctx context.Context, snap Snapshot) error

// Accumulator tracks session activity. All methods are safe for
// concurrent use.
type Accumulator struct {
	mu sync.Mutex

	toolCallIDs      map[string]struct{}
	pendingToolCalls int
	pendingMessages  int

	prURLs  map[string]struct{}
	prOrder []string

	latestTask string
	dirty      bool

	// Active time accrues while runningStartedAt is set; the accumulated
	// remainder below one second survives flushes so no time is lost or
	// counted twice.
	runningStartedAt time.Time
	activeAccum      time.Duration

	flushing    bool
	rerunQueued bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		toolCallIDs: make(map[string]struct{}),
		prURLs:      make(map[string]struct{}),
	}
}

// RecordUserMessage counts one user turn and remembers it as the latest
// task label.
func (a *Accumulator) RecordUserMessage(task string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingMessages++
	if task = sanitize.Title(task, maxTaskLen); task != "" {
		a.latestTask = task
	}
	a.dirty = true
}

// RecordAssistantMessage counts one completed assistant turn.
func (a *Accumulator) RecordAssistantMessage() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingMessages++
	a.dirty = true
}

// RecordAssistantText scans assistant output for pull-request links.
func (a *Accumulator) RecordAssistantText(text string) {
	urls := ExtractPRURLs(text)
	if len(urls) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range urls {
		if _, dup := a.prURLs[u]; dup {
			continue
		}
		a.prURLs[u] = struct{}{}
		a.prOrder = append(a.prOrder, u)
		a.dirty = true
	}
}

// RecordToolCall counts a tool call once per id for the lifetime of the
// accumulator.
func (a *Accumulator) RecordToolCall(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.toolCallIDs[id]; dup {
		return
	}
	a.toolCallIDs[id] = struct{}{}
	a.pendingToolCalls++
	a.dirty = true
}

// MarkRunning starts the active-time clock.
func (a *Accumulator) MarkRunning() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningStartedAt.IsZero() {
		a.runningStartedAt = time.Now()
		a.dirty = true
	}
}

// MarkStopped stops the active-time clock and banks the elapsed time.
func (a *Accumulator) MarkStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.runningStartedAt.IsZero() {
		a.activeAccum += time.Since(a.runningStartedAt)
		a.runningStartedAt = time.Time{}
		a.dirty = true
	}
}

// Dirty reports whether a flush would persist anything new. A running
// activity clock counts: its elapsed time becomes a delta at flush.
func (a *Accumulator) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty || !a.runningStartedAt.IsZero()
}

// LatestTask returns the most recent prompt label.
func (a *Accumulator) LatestTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestTask
}

// Flush persists the pending deltas through fn. Concurrent calls
// coalesce: while one flush runs, further calls queue exactly one rerun
// and return immediately. Deltas recorded while fn runs are kept for the
// next flush, not lost to the subtraction.
func (a *Accumulator) Flush(ctx context.Context, fn FlushFunc) error {
	a.mu.Lock()
	if a.flushing {
		a.rerunQueued = true
		a.mu.Unlock()
		return nil
	}
	a.flushing = true
	a.mu.Unlock()

	for {
		err := a.flushOnce(ctx, fn)

		a.mu.Lock()
		if err != nil {
			a.flushing = false
			a.rerunQueued = false
			a.mu.Unlock()
			return err
		}
		if !a.rerunQueued {
			a.flushing = false
			a.mu.Unlock()
			return nil
		}
		a.rerunQueued = false
		a.mu.Unlock()
	}
}

func (a *Accumulator) flushOnce(ctx context.Context, fn FlushFunc) error {
	a.mu.Lock()
	// Roll the running clock forward so the snapshot captures elapsed time
	// exactly once even while the session keeps running.
	if !a.runningStartedAt.IsZero() {
		now := time.Now()
		a.activeAccum += now.Sub(a.runningStartedAt)
		a.runningStartedAt = now
	}
	snap := Snapshot{
		ToolCalls:     a.pendingToolCalls,
		Messages:      a.pendingMessages,
		ActiveSeconds: int64(a.activeAccum / time.Second),
		PRURLs:        append([]string(nil), a.prOrder...),
		LatestTask:    a.latestTask,
	}
	a.mu.Unlock()

	if err := fn(ctx, snap); err != nil {
		return err
	}

	a.mu.Lock()
	a.pendingToolCalls -= snap.ToolCalls
	a.pendingMessages -= snap.Messages
	a.activeAccum -= time.Duration(snap.ActiveSeconds) * time.Second
	a.dirty = a.pendingToolCalls > 0 || a.pendingMessages > 0 || a.activeAccum >= time.Second
	a.mu.Unlock()
	return nil
}
