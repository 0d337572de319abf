// Package stream maintains one server-sent-events subscription to the
// agent inside a sandbox. The client only reads; reconnecting after a
// drop is hub policy, not stream policy.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
)

// DisconnectReason classifies why the subscription ended.
type DisconnectReason string

const (
	// ReasonStreamClosed covers orderly ends: EOF, cancellation, closed
	// sockets.
	ReasonStreamClosed DisconnectReason = "stream_closed"
	// ReasonStreamError covers everything else.
	ReasonStreamError DisconnectReason = "stream_error"
	// ReasonHeartbeatTimeout fires when no event arrived within the
	// heartbeat window.
	ReasonHeartbeatTimeout DisconnectReason = "heartbeat_timeout"
	// ReasonReadTimeout fires when no bytes arrived within the read window.
	ReasonReadTimeout DisconnectReason = "read_timeout"
)

// Config wires the stream client to its owner.
type Config struct {
	HeartbeatTimeout time.Duration
	ReadTimeout      time.Duration

	// OnEvent receives every decoded event, on the reader goroutine.
	OnEvent func(agentapi.Event)
	// OnDisconnect fires once per connection unless Disconnect was called
	// explicitly.
	OnDisconnect func(DisconnectReason)
}

// Client subscribes to GET <tunnel>/event and decodes one JSON event per
// SSE data block. A watchdog enforces the heartbeat and read windows by
// cancelling the request context.
type Client struct {
	log *slog.Logger
	cfg Config

	lastEventAt atomic.Int64 // unix nano
	lastByteAt  atomic.Int64

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	connected     bool
	explicit      bool
	timeoutReason DisconnectReason
}

// New returns a disconnected client.
func New(log *slog.Logger, cfg Config) *Client {
	return &Client{log: log, cfg: cfg}
}

// Connected reports whether a subscription is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the subscription. It returns once the response headers
// arrive; events are then delivered on a background goroutine until the
// stream ends or Disconnect is called.
func (c *Client) Connect(ctx context.Context, tunnelURL string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("stream: already connected")
	}
	c.mu.Unlock()

	url := strings.TrimRight(tunnelURL, "/") + "/event"
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("stream: connect %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("stream: connect %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	now := time.Now().UnixNano()
	c.lastEventAt.Store(now)
	c.lastByteAt.Store(now)

	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.connected = true
	c.explicit = false
	c.timeoutReason = ""
	c.mu.Unlock()

	go c.watchdog(streamCtx, cancel)
	go c.read(streamCtx, resp.Body, done)
	return nil
}

// Disconnect tears the subscription down without firing OnDisconnect.
// Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.explicit = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

func (c *Client) watchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.watchdogInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var reason DisconnectReason
			switch {
			case c.cfg.HeartbeatTimeout > 0 && now.Sub(time.Unix(0, c.lastEventAt.Load())) > c.cfg.HeartbeatTimeout:
				reason = ReasonHeartbeatTimeout
			case c.cfg.ReadTimeout > 0 && now.Sub(time.Unix(0, c.lastByteAt.Load())) > c.cfg.ReadTimeout:
				reason = ReasonReadTimeout
			default:
				continue
			}
			c.mu.Lock()
			c.timeoutReason = reason
			c.mu.Unlock()
			cancel()
			return
		}
	}
}

// watchdogInterval keeps detection latency proportional to the shortest
// configured window.
func (c *Client) watchdogInterval() time.Duration {
	interval := time.Second
	for _, w := range []time.Duration{c.cfg.HeartbeatTimeout, c.cfg.ReadTimeout} {
		if w > 0 && w/4 < interval {
			interval = w / 4
		}
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

func (c *Client) read(ctx context.Context, body io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data []string
	var scanErr error
	for scanner.Scan() {
		c.lastByteAt.Store(time.Now().UnixNano())
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				c.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields and comments carry nothing we use
		}
	}
	scanErr = scanner.Err()
	if len(data) > 0 {
		c.dispatch(strings.Join(data, "\n"))
	}

	c.mu.Lock()
	c.connected = false
	explicit := c.explicit
	reason := c.timeoutReason
	c.mu.Unlock()

	if explicit {
		return
	}
	if reason == "" {
		reason = classify(ctx, scanErr)
	}
	c.log.Debug("event stream ended", "reason", reason, "error", scanErr)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(reason)
	}
}

func (c *Client) dispatch(payload string) {
	// Malformed payloads still count as stream activity.
	c.lastEventAt.Store(time.Now().UnixNano())
	var ev agentapi.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.Debug("drop undecodable stream event", "error", err)
		return
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func classify(ctx context.Context, err error) DisconnectReason {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return ReasonStreamClosed
	}
	if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "request canceled") {
		return ReasonStreamClosed
	}
	return ReasonStreamError
}
