package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/boxgate/boxgate/internal/gateway/id"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/metrics"
)

const (
	// sendQueueSize bounds per-client buffering. A consumer that falls this
	// far behind is closed rather than allowed to stall broadcasts.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
)

// Conn is the socket surface a client needs. *websocket.Conn satisfies it;
// tests substitute recorders.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one attached socket. Writes go through a buffered queue so a
// slow socket never blocks the hub.
type Client struct {
	ID string
	// UserID is empty for anonymous (unauthenticated read-only) sockets.
	UserID string

	log   *slog.Logger
	conn  Conn
	sendq chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn Conn, userID string, log *slog.Logger) *Client {
	c := &Client{
		ID:     id.New("conn"),
		UserID: userID,
		log:    log,
		conn:   conn,
		sendq:  make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendq:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.log.Debug("client write failed", "conn_id", c.ID, "error", err)
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// send queues one event. A full queue means the client cannot keep up; it
// is closed with 1008 and reconnects with fresh state instead of reading
// an arbitrarily stale backlog.
func (c *Client) send(ev protocol.ServerEvent) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.sendq <- ev.Encode():
		metrics.ClientFramesTotal.WithLabelValues("out", ev.Type).Inc()
	default:
		metrics.ClientOverflowsTotal.Inc()
		c.log.Warn("client send queue overflow", "conn_id", c.ID)
		c.close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

// Send queues one event for this client alone. The transport layer uses
// it to answer malformed frames; broadcasts go through the hub.
func (c *Client) Send(ev protocol.ServerEvent) { c.send(ev) }

// close shuts the socket down once. Safe from any goroutine.
func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// Done is closed when the socket is torn down; the read loop's owner
// selects on it.
func (c *Client) Done() <-chan struct{} { return c.done }
