package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/boxgate/boxgate/internal/gateway/hub"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
)

// Subprotocol spoken on /api/sessions/{sessionID}/ws.
const wsSubprotocol = "boxgate.v1"

// Private-range close codes, mirrored by the client SDKs.
const (
	wsCloseUnauthorized   = 4001
	wsCloseInvalidRequest = 4002
	wsCloseUnknownSession = 4004
)

const handshakeTimeout = 10 * time.Second

// handleWS upgrades the connection and attaches it to the session's hub.
//
// Protocol:
//  1. Client opens the WebSocket with subprotocol "boxgate.v1".
//  2. The first frame must arrive within 10 s. An auth command binds the
//     socket to the token's user; any other command leaves the socket
//     anonymous and is dispatched once attached.
//  3. Frames flow per the client wire protocol until either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		s.log.Debug("ws accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := r.Context()

	if _, err := s.queries.GetSession(ctx, sessionID); err != nil {
		_ = conn.Close(websocket.StatusCode(wsCloseUnknownSession), "unknown session")
		return
	}

	first, userID, ok := s.wsHandshake(ctx, conn, sessionID)
	if !ok {
		return
	}

	h, client, err := s.attach(ctx, sessionID, conn, userID)
	if err != nil {
		s.log.Warn("ws attach failed", "session_id", sessionID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	defer h.RemoveClient(client)

	if first != nil {
		h.HandleCommand(ctx, client, *first)
	}

	s.readLoop(ctx, conn, h, client)
}

// wsHandshake reads the first frame and resolves the connection's user.
// On failure it closes the socket and reports !ok.
func (s *Server) wsHandshake(ctx context.Context, conn *websocket.Conn, sessionID string) (*protocol.ClientCommand, string, bool) {
	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := conn.Read(handshakeCtx)
	if err != nil {
		s.log.Debug("ws handshake read failed", "session_id", sessionID, "error", err)
		return nil, "", false
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected text frame")
		return nil, "", false
	}
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "malformed command")
		return nil, "", false
	}

	if cmd.Type != protocol.CmdAuth {
		// Anonymous connection; the command is dispatched after attach.
		return &cmd, "", true
	}
	userID, err := s.verifier.VerifyUserToken(cmd.Token)
	if err != nil {
		_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "invalid token")
		return nil, "", false
	}
	return nil, userID, true
}

// attach joins the session's hub, retrying once when the resident hub is
// mid-teardown and the registry must construct a replacement.
func (s *Server) attach(ctx context.Context, sessionID string, conn hub.Conn, userID string) (*hub.Hub, *hub.Client, error) {
	for attempt := 0; ; attempt++ {
		h, err := s.hubs.GetOrCreate(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		c, err := h.AddClient(conn, userID)
		if err == nil {
			return h, c, nil
		}
		if !errors.Is(err, hub.ErrHubClosed) || attempt > 0 {
			return nil, nil, err
		}
	}
}

// readLoop pumps frames into the hub until the socket or the client
// closes. Malformed frames get an error event; the connection stays open.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, h *hub.Hub, c *hub.Client) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("ws read ended", "session_id", h.SessionID(), "conn_id", c.ID, "error", err)
			return
		}
		select {
		case <-c.Done():
			return
		default:
		}
		if typ != websocket.MessageText {
			c.Send(protocol.ErrorEvent("expected text frame"))
			continue
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.Send(protocol.ErrorEvent(err.Error()))
			continue
		}
		h.HandleCommand(ctx, c, cmd)
	}
}
