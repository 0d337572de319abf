package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound reports that the agent does not know the requested resource.
var ErrNotFound = errors.New("agentapi: not found")

// APIError is a non-2xx response from the agent.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agentapi: status %d: %s", e.Status, e.Body)
}

const defaultTimeout = 30 * time.Second

// Client talks to one agent instance over its sandbox tunnel.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the given tunnel URL.
func NewClient(tunnelURL string) *Client {
	return &Client{
		base: strings.TrimRight(tunnelURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// BaseURL returns the tunnel URL the client was built for.
func (c *Client) BaseURL() string { return c.base }

// CreateSession starts a fresh agent session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/session", struct{}{}, &s)
	return s, err
}

// GetSession fetches one session. A missing session returns ErrNotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &s)
	return s, err
}

// ListSessions returns all sessions the agent knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/session", nil, &out)
	return out, err
}

// MessageWithParts is one history entry as returned by ListMessages.
type MessageWithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}

// ListMessages returns the full transcript of a session.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]MessageWithParts, error) {
	var out []MessageWithParts
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &out)
	return out, err
}

// PromptPart is one input fragment of a prompt. Type is "text" or "file";
// file parts carry a data URI in URL plus its media type in Mime.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// PromptAsync submits a user turn. The agent processes it asynchronously
// and streams the reply over the event stream; only submission is
// confirmed here.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, parts []PromptPart) error {
	body := struct {
		Parts []PromptPart `json:"parts"`
	}{Parts: parts}
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil)
}

// Abort cancels the in-flight turn, if any.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agentapi: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("agentapi: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agentapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agentapi: decode %s %s: %w", method, path, err)
	}
	return nil
}
