// Package protocol defines the JSON wire protocol spoken between the
// gateway and chat clients over a full-duplex socket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound command types (client -> gateway).
const (
	CmdAuth            = "auth"
	CmdPing            = "ping"
	CmdPrompt          = "prompt"
	CmdCancel          = "cancel"
	CmdGetStatus       = "get_status"
	CmdGetMessages     = "get_messages"
	CmdSaveSnapshot    = "save_snapshot"
	CmdRunAutoStart    = "run_auto_start"
	CmdGetGitStatus    = "get_git_status"
	CmdGitCreateBranch = "git_create_branch"
	CmdGitCommit       = "git_commit"
	CmdGitPush         = "git_push"
	CmdGitCreatePR     = "git_create_pr"
)

// Outbound event types (gateway -> client).
const (
	EvPong             = "pong"
	EvStatus           = "status"
	EvInit             = "init"
	EvPreviewURL       = "preview_url"
	EvMessage          = "message"
	EvToken            = "token"
	EvTextPartComplete = "text_part_complete"
	EvToolStart        = "tool_start"
	EvToolMetadata     = "tool_metadata"
	EvToolEnd          = "tool_end"
	EvMessageComplete  = "message_complete"
	EvMessageCancelled = "message_cancelled"
	EvError            = "error"
	EvSnapshotResult   = "snapshot_result"
	EvAutoStartOutput  = "auto_start_output"
	EvGitStatus        = "git_status"
	EvGitResult        = "git_result"
)

// ClientCommand is one inbound frame. The Type field selects which of the
// remaining fields are meaningful; unknown types are rejected at parse time.
type ClientCommand struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// prompt
	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`
	UserID  string   `json:"userId,omitempty"` // ignored; the authenticated user wins

	// save_snapshot, git_commit
	Message string `json:"message,omitempty"`

	// run_auto_start
	RunID    string   `json:"runId,omitempty"`
	Commands []string `json:"commands,omitempty"`

	// git family
	WorkspacePath    string   `json:"workspacePath,omitempty"`
	BranchName       string   `json:"branchName,omitempty"`
	IncludeUntracked bool     `json:"includeUntracked,omitempty"`
	Files            []string `json:"files,omitempty"`
	Title            string   `json:"title,omitempty"`
	Body             string   `json:"body,omitempty"`
	BaseBranch       string   `json:"baseBranch,omitempty"`
}

var knownCommands = map[string]struct{}{
	CmdAuth: {}, CmdPing: {}, CmdPrompt: {}, CmdCancel: {},
	CmdGetStatus: {}, CmdGetMessages: {}, CmdSaveSnapshot: {},
	CmdRunAutoStart: {}, CmdGetGitStatus: {}, CmdGitCreateBranch: {},
	CmdGitCommit: {}, CmdGitPush: {}, CmdGitCreatePR: {},
}

// ParseCommand decodes an inbound frame and rejects unknown command types.
func ParseCommand(data []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return ClientCommand{}, fmt.Errorf("command missing type")
	}
	if _, ok := knownCommands[cmd.Type]; !ok {
		return ClientCommand{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return cmd, nil
}

// ChatMessage is the client-facing view of one conversation message.
type ChatMessage struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Images    []string `json:"images,omitempty"`
	CreatedAt int64    `json:"createdAt,omitempty"` // unix ms
}

// GitStatus is the parsed state of the sandbox workspace repository.
type GitStatus struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Unstaged  []string `json:"unstaged"`
	Untracked []string `json:"untracked"`
	Clean     bool     `json:"clean"`
}

// ServerEvent is one outbound frame. Exactly one constructor below builds
// each event type; the flat shape keeps broadcast and test assertions
// simple. Fields outside the constructor's set stay zero and are omitted
// from the encoding.
type ServerEvent struct {
	Type string `json:"type"`

	// status, tool_end (tool status)
	Status string `json:"status,omitempty"`
	// status detail, error text, snapshot/git failure text
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`

	// message
	Message *ChatMessage `json:"message,omitempty"`

	// init
	Messages         []ChatMessage `json:"messages,omitempty"`
	PreviewTunnelURL string        `json:"previewTunnelUrl,omitempty"`

	// preview_url
	URL string `json:"url,omitempty"`

	// token / text_part_complete / message_complete / message_cancelled
	MessageID string `json:"messageId,omitempty"`
	PartID    string `json:"partId,omitempty"`
	Token     string `json:"token,omitempty"`
	Text      string `json:"text,omitempty"`

	// tool family
	ToolCallID string          `json:"toolCallId,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Output     string          `json:"output,omitempty"`

	// snapshot_result, git_result
	OK         *bool  `json:"ok,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Op         string `json:"op,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`

	// auto_start_output
	RunID    string `json:"runId,omitempty"`
	Command  string `json:"command,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// git_status
	GitStatus *GitStatus `json:"gitStatus,omitempty"`
}

// Encode marshals the event for the wire. Marshal errors cannot occur for
// events built by the constructors, so the result is returned directly.
func (e ServerEvent) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("encode server event %q: %v", e.Type, err))
	}
	return data
}

func Pong() ServerEvent { return ServerEvent{Type: EvPong} }

func StatusEvent(status, detail string) ServerEvent {
	return ServerEvent{Type: EvStatus, Status: status, Detail: detail}
}

func InitEvent(messages []ChatMessage, previewURL string) ServerEvent {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return ServerEvent{Type: EvInit, Messages: messages, PreviewTunnelURL: previewURL}
}

func PreviewURLEvent(url string) ServerEvent {
	return ServerEvent{Type: EvPreviewURL, URL: url}
}

func MessageEvent(msg ChatMessage) ServerEvent {
	return ServerEvent{Type: EvMessage, Message: &msg}
}

func TokenEvent(messageID, partID, token string) ServerEvent {
	return ServerEvent{Type: EvToken, MessageID: messageID, PartID: partID, Token: token}
}

func TextPartCompleteEvent(messageID, partID, text string) ServerEvent {
	return ServerEvent{Type: EvTextPartComplete, MessageID: messageID, PartID: partID, Text: text}
}

func ToolStartEvent(toolCallID, tool string, args json.RawMessage) ServerEvent {
	return ServerEvent{Type: EvToolStart, ToolCallID: toolCallID, Tool: tool, Args: args}
}

func ToolMetadataEvent(toolCallID string, metadata json.RawMessage) ServerEvent {
	return ServerEvent{Type: EvToolMetadata, ToolCallID: toolCallID, Metadata: metadata}
}

func ToolEndEvent(toolCallID, status, output string) ServerEvent {
	return ServerEvent{Type: EvToolEnd, ToolCallID: toolCallID, Status: status, Output: output}
}

func MessageCompleteEvent(messageID string) ServerEvent {
	return ServerEvent{Type: EvMessageComplete, MessageID: messageID}
}

func MessageCancelledEvent(messageID string) ServerEvent {
	return ServerEvent{Type: EvMessageCancelled, MessageID: messageID}
}

func ErrorEvent(detail string) ServerEvent {
	return ServerEvent{Type: EvError, Error: detail}
}

func SnapshotResultEvent(ok bool, snapshotID, errText string) ServerEvent {
	return ServerEvent{Type: EvSnapshotResult, OK: &ok, SnapshotID: snapshotID, Error: errText}
}

func AutoStartOutputEvent(runID, command, output string, done bool, exitCode *int) ServerEvent {
	return ServerEvent{Type: EvAutoStartOutput, RunID: runID, Command: command, Output: output, Done: done, ExitCode: exitCode}
}

func GitStatusEvent(st GitStatus) ServerEvent {
	return ServerEvent{Type: EvGitStatus, GitStatus: &st}
}

func GitResultEvent(op string, ok bool, output, errText, prURL string) ServerEvent {
	return ServerEvent{Type: EvGitResult, Op: op, OK: &ok, Output: output, Error: errText, PRURL: prURL}
}

// ParseImageDataURI splits a "data:<mime>;base64,<data>" URI into its mime
// type and decoded bytes. Prompt images arrive in this form.
func ParseImageDataURI(uri string) (mime string, data []byte, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", nil, fmt.Errorf("image is not a data URI")
	}
	rest := uri[len(prefix):]
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("image data URI missing payload")
	}
	mime, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" {
		return "", nil, fmt.Errorf("image data URI is not base64-encoded")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode image payload: %w", err)
	}
	return mime, data, nil
}
