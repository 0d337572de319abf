package hub

import (
	"context"
	"errors"
	"time"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/gitops"
	"github.com/boxgate/boxgate/internal/gateway/id"
	"github.com/boxgate/boxgate/internal/gateway/migration"
	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/gateway/runtime"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
	"github.com/boxgate/boxgate/internal/metrics"
)

// HandleCommand dispatches one parsed client frame.
func (h *Hub) HandleCommand(ctx context.Context, c *Client, cmd protocol.ClientCommand) {
	metrics.ClientFramesTotal.WithLabelValues("in", cmd.Type).Inc()

	switch cmd.Type {
	case protocol.CmdPing:
		c.send(protocol.Pong())
	case protocol.CmdPrompt:
		h.handlePrompt(ctx, c, cmd)
	case protocol.CmdCancel:
		h.handleCancel(ctx, c)
	case protocol.CmdGetStatus:
		h.handleGetStatus(ctx, c)
	case protocol.CmdGetMessages:
		h.handleGetMessages(ctx, c)
	case protocol.CmdSaveSnapshot:
		h.handleSaveSnapshot(ctx, c, cmd)
	case protocol.CmdRunAutoStart:
		h.handleRunAutoStart(c, cmd)
	case protocol.CmdGetGitStatus, protocol.CmdGitCreateBranch, protocol.CmdGitCommit,
		protocol.CmdGitPush, protocol.CmdGitCreatePR:
		h.handleGit(ctx, c, cmd)
	default:
		c.send(protocol.ErrorEvent("unexpected command " + cmd.Type))
	}
}

func (h *Hub) handlePrompt(ctx context.Context, c *Client, cmd protocol.ClientCommand) {
	if c.UserID == "" {
		c.send(protocol.ErrorEvent("authentication required"))
		return
	}
	// Prompts do not queue behind migrations; the client retries when the
	// status flips back to running.
	if h.mig.State() != migration.StateNormal {
		c.send(protocol.StatusEvent(store.StatusMigrating, "migration in progress"))
		return
	}
	if err := h.ensureReady(ctx, runtime.ReasonPrompt); err != nil {
		c.send(protocol.ErrorEvent("failed to start session: " + err.Error()))
		return
	}

	msg := protocol.ChatMessage{
		ID:        id.New("msg"),
		Role:      "user",
		Content:   cmd.Content,
		Images:    cmd.Images,
		CreatedAt: time.Now().UnixMilli(),
	}
	parts := []agentapi.PromptPart{{Type: "text", Text: cmd.Content}}
	for _, img := range cmd.Images {
		mime, _, err := protocol.ParseImageDataURI(img)
		if err != nil {
			h.log.Warn("dropping invalid prompt image", "error", err)
			continue
		}
		parts = append(parts, agentapi.PromptPart{Type: "file", Mime: mime, URL: img})
	}

	h.BroadcastEvent(protocol.MessageEvent(msg))
	if h.clientType != "" {
		h.deps.Notify.PublishUserMessage(ctx, h.sessionID, c.UserID, h.clientType)
	}
	h.proc.ResetForNewPrompt()
	h.tel.RecordUserMessage(cmd.Content)
	h.tel.MarkRunning()

	if err := h.rt.SendPrompt(ctx, parts); err != nil {
		h.log.Error("prompt submission failed", "error", err)
		c.send(protocol.ErrorEvent("failed to send prompt"))
		h.tel.MarkStopped()
	}
}

func (h *Hub) handleCancel(ctx context.Context, c *Client) {
	if c.UserID == "" {
		c.send(protocol.ErrorEvent("authentication required"))
		return
	}
	if err := h.rt.Abort(ctx); err != nil {
		h.log.Warn("abort failed", "error", err)
	}
	h.BroadcastEvent(protocol.MessageCancelledEvent(h.proc.CurrentAssistantMessageID()))
	h.proc.ClearCurrentAssistantMessage()
	h.tel.MarkStopped()
}

func (h *Hub) handleGetStatus(ctx context.Context, c *Client) {
	sess, err := h.deps.Queries.GetSession(ctx, h.sessionID)
	if err != nil {
		c.send(protocol.ErrorEvent("failed to load session status"))
		return
	}
	detail := ""
	if sess.PauseReason != nil {
		detail = *sess.PauseReason
	}
	c.send(protocol.StatusEvent(sess.Status, detail))
}

func (h *Hub) handleGetMessages(ctx context.Context, c *Client) {
	if err := h.ensureReady(ctx, runtime.ReasonCommand); err != nil {
		c.send(protocol.ErrorEvent("failed to start session: " + err.Error()))
		return
	}
	history, err := h.loadHistory(ctx)
	if err != nil {
		c.send(protocol.ErrorEvent("failed to load messages"))
		return
	}
	c.send(protocol.InitEvent(history, h.rt.PreviewURL()))
}

func (h *Hub) handleSaveSnapshot(ctx context.Context, c *Client, cmd protocol.ClientCommand) {
	message := cmd.Message
	if message == "" {
		message = "manual snapshot"
	}
	snapshotID, err := h.mig.SaveSnapshot(ctx, message)
	switch {
	case errors.Is(err, migration.ErrMigrationInProgress):
		c.send(protocol.SnapshotResultEvent(false, "", "migration in progress"))
	case err != nil:
		h.log.Error("manual snapshot failed", "error", err)
		c.send(protocol.SnapshotResultEvent(false, "", err.Error()))
	default:
		c.send(protocol.SnapshotResultEvent(true, snapshotID, ""))
	}
}

// handleRunAutoStart streams service-command results to the requester.
// One run at a time per hub.
func (h *Hub) handleRunAutoStart(c *Client, cmd protocol.ClientCommand) {
	if cmd.RunID == "" {
		c.send(protocol.ErrorEvent("run_auto_start requires runId"))
		return
	}
	h.mu.Lock()
	if h.autoStartBusy {
		h.mu.Unlock()
		c.send(protocol.ErrorEvent("auto-start already running"))
		return
	}
	h.autoStartBusy = true
	h.mu.Unlock()

	go h.runAutoStart(c, cmd.RunID, cmd.Commands)
}

func (h *Hub) runAutoStart(c *Client, runID string, commands []string) {
	defer func() {
		h.mu.Lock()
		h.autoStartBusy = false
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
	defer cancel()

	if err := h.ensureReady(ctx, runtime.ReasonCommand); err != nil {
		c.send(protocol.ErrorEvent("failed to start session: " + err.Error()))
		return
	}

	cmds := commands
	if len(cmds) == 0 {
		sc, err := runtime.BuildSessionContext(ctx, h.deps.Queries, h.deps.Cfg.Agent, h.sessionID)
		if err != nil {
			c.send(protocol.ErrorEvent("failed to resolve service commands"))
			return
		}
		cmds = sc.ServiceCommands
	}
	if len(cmds) == 0 {
		c.send(protocol.AutoStartOutputEvent(runID, "", "no service commands configured", true, nil))
		return
	}

	provider, sandboxID := h.rt.Provider(), h.rt.SandboxID()
	if provider == nil || sandboxID == "" {
		c.send(protocol.ErrorEvent("no active sandbox"))
		return
	}

	if tester, ok := sandbox.CanTestServiceCommands(provider); ok {
		results, err := tester.TestServiceCommands(ctx, sandboxID, cmds)
		if err != nil {
			h.log.Error("auto-start run failed", "run_id", runID, "error", err)
			c.send(protocol.ErrorEvent("auto-start failed: " + err.Error()))
			return
		}
		for i, res := range results {
			exit := res.ExitCode
			c.send(protocol.AutoStartOutputEvent(runID, cmds[i], combinedOutput(res), false, &exit))
		}
	} else if exec, ok := sandbox.CanExec(provider); ok {
		for _, command := range cmds {
			res, err := exec.ExecCommand(ctx, sandboxID, gitops.DefaultWorkspace, command)
			if err != nil {
				h.log.Error("auto-start command failed", "run_id", runID, "error", err)
				c.send(protocol.ErrorEvent("auto-start failed: " + err.Error()))
				return
			}
			exit := res.ExitCode
			c.send(protocol.AutoStartOutputEvent(runID, command, combinedOutput(res), false, &exit))
		}
	} else {
		c.send(protocol.ErrorEvent("auto-start not supported by sandbox provider"))
		return
	}

	c.send(protocol.AutoStartOutputEvent(runID, "", "", true, nil))
}

func combinedOutput(res sandbox.ExecResult) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += res.Stderr
	}
	return out
}

// handleGit runs one git operation inside the sandbox workspace. Reads are
// open to any attached client; writes require the session creator (or any
// authenticated user when the session has no recorded creator).
func (h *Hub) handleGit(ctx context.Context, c *Client, cmd protocol.ClientCommand) {
	op := cmd.Type
	if op != protocol.CmdGetGitStatus {
		if c.UserID == "" {
			c.send(protocol.GitResultEvent(op, false, "", "authentication required", ""))
			return
		}
		if h.createdBy != nil && *h.createdBy != c.UserID {
			c.send(protocol.GitResultEvent(op, false, "", "not authorized", ""))
			return
		}
	}

	if err := h.ensureReady(ctx, runtime.ReasonCommand); err != nil {
		c.send(protocol.GitResultEvent(op, false, "", "failed to start session: "+err.Error(), ""))
		return
	}
	exec, ok := sandbox.CanExec(h.rt.Provider())
	if !ok {
		c.send(protocol.GitResultEvent(op, false, "", "not supported by sandbox provider", ""))
		return
	}
	runner := gitops.NewRunner(exec, h.rt.SandboxID())
	dir := cmd.WorkspacePath

	switch op {
	case protocol.CmdGetGitStatus:
		st, err := runner.Status(ctx, dir)
		if err != nil {
			c.send(protocol.GitResultEvent(op, false, "", err.Error(), ""))
			return
		}
		c.send(protocol.GitStatusEvent(st))

	case protocol.CmdGitCreateBranch:
		if cmd.BranchName == "" {
			c.send(protocol.GitResultEvent(op, false, "", "branch name required", ""))
			return
		}
		out, err := runner.CreateBranch(ctx, dir, cmd.BranchName)
		h.sendGitResult(c, op, out, "", err)

	case protocol.CmdGitCommit:
		if cmd.Message == "" {
			c.send(protocol.GitResultEvent(op, false, "", "commit message required", ""))
			return
		}
		out, err := runner.Commit(ctx, dir, cmd.Message, cmd.Files, cmd.IncludeUntracked)
		h.sendGitResult(c, op, out, "", err)

	case protocol.CmdGitPush:
		out, err := runner.Push(ctx, dir)
		h.sendGitResult(c, op, out, "", err)

	case protocol.CmdGitCreatePR:
		if cmd.Title == "" {
			c.send(protocol.GitResultEvent(op, false, "", "pull request title required", ""))
			return
		}
		prURL, out, err := runner.CreatePR(ctx, dir, cmd.Title, cmd.Body, cmd.BaseBranch)
		if err == nil && prURL != "" {
			h.tel.RecordAssistantText(prURL)
		}
		h.sendGitResult(c, op, out, prURL, err)
	}
}

func (h *Hub) sendGitResult(c *Client, op, output, prURL string, err error) {
	if err != nil {
		h.log.Warn("git operation failed", "op", op, "error", err)
		c.send(protocol.GitResultEvent(op, false, output, err.Error(), ""))
		return
	}
	c.send(protocol.GitResultEvent(op, true, output, "", prURL))
}
