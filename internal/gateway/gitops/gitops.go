// Package gitops runs git and gh inside a session's sandbox through the
// provider's exec capability. Every operation returns its console output;
// command failures come back as errors carrying the tail of stderr so the
// hub can surface them verbatim.
package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/boxgate/boxgate/internal/gateway/protocol"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
)

// DefaultWorkspace is where repos are materialized unless the client names
// another path.
const DefaultWorkspace = "/workspace"

var prURLPattern = regexp.MustCompile(`https?://\S+/pull/\d+`)

// Runner executes git operations in one sandbox.
type Runner struct {
	exec      sandbox.Executor
	sandboxID string
}

// NewRunner binds a Runner to a sandbox.
func NewRunner(exec sandbox.Executor, sandboxID string) *Runner {
	return &Runner{exec: exec, sandboxID: sandboxID}
}

func (r *Runner) run(ctx context.Context, dir, command string) (string, error) {
	if dir == "" {
		dir = DefaultWorkspace
	}
	res, err := r.exec.ExecCommand(ctx, r.sandboxID, dir, command)
	if err != nil {
		return "", fmt.Errorf("exec %q: %w", command, err)
	}
	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = out
		}
		return out, fmt.Errorf("%s (exit %d)", detail, res.ExitCode)
	}
	return out, nil
}

// Status reports the workspace repository state.
func (r *Runner) Status(ctx context.Context, dir string) (protocol.GitStatus, error) {
	out, err := r.run(ctx, dir, "git status --porcelain=v1 --branch")
	if err != nil {
		return protocol.GitStatus{}, err
	}
	return parseStatus(out), nil
}

// CreateBranch creates and checks out a new branch.
func (r *Runner) CreateBranch(ctx context.Context, dir, name string) (string, error) {
	return r.run(ctx, dir, "git checkout -b "+shellQuote(name))
}

// Commit stages and commits. An explicit file list stages exactly those
// paths; otherwise includeUntracked selects between `git add -A` and
// `git add -u`.
func (r *Runner) Commit(ctx context.Context, dir, message string, files []string, includeUntracked bool) (string, error) {
	var stage string
	switch {
	case len(files) > 0:
		quoted := make([]string, len(files))
		for i, f := range files {
			quoted[i] = shellQuote(f)
		}
		stage = "git add -- " + strings.Join(quoted, " ")
	case includeUntracked:
		stage = "git add -A"
	default:
		stage = "git add -u"
	}
	if out, err := r.run(ctx, dir, stage); err != nil {
		return out, err
	}
	return r.run(ctx, dir, "git commit -m "+shellQuote(message))
}

// Push pushes the current branch, setting upstream on first push.
func (r *Runner) Push(ctx context.Context, dir string) (string, error) {
	return r.run(ctx, dir, "git push -u origin HEAD")
}

// CreatePR opens a pull request with the gh CLI and returns its URL along
// with the raw output.
func (r *Runner) CreatePR(ctx context.Context, dir, title, body, baseBranch string) (prURL, output string, err error) {
	cmd := "gh pr create --title " + shellQuote(title) + " --body " + shellQuote(body)
	if baseBranch != "" {
		cmd += " --base " + shellQuote(baseBranch)
	}
	output, err = r.run(ctx, dir, cmd)
	if err != nil {
		return "", output, err
	}
	prURL = prURLPattern.FindString(output)
	if prURL == "" {
		return "", output, fmt.Errorf("gh output carried no pull request URL")
	}
	return prURL, output, nil
}

// PullFastForward brings a thawed workspace up to date. Callers treat
// failure as non-fatal.
func (r *Runner) PullFastForward(ctx context.Context, dir string) (string, error) {
	return r.run(ctx, dir, "git pull --ff-only")
}

// parseStatus decodes `git status --porcelain=v1 --branch` output.
func parseStatus(out string) protocol.GitStatus {
	st := protocol.GitStatus{
		Staged:    []string{},
		Unstaged:  []string{},
		Untracked: []string{},
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchLine(line[3:], &st)
			continue
		}
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		// Renames list "old -> new"; the new path is the one that exists.
		if _, newPath, ok := strings.Cut(path, " -> "); ok {
			path = newPath
		}
		if x == '?' && y == '?' {
			st.Untracked = append(st.Untracked, path)
			continue
		}
		if x != ' ' {
			st.Staged = append(st.Staged, path)
		}
		if y != ' ' {
			st.Unstaged = append(st.Unstaged, path)
		}
	}
	st.Clean = len(st.Staged) == 0 && len(st.Unstaged) == 0 && len(st.Untracked) == 0
	return st
}

func parseBranchLine(line string, st *protocol.GitStatus) {
	// Forms: "main...origin/main [ahead 2, behind 1]", "main",
	// "No commits yet on main", "HEAD (no branch)".
	if rest, ok := strings.CutPrefix(line, "No commits yet on "); ok {
		st.Branch = rest
		return
	}
	if strings.HasPrefix(line, "HEAD") {
		st.Branch = "HEAD"
		return
	}
	branch := line
	if i := strings.Index(branch, "..."); i >= 0 {
		branch = branch[:i]
	}
	if i := strings.IndexByte(branch, ' '); i >= 0 {
		branch = branch[:i]
	}
	st.Branch = branch

	if open := strings.IndexByte(line, '['); open >= 0 {
		for _, token := range strings.Split(strings.Trim(line[open:], "[]"), ",") {
			fields := strings.Fields(strings.TrimSpace(token))
			if len(fields) != 2 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			switch fields[0] {
			case "ahead":
				st.Ahead = n
			case "behind":
				st.Behind = n
			}
		}
	}
}

// shellQuote wraps s in single quotes, escaping embedded ones, so user
// input crosses the sandbox shell intact.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
