// Package tmux provides helpers for driving panes of an existing tmux session.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
)

// Runner executes one tmux command and returns its combined output.
type Runner func(ctx context.Context, stdin io.Reader, args ...string) (string, error)

// ExecRunner runs the tmux binary.
func ExecRunner(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// ErrPaneNotFound is returned when no pane carries the requested tag.
var ErrPaneNotFound = errors.New("pane not found")

// PaneFormat renders a pane as session:window.pane.
const PaneFormat = "#{session_name}:#{window_index}.#{pane_index}"

// unsafeSessionChars matches characters that are unsafe in tmux session names.
// tmux uses `:` and `.` for target resolution, so these must be sanitized.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeSessionName replaces characters tmux would read as target syntax.
func SanitizeSessionName(name string) string {
	sanitized := unsafeSessionChars.ReplaceAllString(name, "_")
	if sanitized == "" {
		sanitized = "webrelay"
	}
	return sanitized
}

// bufSeq generates unique buffer names for concurrent pastes.
var bufSeq atomic.Int64

// Client drives one tmux session.
type Client struct {
	Session string
	run     Runner
}

// New returns a Client for session. A nil runner uses the tmux binary.
func New(session string, run Runner) *Client {
	if run == nil {
		run = ExecRunner
	}
	return &Client{Session: SanitizeSessionName(session), run: run}
}

func (c *Client) exec(ctx context.Context, args ...string) error {
	_, err := c.run(ctx, nil, args...)
	return err
}

func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, nil, args...)
}

// SessionExists checks whether the session exists.
func (c *Client) SessionExists(ctx context.Context) bool {
	return c.exec(ctx, "has-session", "-t", c.Session) == nil
}

// SelectPane focuses the window and pane of target.
func (c *Client) SelectPane(ctx context.Context, target string) error {
	if i := strings.LastIndexByte(target, '.'); i > 0 {
		if err := c.exec(ctx, "select-window", "-t", target[:i]); err != nil {
			return err
		}
	}
	return c.exec(ctx, "select-pane", "-t", target)
}

// SetUserVar sets a tmux user variable on a pane (pane-scoped via -p).
func (c *Client) SetUserVar(ctx context.Context, target, name, value string) error {
	return c.exec(ctx, "set-option", "-p", "-t", target, "@"+name, value)
}

// GetUserVar reads a tmux user variable from a pane.
func (c *Client) GetUserVar(ctx context.Context, target, name string) (string, error) {
	out, err := c.output(ctx, "display-message", "-t", target, "-p", "#{@"+name+"}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListAllPanes returns pane info across all windows in the session.
func (c *Client) ListAllPanes(ctx context.Context, format string) ([]string, error) {
	out, err := c.output(ctx, "list-panes", "-s", "-t", c.Session, "-F", format)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FindPaneByVar finds the first pane whose user variable name equals value.
func (c *Client) FindPaneByVar(ctx context.Context, name, value string) (string, error) {
	lines, err := c.ListAllPanes(ctx, PaneFormat+"\t#{@"+name+"}")
	if err != nil {
		return "", fmt.Errorf("list panes: %w", err)
	}
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) == 2 && parts[1] == value {
			return parts[0], nil
		}
	}
	return "", fmt.Errorf("%w: @%s=%s in session %s", ErrPaneNotFound, name, value, c.Session)
}

// SendKeys sends key names (Enter, C-u, M-Enter) to a pane.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", target)
	args = append(args, keys...)
	return c.exec(ctx, args...)
}

// SendLiteral types text without key-name lookup.
func (c *Client) SendLiteral(ctx context.Context, target, text string) error {
	return c.exec(ctx, "send-keys", "-l", "-t", target, text)
}

// PasteText loads text into a buffer and pastes it with bracketed paste. -r
// keeps LF from turning into CR inside the paste.
func (c *Client) PasteText(ctx context.Context, target, text string) error {
	bufName := fmt.Sprintf("webrelay-msg-%d", bufSeq.Add(1))
	if _, err := c.run(ctx, strings.NewReader(text), "load-buffer", "-b", bufName, "-"); err != nil {
		return err
	}
	return c.exec(ctx, "paste-buffer", "-pr", "-b", bufName, "-d", "-t", target)
}

// CaptureFrom captures joined pane lines from line start to the bottom. 0 is
// the first visible line; negative values reach into the history.
func (c *Client) CaptureFrom(ctx context.Context, target string, start int) (string, error) {
	return c.output(ctx, "capture-pane", "-p", "-J", "-t", target, "-S", strconv.Itoa(start))
}

// Cursor returns the absolute line of the cursor: history size plus cursor row.
func (c *Client) Cursor(ctx context.Context, target string) (int, error) {
	out, err := c.output(ctx, "display-message", "-t", target, "-p", "#{history_size} #{cursor_y}")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, fmt.Errorf("tmux cursor: unexpected output %q", strings.TrimSpace(out))
	}
	history, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("tmux cursor: history_size %q: %w", fields[0], err)
	}
	row, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("tmux cursor: cursor_y %q: %w", fields[1], err)
	}
	return history + row, nil
}

// HistorySize returns the number of scrolled-off lines of a pane.
func (c *Client) HistorySize(ctx context.Context, target string) (int, error) {
	out, err := c.output(ctx, "display-message", "-t", target, "-p", "#{history_size}")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

// PaneCurrentCommand returns the currently running command in a pane.
func (c *Client) PaneCurrentCommand(ctx context.Context, target string) (string, error) {
	out, err := c.output(ctx, "display-message", "-t", target, "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ShellCommands is the canonical set of known shell command names.
// Used to detect whether a tmux pane is running a plain shell (idle)
// rather than an application like the agent CLI.
var ShellCommands = map[string]bool{
	"bash": true, "zsh": true, "fish": true,
	"sh": true, "dash": true, "tcsh": true, "csh": true,
}

// IsShellCommand reports whether cmd is a known shell command name.
func IsShellCommand(cmd string) bool {
	return ShellCommands[cmd]
}
