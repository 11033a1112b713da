// Package terminal is the Surface for an agent CLI running in a pane of an
// existing tmux session.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/channel"
	"github.com/msageha/webrelay/internal/tmux"
)

// EndpointVar is the pane user variable that tags a pane with its endpoint.
const EndpointVar = "webrelay_endpoint"

const busyHintLines = 5

// boxChars are the frame characters of the agent's input box.
const boxChars = "─│╭╮╰╯┌┐└┘━┃ \t"

type Config struct {
	// Command is the agent's process name as tmux reports it. An untagged
	// pane running it is adopted for a new endpoint.
	Command         string
	SoftNewlineKeys []string
	BusyPatterns    string
	// CaptureLines bounds how far into the scrollback a snapshot reaches.
	CaptureLines int
}

// Surface drives one tmux pane. Only the exchange worker touches it.
type Surface struct {
	tmux   *tmux.Client
	cfg    Config
	busy   *regexp.Regexp
	logger zerolog.Logger

	mu        sync.Mutex
	target    string
	start     int
	submitted bool
	typed     []string
}

var _ channel.Surface = (*Surface)(nil)

// New returns a Surface over client.
func New(client *tmux.Client, cfg Config, logger zerolog.Logger) (*Surface, error) {
	var busy *regexp.Regexp
	if cfg.BusyPatterns != "" {
		re, err := regexp.Compile(cfg.BusyPatterns)
		if err != nil {
			return nil, fmt.Errorf("compile busy_patterns %q: %w", cfg.BusyPatterns, err)
		}
		busy = re
	}
	if len(cfg.SoftNewlineKeys) == 0 {
		cfg.SoftNewlineKeys = []string{"M-Enter"}
	}
	return &Surface{tmux: client, cfg: cfg, busy: busy, logger: logger}, nil
}

func (s *Surface) Connect(ctx context.Context) error {
	if !s.tmux.SessionExists(ctx) {
		return fmt.Errorf("tmux session %q not found", s.tmux.Session)
	}
	return nil
}

// Focus selects the pane tagged with endpoint, or tags an untagged pane that
// already runs the agent. It never starts a process.
func (s *Surface) Focus(ctx context.Context, endpoint string) error {
	target, err := s.tmux.FindPaneByVar(ctx, EndpointVar, endpoint)
	switch {
	case err == nil:
		if err := s.checkAgent(ctx, target); err != nil {
			return err
		}
	case errors.Is(err, tmux.ErrPaneNotFound):
		target, err = s.adoptPane(ctx, endpoint)
		if err != nil {
			return err
		}
	default:
		return err
	}
	if err := s.tmux.SelectPane(ctx, target); err != nil {
		return fmt.Errorf("select pane %s: %w", target, err)
	}

	s.mu.Lock()
	s.target = target
	s.submitted = false
	s.typed = nil
	s.mu.Unlock()
	return nil
}

// adoptPane tags the first untagged pane whose foreground process is the
// agent.
func (s *Surface) adoptPane(ctx context.Context, endpoint string) (string, error) {
	lines, err := s.tmux.ListAllPanes(ctx, tmux.PaneFormat+"\t#{@"+EndpointVar+"}\t#{pane_current_command}")
	if err != nil {
		return "", fmt.Errorf("list panes: %w", err)
	}
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 || parts[1] != "" || !s.isAgent(parts[2]) {
			continue
		}
		if err := s.tmux.SetUserVar(ctx, parts[0], EndpointVar, endpoint); err != nil {
			return "", fmt.Errorf("tag pane %s: %w", parts[0], err)
		}
		s.logger.Info().Str("pane", parts[0]).Str("endpoint", endpoint).Msg("pane_adopted")
		return parts[0], nil
	}
	return "", fmt.Errorf("no pane for endpoint %q in session %s: tag the agent's pane with @%s",
		endpoint, s.tmux.Session, EndpointVar)
}

// checkAgent fails when the tagged pane dropped back to a shell.
func (s *Surface) checkAgent(ctx context.Context, target string) error {
	cmd, err := s.tmux.PaneCurrentCommand(ctx, target)
	if err != nil {
		return fmt.Errorf("inspect pane %s: %w", target, err)
	}
	if tmux.IsShellCommand(cmd) {
		return fmt.Errorf("agent not running in pane %s (foreground is %s)", target, cmd)
	}
	return nil
}

func (s *Surface) isAgent(cmd string) bool {
	if s.cfg.Command != "" {
		return cmd == s.cfg.Command
	}
	return cmd != "" && !tmux.IsShellCommand(cmd)
}

func (s *Surface) pane() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == "" {
		return "", fmt.Errorf("no pane focused")
	}
	return s.target, nil
}

func (s *Surface) Clear(ctx context.Context) error {
	target, err := s.pane()
	if err != nil {
		return err
	}
	return s.tmux.SendKeys(ctx, target, "C-u")
}

func (s *Surface) Type(ctx context.Context, text string) error {
	target, err := s.pane()
	if err != nil {
		return err
	}
	if err := s.tmux.SendLiteral(ctx, target, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.typed = append(s.typed, text)
	s.mu.Unlock()
	return nil
}

func (s *Surface) SoftNewline(ctx context.Context) error {
	target, err := s.pane()
	if err != nil {
		return err
	}
	return s.tmux.SendKeys(ctx, target, s.cfg.SoftNewlineKeys...)
}

// Submit records the line the echoed prompt starts on, then presses Enter.
func (s *Surface) Submit(ctx context.Context) error {
	target, err := s.pane()
	if err != nil {
		return err
	}
	line, err := s.tmux.Cursor(ctx, target)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if err := s.tmux.SendKeys(ctx, target, "Enter"); err != nil {
		return err
	}
	s.mu.Lock()
	s.start = line
	s.submitted = true
	s.mu.Unlock()
	return nil
}

// Snapshot returns the text printed since Submit. Before the first Submit of
// an exchange there is no reply region and the snapshot is empty.
func (s *Surface) Snapshot(ctx context.Context) (channel.Snapshot, error) {
	s.mu.Lock()
	target, start, submitted := s.target, s.start, s.submitted
	typed := append([]string(nil), s.typed...)
	s.mu.Unlock()
	if target == "" || !submitted {
		return channel.Snapshot{}, nil
	}

	history, err := s.tmux.HistorySize(ctx, target)
	if err != nil {
		return channel.Snapshot{}, fmt.Errorf("history size: %w", err)
	}
	from := start - history
	if s.cfg.CaptureLines > 0 && from < -s.cfg.CaptureLines {
		from = -s.cfg.CaptureLines
	}
	content, err := s.tmux.CaptureFrom(ctx, target, from)
	if err != nil {
		return channel.Snapshot{}, fmt.Errorf("capture pane: %w", err)
	}

	lines := strings.Split(strings.ReplaceAll(content, "\r", ""), "\n")
	generating := s.busy != nil && s.busy.MatchString(strings.Join(tail(lines, busyHintLines), "\n"))
	lines = dropEcho(lines, typed)
	lines = trimChrome(lines, s.busy)
	return channel.Snapshot{Text: strings.Join(lines, "\n"), Generating: generating}, nil
}

func (s *Surface) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == "" {
		return ""
	}
	return "tmux://" + s.target
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// dropEcho removes the echoed prompt: every line up to the one holding the
// last typed line.
func dropEcho(lines, typed []string) []string {
	last := ""
	for i := len(typed) - 1; i >= 0; i-- {
		if strings.TrimSpace(typed[i]) != "" {
			last = strings.TrimSpace(typed[i])
			break
		}
	}
	if last == "" {
		return lines
	}
	for i, line := range lines {
		if strings.Contains(line, last) {
			return lines[i+1:]
		}
	}
	return lines
}

// trimChrome drops the input box, status and busy lines and blank lines at
// the bottom of the capture, and the reply markers on the left edge.
func trimChrome(lines []string, busy *regexp.Regexp) []string {
	end := len(lines)
	for end > 0 && (isChrome(lines[end-1]) || (busy != nil && busy.MatchString(lines[end-1]))) {
		end--
	}
	out := make([]string, 0, end)
	for _, line := range lines[:end] {
		line = strings.TrimRight(line, " \t")
		line = strings.TrimPrefix(line, "⏺ ")
		out = append(out, line)
	}
	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	return out
}

func isChrome(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return true
	case strings.Trim(trimmed, boxChars) == "":
		return true
	}
	inner := strings.TrimLeft(trimmed, "│┃ ")
	switch {
	case strings.HasPrefix(inner, "❯"), strings.HasPrefix(inner, ">"):
		return true
	case strings.Contains(trimmed, "for shortcuts"), strings.Contains(trimmed, "bypass permissions"):
		return true
	}
	return false
}
