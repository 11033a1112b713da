package terminal

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/webrelay/internal/tmux"
)

// fakeTmux answers tmux commands from fields and records every call.
type fakeTmux struct {
	mu          sync.Mutex
	calls       []string
	noSession   bool
	panes       string
	paneCommand string
	// listing answers list-panes calls that ask for pane_current_command.
	listing string
	cursor      string
	history     string
	capture     string
}

func (f *fakeTmux) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))
	switch args[0] {
	case "has-session":
		if f.noSession {
			return "", errors.New("can't find session")
		}
	case "list-panes":
		if strings.Contains(args[len(args)-1], "pane_current_command") {
			return f.listing, nil
		}
		return f.panes, nil
	case "display-message":
		switch args[len(args)-1] {
		case "#{pane_current_command}":
			return f.paneCommand + "\n", nil
		case "#{history_size} #{cursor_y}":
			return f.cursor + "\n", nil
		case "#{history_size}":
			return f.history + "\n", nil
		}
	case "capture-pane":
		return f.capture, nil
	}
	return "", nil
}

func (f *fakeTmux) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newSurface(t *testing.T, f *fakeTmux) *Surface {
	t.Helper()
	s, err := New(tmux.New("relay", f.run), Config{
		Command:      "claude",
		BusyPatterns: "esc to interrupt",
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestConnectRequiresSession(t *testing.T) {
	f := &fakeTmux{noSession: true}
	s := newSurface(t, f)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"relay"`)
	assert.False(t, f.called("new-session"), "must never spawn a session")
}

func TestFocusReusesTaggedPane(t *testing.T) {
	f := &fakeTmux{panes: "relay:0.0\t\nrelay:2.0\tagent\n", paneCommand: "claude"}
	s := newSurface(t, f)

	require.NoError(t, s.Focus(context.Background(), "agent"))
	assert.Equal(t, "tmux://relay:2.0", s.Handle())
	assert.True(t, f.called("select-pane -t relay:2.0"))
	assert.False(t, f.called("send-keys"))
}

func TestFocusFailsWhenAgentExited(t *testing.T) {
	f := &fakeTmux{panes: "relay:2.0\tagent\n", paneCommand: "zsh"}
	s := newSurface(t, f)

	err := s.Focus(context.Background(), "agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent not running in pane relay:2.0")
	assert.False(t, f.called("send-keys"), "must never restart the agent")
	assert.False(t, f.called("select-pane"))
	assert.Empty(t, s.Handle())
}

func TestFocusAdoptsUntaggedAgentPane(t *testing.T) {
	f := &fakeTmux{
		panes:   "relay:0.0\t\n",
		listing: "relay:0.0\t\tzsh\nrelay:1.0\tother\tclaude\nrelay:2.0\t\tclaude\n",
	}
	s := newSurface(t, f)

	require.NoError(t, s.Focus(context.Background(), "agent"))
	assert.Equal(t, "tmux://relay:2.0", s.Handle())
	assert.True(t, f.called("set-option -p -t relay:2.0 @webrelay_endpoint agent"))
	assert.False(t, f.called("new-window"))
	assert.False(t, f.called("send-keys"))
}

func TestFocusWithoutAgentPaneFails(t *testing.T) {
	f := &fakeTmux{panes: "relay:0.0\t\n", listing: "relay:0.0\t\tbash\n"}
	s := newSurface(t, f)

	err := s.Focus(context.Background(), "agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no pane for endpoint "agent"`)
	assert.False(t, f.called("new-window"))
	assert.False(t, f.called("set-option"))
}

func TestSnapshotBeforeSubmitIsEmpty(t *testing.T) {
	f := &fakeTmux{panes: "relay:2.0\tagent\n", paneCommand: "node", capture: "old reply"}
	s := newSurface(t, f)
	require.NoError(t, s.Focus(context.Background(), "agent"))

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Text)
	assert.False(t, f.called("capture-pane"))
}

func TestSnapshotReadsReplyRegion(t *testing.T) {
	f := &fakeTmux{
		panes:       "relay:2.0\tagent\n",
		paneCommand: "node",
		cursor:      "100 20",
		history:     "110",
	}
	s := newSurface(t, f)
	ctx := context.Background()
	require.NoError(t, s.Focus(ctx, "agent"))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Type(ctx, "first line"))
	require.NoError(t, s.SoftNewline(ctx))
	require.NoError(t, s.Type(ctx, "second line"))
	require.NoError(t, s.Submit(ctx))

	assert.True(t, f.called("send-keys -t relay:2.0 C-u"))
	assert.True(t, f.called("send-keys -l -t relay:2.0 first line"))
	assert.True(t, f.called("send-keys -t relay:2.0 M-Enter"))
	assert.True(t, f.called("send-keys -t relay:2.0 Enter"))

	f.capture = strings.Join([]string{
		"> first line",
		"  second line",
		"",
		"⏺ Here is the answer",
		"  with two lines }}}",
		"",
		"✻ Working… (esc to interrupt)",
		"╭──────────────╮",
		"│ >            │",
		"╰──────────────╯",
		"  ? for shortcuts",
	}, "\n")
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	// absolute line 120 minus 110 lines of history
	assert.True(t, f.called("capture-pane -p -J -t relay:2.0 -S 10"))
	assert.Equal(t, "Here is the answer\n  with two lines }}}", snap.Text)
	assert.True(t, snap.Generating)

	f.capture = strings.Join([]string{
		"> first line",
		"  second line",
		"⏺ Here is the answer",
		"╭──────────────╮",
		"│ >            │",
		"╰──────────────╯",
	}, "\n")
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Here is the answer", snap.Text)
	assert.False(t, snap.Generating)
}

func TestSnapshotCaptureLinesBound(t *testing.T) {
	f := &fakeTmux{
		panes:       "relay:2.0\tagent\n",
		paneCommand: "node",
		cursor:      "100 20",
		history:     "5000",
		capture:     "> ask\n⏺ long reply",
	}
	s, err := New(tmux.New("relay", f.run), Config{CaptureLines: 400}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Focus(ctx, "agent"))
	require.NoError(t, s.Type(ctx, "ask"))
	require.NoError(t, s.Submit(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, f.called("capture-pane -p -J -t relay:2.0 -S -400"))
	assert.Equal(t, "long reply", snap.Text)
}

func TestNewRejectsBadBusyPattern(t *testing.T) {
	_, err := New(tmux.New("relay", (&fakeTmux{}).run), Config{BusyPatterns: "("}, zerolog.Nop())
	assert.Error(t, err)
}

func TestOperationsNeedFocus(t *testing.T) {
	s := newSurface(t, &fakeTmux{})
	assert.Error(t, s.Clear(context.Background()))
	assert.Error(t, s.Submit(context.Background()))
	assert.Empty(t, s.Handle())
}
