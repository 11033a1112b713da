package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickTarget(t *testing.T) {
	targets := []Target{
		{ID: "sw", Type: "service_worker", URL: "https://chatgpt.com/sw.js"},
		{ID: "a", Type: "page", URL: "https://example.org/"},
		{ID: "b", Type: "page", URL: "https://chatgpt.com/c/123"},
	}

	got, found, navigate := PickTarget(targets, "https://chatgpt.com")
	assert.True(t, found)
	assert.False(t, navigate)
	assert.Equal(t, "b", got.ID)

	got, found, navigate = PickTarget(targets[:2], "https://chatgpt.com")
	assert.True(t, found)
	assert.True(t, navigate, "first page is on another host")
	assert.Equal(t, "a", got.ID)

	got, found, navigate = PickTarget([]Target{{ID: "blank", Type: "page", URL: "about:blank"}}, "https://chatgpt.com")
	assert.True(t, found)
	assert.True(t, navigate)
	assert.Equal(t, "blank", got.ID)

	_, found, navigate = PickTarget(targets[:1], "https://chatgpt.com")
	assert.False(t, found)
	assert.True(t, navigate)
}

func TestSameHost(t *testing.T) {
	assert.True(t, SameHost("https://chatgpt.com/c/1", "https://chatgpt.com"))
	assert.True(t, SameHost("https://ChatGPT.com:443/", "https://chatgpt.com"))
	assert.False(t, SameHost("https://chat.openai.com/", "https://chatgpt.com"))
	assert.False(t, SameHost("about:blank", "https://chatgpt.com"))
	assert.False(t, SameHost("", "https://chatgpt.com"))
}

func TestConnectFailsFastWithoutBrowser(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := New(Config{DebugURL: srv.URL}, zerolog.Nop())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestConnectRejectsMissingWebSocketURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		w.Write([]byte(`{"Browser":"Chrome/130"}`))
	}))
	defer srv.Close()

	s := New(Config{DebugURL: srv.URL + "/"}, zerolog.Nop())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webSocketDebuggerUrl")
}

func TestGetJSONListsTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"T1","type":"page","title":"Chat","url":"https://chatgpt.com/"}]`))
	}))
	defer srv.Close()

	s := New(Config{DebugURL: srv.URL}, zerolog.Nop())
	var targets []Target
	require.NoError(t, s.getJSON(context.Background(), "/json/list", &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, "T1", targets[0].ID)
}

func TestFocusRequiresConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := New(Config{DebugURL: srv.URL}, zerolog.Nop())
	assert.Error(t, s.Focus(context.Background(), "https://chatgpt.com"))
	assert.Error(t, s.Clear(context.Background()))
	assert.Empty(t, s.Handle())
}

func TestNewDefaults(t *testing.T) {
	s := New(Config{DebugURL: "http://127.0.0.1:9222/"}, zerolog.Nop())
	assert.Equal(t, "http://127.0.0.1:9222", s.cfg.DebugURL)
	assert.Equal(t, "#prompt-textarea", s.cfg.ComposerSelector)
	assert.Equal(t, DefaultReplyScript, s.cfg.ReplyScript)
}

func TestReplyDecodesMessageCount(t *testing.T) {
	var r reply
	require.NoError(t, json.Unmarshal([]byte(`{"text":"hi","generating":false,"replies":3}`), &r))
	assert.Equal(t, 3, r.Replies)
	assert.Contains(t, DefaultReplyScript, "replies: assistant.length")
}
