// Package browser is the Surface for a chat tab in an already running Chrome,
// driven over the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/channel"
)

// DefaultReplyScript returns the text of the last assistant message, how many
// assistant messages there are and whether a stop button is on screen.
const DefaultReplyScript = `(() => {
  const pick = (nodes) => {
    if (!nodes.length) return null;
    const last = nodes[nodes.length - 1];
    return last.innerText || last.textContent || '';
  };
  const assistant = Array.from(document.querySelectorAll('[data-message-author-role="assistant"]'));
  let text = pick(assistant);
  if (text === null) text = pick(Array.from(document.querySelectorAll('.markdown, article')));
  if (text === null) text = (document.body && document.body.innerText) || '';
  const generating = Array.from(document.querySelectorAll('button')).some((b) =>
    (b.innerText || b.getAttribute('aria-label') || '').toLowerCase().includes('stop'));
  return { text: text, generating: generating, replies: assistant.length };
})()`

const (
	opTimeout    = 10 * time.Second
	navTimeout   = 30 * time.Second
	dialTimeout = 3 * time.Second
)

type Config struct {
	// DebugURL is the DevTools HTTP endpoint, e.g. http://127.0.0.1:9222.
	DebugURL         string
	ComposerSelector string
	ReplyScript      string
}

// Target is one DevTools target as listed by /json/list.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Surface drives one Chrome tab. The allocator and tab contexts live across
// exchanges; Connect re-creates them when Chrome was restarted.
type Surface struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	mu          sync.Mutex
	wsURL       string
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancels  []context.CancelFunc
	tabID       string
	url         string
}

var _ channel.Surface = (*Surface)(nil)

// New returns a Surface for the Chrome instance behind cfg.DebugURL.
func New(cfg Config, logger zerolog.Logger) *Surface {
	if cfg.ComposerSelector == "" {
		cfg.ComposerSelector = "#prompt-textarea"
	}
	if cfg.ReplyScript == "" {
		cfg.ReplyScript = DefaultReplyScript
	}
	cfg.DebugURL = strings.TrimRight(cfg.DebugURL, "/")
	return &Surface{
		cfg:    cfg,
		http:   &http.Client{Timeout: dialTimeout},
		logger: logger,
	}
}

// Connect checks the DevTools endpoint and attaches a remote allocator. It
// never launches a browser.
func (s *Surface) Connect(ctx context.Context) error {
	var info versionInfo
	if err := s.getJSON(ctx, "/json/version", &info); err != nil {
		return err
	}
	if info.WebSocketDebuggerURL == "" {
		return fmt.Errorf("devtools %s: no webSocketDebuggerUrl", s.cfg.DebugURL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocCtx != nil && s.wsURL == info.WebSocketDebuggerURL && s.allocCtx.Err() == nil {
		return nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.tabCancels = nil
	s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), info.WebSocketDebuggerURL, chromedp.NoModifyURL)
	s.wsURL = info.WebSocketDebuggerURL
	s.tabCtx, s.tabID = nil, ""
	s.logger.Info().Str("browser", info.Browser).Msg("browser_attached")
	return nil
}

// Focus attaches to the tab whose host matches endpoint, navigating or opening
// a tab when needed.
func (s *Surface) Focus(ctx context.Context, endpoint string) error {
	var targets []Target
	if err := s.getJSON(ctx, "/json/list", &targets); err != nil {
		return err
	}
	t, found, navigate := PickTarget(targets, endpoint)

	s.mu.Lock()
	if s.allocCtx == nil {
		s.mu.Unlock()
		return errors.New("browser not connected")
	}
	var fresh context.Context
	switch {
	case !found:
		fresh = s.attach("")
		navigate = true
	case s.tabCtx == nil || s.tabID != t.ID || s.tabCtx.Err() != nil:
		fresh = s.attach(t.ID)
	}
	s.mu.Unlock()

	// The first Run allocates the target and must not carry a timeout.
	if fresh != nil {
		if err := chromedp.Run(fresh); err != nil {
			return fmt.Errorf("attach tab %s: %w", t.ID, err)
		}
	}

	actions := []chromedp.Action{}
	if navigate {
		actions = append(actions, chromedp.Navigate(endpoint))
	}
	var loc string
	actions = append(actions, page.BringToFront(), chromedp.Location(&loc))

	timeout := opTimeout
	if navigate {
		timeout = navTimeout
	}
	if err := s.run(ctx, timeout, actions...); err != nil {
		return fmt.Errorf("focus tab for %s: %w", endpoint, err)
	}
	s.mu.Lock()
	s.url = loc
	s.mu.Unlock()
	s.logger.Debug().Str("tab", t.ID).Bool("navigated", navigate).Str("url", loc).Msg("tab_focused")
	return nil
}

// attach points the tab context at id, or at a new tab when id is empty.
// Callers hold s.mu.
func (s *Surface) attach(id string) context.Context {
	var opts []chromedp.ContextOption
	if id != "" {
		opts = append(opts, chromedp.WithTargetID(target.ID(id)))
	}
	ctx, cancel := chromedp.NewContext(s.allocCtx, opts...)
	s.tabCtx, s.tabID = ctx, id
	s.tabCancels = append(s.tabCancels, cancel)
	return ctx
}

// Close drops the DevTools connection. Chrome keeps running.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.tabCancels {
		cancel()
	}
	s.tabCancels = nil
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.allocCtx, s.tabCtx, s.tabID = nil, nil, ""
}

// Clear focuses the composer and deletes its content. A composer that cannot
// be clicked falls back to a click in the middle of the page.
func (s *Surface) Clear(ctx context.Context) error {
	if err := s.run(ctx, opTimeout, chromedp.Click(s.cfg.ComposerSelector, chromedp.ByQuery)); err != nil {
		s.logger.Warn().Err(err).Str("selector", s.cfg.ComposerSelector).Msg("composer_not_clickable")
		if err := s.run(ctx, opTimeout, chromedp.MouseClickXY(500, 500)); err != nil {
			return fmt.Errorf("focus composer: %w", err)
		}
	}
	return s.run(ctx, opTimeout,
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Backspace),
	)
}

func (s *Surface) Type(ctx context.Context, text string) error {
	return s.run(ctx, opTimeout+time.Duration(len(text))*5*time.Millisecond, chromedp.KeyEvent(text))
}

func (s *Surface) SoftNewline(ctx context.Context) error {
	return s.run(ctx, opTimeout, chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift)))
}

func (s *Surface) Submit(ctx context.Context) error {
	return s.run(ctx, opTimeout, chromedp.KeyEvent(kb.Enter))
}

type reply struct {
	Text       string `json:"text"`
	Generating bool   `json:"generating"`
	Replies    int    `json:"replies"`
}

func (s *Surface) Snapshot(ctx context.Context) (channel.Snapshot, error) {
	var r reply
	var loc string
	if err := s.run(ctx, opTimeout, chromedp.Evaluate(s.cfg.ReplyScript, &r), chromedp.Location(&loc)); err != nil {
		return channel.Snapshot{}, err
	}
	if loc != "" {
		s.mu.Lock()
		s.url = loc
		s.mu.Unlock()
	}
	return channel.Snapshot{Text: strings.TrimSpace(r.Text), Generating: r.Generating, Replies: r.Replies}, nil
}

// Handle is the URL of the focused tab.
func (s *Surface) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// run executes actions on the focused tab, bounded by timeout and by ctx.
func (s *Surface) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	tab := s.tabCtx
	s.mu.Unlock()
	if tab == nil {
		return errors.New("no tab focused")
	}
	opCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

func (s *Surface) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.DebugURL+path, nil)
	if err != nil {
		return fmt.Errorf("devtools request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("devtools %s unreachable: %w", s.cfg.DebugURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools %s%s: status %d", s.cfg.DebugURL, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode devtools %s: %w", path, err)
	}
	return nil
}

// PickTarget selects the page for endpoint: the first page on the endpoint's
// host, else the first page. navigate is set when the chosen page is blank or
// on another host. found is false when there is no page at all.
func PickTarget(targets []Target, endpoint string) (t Target, found, navigate bool) {
	var first *Target
	for i := range targets {
		if targets[i].Type != "page" {
			continue
		}
		if first == nil {
			first = &targets[i]
		}
		if SameHost(targets[i].URL, endpoint) {
			return targets[i], true, false
		}
	}
	if first == nil {
		return Target{}, false, true
	}
	return *first, true, true
}

// SameHost reports whether a and b parse as URLs with the same host name.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Hostname() == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}
