// Package channeltest provides scripted AnswerChannel and Surface doubles.
package channeltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msageha/webrelay/internal/channel"
)

// Reply is one scripted exchange outcome.
type Reply struct {
	Text     string
	Complete bool
	Handle   string
	Err      error
	Delay    time.Duration
	Panic    any
}

// Channel is an AnswerChannel that answers from a script. When the script is
// exhausted the last reply repeats. It records every prompt and the peak
// number of concurrent exchanges.
type Channel struct {
	Name string

	mu          sync.Mutex
	replies     []Reply
	prompts     []string
	inflight    int
	maxInflight int
	spans       [][2]time.Time
}

var _ channel.AnswerChannel = (*Channel)(nil)

// NewChannel scripts replies in order.
func NewChannel(replies ...Reply) *Channel {
	return &Channel{Name: "scripted", replies: replies}
}

// Complete is a shorthand for a reply that completed with text.
func Complete(text string) Reply {
	return Reply{Text: text, Complete: true, Handle: "test://conversation"}
}

func (c *Channel) Backend() string { return c.Name }

func (c *Channel) Exchange(ctx context.Context, prompt string) (channel.Exchange, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	var r Reply
	if len(c.replies) > 0 {
		r = c.replies[0]
		if len(c.replies) > 1 {
			c.replies = c.replies[1:]
		}
	}
	c.mu.Unlock()

	started := time.Now()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.spans = append(c.spans, [2]time.Time{started, time.Now()})
		c.mu.Unlock()
	}()

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if r.Panic != nil {
		panic(r.Panic)
	}
	if r.Err != nil {
		return channel.Exchange{Handle: r.Handle}, r.Err
	}
	return channel.Exchange{Text: r.Text, Handle: r.Handle, Complete: r.Complete}, nil
}

// Prompts returns every prompt received, in order.
func (c *Channel) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// MaxInflight is the largest number of exchanges that ran at once.
func (c *Channel) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

// Overlapping reports whether any two recorded exchanges overlapped in time.
func (c *Channel) Overlapping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.spans {
		for j := i + 1; j < len(c.spans); j++ {
			a, b := c.spans[i], c.spans[j]
			if a[0].Before(b[1]) && b[0].Before(a[1]) {
				return true
			}
		}
	}
	return false
}

// ErrScripted is a generic failure for surface scripts.
var ErrScripted = errors.New("scripted failure")

// Surface is a Surface whose snapshots come from a script. Before Submit it
// shows Before; afterwards each Snapshot pops the next frame and the last
// frame repeats.
type Surface struct {
	ConnectErr  error
	FocusErr    error
	SubmitErr   error
	SnapshotErr error
	Before      channel.Snapshot
	HandleValue string

	mu        sync.Mutex
	frames    []channel.Snapshot
	submitted bool
	ops       []string
	typed     []string
	endpoint  string
	polls     int
}

var _ channel.Surface = (*Surface)(nil)

// NewSurface scripts post-submit snapshots.
func NewSurface(frames ...channel.Snapshot) *Surface {
	return &Surface{frames: frames, HandleValue: "test://conversation"}
}

// Text is a shorthand for an idle snapshot.
func Text(s string) channel.Snapshot { return channel.Snapshot{Text: s} }

// Snapshot builds a frame with an explicit generating flag.
func Snapshot(s string, generating bool) channel.Snapshot {
	return channel.Snapshot{Text: s, Generating: generating}
}

func (s *Surface) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *Surface) Connect(ctx context.Context) error {
	s.record("connect")
	return s.ConnectErr
}

func (s *Surface) Focus(ctx context.Context, endpoint string) error {
	s.record("focus")
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	return s.FocusErr
}

func (s *Surface) Clear(ctx context.Context) error {
	s.record("clear")
	return nil
}

func (s *Surface) Type(ctx context.Context, text string) error {
	s.record("type")
	s.mu.Lock()
	s.typed = append(s.typed, text)
	s.mu.Unlock()
	return nil
}

func (s *Surface) SoftNewline(ctx context.Context) error {
	s.record("newline")
	return nil
}

func (s *Surface) Submit(ctx context.Context) error {
	s.record("submit")
	if s.SubmitErr != nil {
		return s.SubmitErr
	}
	s.mu.Lock()
	s.submitted = true
	s.mu.Unlock()
	return nil
}

func (s *Surface) Snapshot(ctx context.Context) (channel.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.submitted {
		return s.Before, nil
	}
	s.polls++
	if s.SnapshotErr != nil {
		return channel.Snapshot{}, s.SnapshotErr
	}
	if len(s.frames) == 0 {
		return channel.Snapshot{}, nil
	}
	f := s.frames[0]
	if len(s.frames) > 1 {
		s.frames = s.frames[1:]
	}
	return f, nil
}

func (s *Surface) Handle() string { return s.HandleValue }

// Ops lists the surface operations in call order.
func (s *Surface) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Typed lists the text passed to Type.
func (s *Surface) Typed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed...)
}

// Endpoint is the endpoint passed to Focus.
func (s *Surface) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Polls counts post-submit snapshots.
func (s *Surface) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}
