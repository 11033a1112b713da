package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/model"
)

// jsonEndRe matches a reply ending in a closed JSON object whose last member
// is an array of objects, e.g. `..."new_jobs":[{...}]}`.
var jsonEndRe = regexp.MustCompile(`\}\s*\]\s*\}\s*$`)

// Config holds the completion-detection settings.
type Config struct {
	Endpoint     string
	Sentinel     string
	PollInterval time.Duration
	Timeout      time.Duration
	StableCount  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.StableCount <= 0 {
		c.StableCount = 4
	}
	return c
}

// Driver is the AnswerChannel shared by every surface: it runs the
// connect/focus/send/poll state machine on top of a Surface.
type Driver struct {
	surface  Surface
	backend  string
	cfg      Config
	logger   zerolog.Logger
	observer Observer

	mu    sync.Mutex
	state State
}

// Option customises a Driver.
type Option func(*Driver)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithObserver registers fn for every state transition. Multiple observers
// are called in registration order.
func WithObserver(fn Observer) Option {
	return func(d *Driver) {
		prev := d.observer
		if prev == nil {
			d.observer = fn
			return
		}
		d.observer = func(from, to State) {
			prev(from, to)
			fn(from, to)
		}
	}
}

// NewDriver returns an AnswerChannel over surface. backend names the surface
// in results ("browser", "terminal").
func NewDriver(surface Surface, backend string, cfg Config, opts ...Option) *Driver {
	d := &Driver{
		surface: surface,
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  zerolog.Nop(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Backend() string { return d.backend }

// State returns the current state, StateIdle between exchanges.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) transition(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()
	d.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("exchange_state")
	if d.observer != nil {
		d.observer(from, to)
	}
}

// Exchange types prompt into the surface and waits for a complete reply. A
// timeout is not an error: the latest text comes back with Complete=false.
// Cancelling ctx aborts the exchange only before the prompt is sent.
func (d *Driver) Exchange(ctx context.Context, prompt string) (Exchange, error) {
	defer d.transition(StateIdle)

	d.transition(StateConnecting)
	if err := ctx.Err(); err != nil {
		d.transition(StateFailed)
		return Exchange{}, err
	}
	if err := d.surface.Connect(ctx); err != nil {
		d.transition(StateFailed)
		return Exchange{}, &model.ConnectivityError{Stage: "connect", Endpoint: d.cfg.Endpoint, Err: err}
	}

	d.transition(StateFocusing)
	if err := d.surface.Focus(ctx, d.cfg.Endpoint); err != nil {
		d.transition(StateFailed)
		return Exchange{}, &model.ConnectivityError{Stage: "focus", Endpoint: d.cfg.Endpoint, Err: err}
	}
	ex := Exchange{Handle: d.surface.Handle()}

	// The last reply already on screen must not count as the new one.
	var baseline Snapshot
	if snap, err := d.surface.Snapshot(ctx); err == nil {
		baseline = snap
		baseline.Text = strings.TrimSpace(snap.Text)
	}

	if err := ctx.Err(); err != nil {
		d.transition(StateFailed)
		return ex, err
	}

	d.transition(StateSending)
	// From here on the exchange runs to completion or timeout.
	runCtx := context.WithoutCancel(ctx)
	if err := d.send(runCtx, prompt); err != nil {
		d.transition(StateFailed)
		return ex, fmt.Errorf("send prompt: %w", err)
	}

	d.transition(StateAwaitingResponse)
	ex = d.await(runCtx, baseline, ex)
	if h := d.surface.Handle(); h != "" {
		ex.Handle = h
	}
	if ex.Complete {
		d.transition(StateComplete)
	} else {
		d.transition(StateTimedOut)
	}
	return ex, nil
}

// send clears the composer and types prompt line by line, joined by soft
// newlines, then submits.
func (d *Driver) send(ctx context.Context, prompt string) error {
	if err := d.surface.Clear(ctx); err != nil {
		return fmt.Errorf("clear composer: %w", err)
	}
	lines := SplitPrompt(prompt)
	for i, line := range lines {
		if line != "" {
			if err := d.surface.Type(ctx, line); err != nil {
				return fmt.Errorf("type line %d: %w", i+1, err)
			}
		}
		if i < len(lines)-1 {
			if err := d.surface.SoftNewline(ctx); err != nil {
				return fmt.Errorf("soft newline after line %d: %w", i+1, err)
			}
		}
	}
	if err := d.surface.Submit(ctx); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	d.logger.Info().Int("lines", len(lines)).Int("chars", len(prompt)).Msg("prompt_sent")
	return nil
}

// await polls until a completion rule fires or the timeout elapses. Text equal
// to the baseline is only taken as the reply once the surface shows it is a
// new message: a higher reply count, a change since submit, or a generation
// that has finished.
func (d *Driver) await(ctx context.Context, baseline Snapshot, ex Exchange) Exchange {
	started := time.Now()
	last := ""
	stable := 0
	stabilizing := false
	changed := false
	sawGenerating := false

	for {
		if err := sleepCtx(ctx, d.cfg.PollInterval); err != nil {
			ex.Text = last
			return ex
		}

		snap, err := d.surface.Snapshot(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("snapshot_failed")
		} else {
			text := strings.TrimSpace(snap.Text)
			if text != baseline.Text {
				changed = true
			}
			if snap.Generating {
				sawGenerating = true
			}
			if text == baseline.Text {
				fresh := changed || snap.Replies > baseline.Replies || (sawGenerating && !snap.Generating)
				if !fresh {
					text = ""
				}
			}
			switch {
			case text == "":
			case text != last:
				last = text
				stable = 0
			default:
				stable++
			}
			if last != "" && !stabilizing {
				stabilizing = true
				d.transition(StateStabilizing)
			}
			if reason, ok := d.complete(last, stable, snap.Generating); ok {
				d.logger.Info().Str("rule", reason).Int("chars", len(last)).
					Dur("waited", time.Since(started)).Msg("reply_complete")
				ex.Text = last
				ex.Complete = true
				return ex
			}
		}

		if time.Since(started) >= d.cfg.Timeout {
			d.logger.Warn().Int("chars", len(last)).Dur("timeout", d.cfg.Timeout).Msg("reply_timed_out")
			ex.Text = last
			return ex
		}
	}
}

// complete applies the completion rules in order: sentinel suffix, closed
// JSON tail, then StableCount unchanged polls with no generation running.
func (d *Driver) complete(text string, stable int, generating bool) (string, bool) {
	if text == "" {
		return "", false
	}
	if d.cfg.Sentinel != "" && strings.HasSuffix(text, d.cfg.Sentinel) {
		return "sentinel", true
	}
	if jsonEndRe.MatchString(text) {
		return "json_end", true
	}
	if stable >= d.cfg.StableCount && !generating {
		return "stable", true
	}
	return "", false
}

// SplitPrompt normalises line endings, drops trailing newlines and splits the
// prompt into the lines typed between soft newlines.
func SplitPrompt(prompt string) []string {
	normalized := strings.ReplaceAll(prompt, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, "\n")
	return strings.Split(normalized, "\n")
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
