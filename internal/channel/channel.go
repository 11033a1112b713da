// Package channel drives an external answer-generating agent through an
// interactive surface and detects when its reply is complete.
package channel

import (
	"context"
)

// State is a position in the exchange state machine.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateFocusing         State = "focusing"
	StateSending          State = "sending"
	StateAwaitingResponse State = "awaiting_response"
	StateStabilizing      State = "stabilizing"
	StateComplete         State = "complete"
	StateTimedOut         State = "timed_out"
	StateFailed           State = "failed"
)

// Exchange is the outcome of one prompt/reply round trip. Complete is false
// when the hard timeout fired; Text then holds the latest observed reply.
type Exchange struct {
	Text     string
	Handle   string
	Complete bool
}

// AnswerChannel sends one prompt and waits for the reply. Implementations are
// used by a single goroutine at a time.
type AnswerChannel interface {
	Exchange(ctx context.Context, prompt string) (Exchange, error)
	Backend() string
}

// Snapshot is what a surface shows at one poll.
type Snapshot struct {
	Text       string
	Generating bool
	// Replies counts the agent messages on screen; 0 when the surface cannot
	// count them.
	Replies int
}

// Surface is the keystroke-level view of the agent UI: a browser tab or a
// terminal pane.
type Surface interface {
	// Connect attaches to an already running process. It never spawns one.
	Connect(ctx context.Context) error
	// Focus selects the conversation for endpoint, creating it when absent.
	Focus(ctx context.Context, endpoint string) error
	Clear(ctx context.Context) error
	Type(ctx context.Context, text string) error
	// SoftNewline inserts a line break without submitting.
	SoftNewline(ctx context.Context) error
	Submit(ctx context.Context) error
	// Snapshot returns the latest reply text and whether the agent is still
	// producing it.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Handle identifies the focused conversation, e.g. a tab URL.
	Handle() string
}

// Observer receives every state transition of an exchange.
type Observer func(from, to State)
