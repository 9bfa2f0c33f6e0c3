// Package relay supervises the single relay into the destination room.
//
// The Supervisor is a state machine owned by one goroutine. Anything slow
// (resolving the source stream, destination API calls, spawning ffmpeg,
// waiting for it to exit, backoff timers) runs elsewhere and reports back as
// an Event that the owner feeds into Supervisor.Handle. At most one Session
// exists at any time.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/bilirelay/registry"
)

var (
	// ErrLaunchFailure wraps every error that kept a session from starting.
	ErrLaunchFailure = errors.New("relay launch failed")
	// ErrUnexpectedExit is reported when ffmpeg exits while the source is live.
	ErrUnexpectedExit = errors.New("relay exited unexpectedly")
	// ErrSessionActive rejects target changes while a relay is starting or running.
	ErrSessionActive = errors.New("relay session active")
	// ErrRetriesExhausted is the persistent failure after the retry ceiling.
	ErrRetriesExhausted = errors.New("relay retries exhausted")
	// ErrSuppressed rejects automatic targets for a channel that was cut off.
	ErrSuppressed = errors.New("channel suppressed")
)

// State of the supervisor.
type State int

const (
	Idle State = iota
	Candidate
	Starting
	Relaying
	Stopping
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Candidate:
		return "candidate"
	case Starting:
		return "starting"
	case Relaying:
		return "relaying"
	case Stopping:
		return "stopping"
	case Backoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Origin records who proposed a target.
type Origin int

const (
	// Auto targets come from a watched channel going live; CategoryID holds
	// the configured default for its platform.
	Auto Origin = iota
	// Command targets come from chat; Requested holds the category name.
	Command
)

func (o Origin) String() string {
	if o == Command {
		return "command"
	}
	return "auto"
}

// Target is what the destination room should be relaying.
type Target struct {
	Channel    registry.Channel
	Origin     Origin
	Requested  string
	CategoryID int
	Title      string
	Thumb      string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s area=%d", t.Channel.Platform.Short(), t.Channel.Name, t.CategoryID)
}

// Session is one ffmpeg invocation that reached the running state.
type Session struct {
	ID        string
	Target    Target
	StartedAt time.Time
	handle    Handle
}

// Transition is reported to observers on every state change.
type Transition struct {
	From   State
	To     State
	Target Target
	Reason string
	At     time.Time
}

// Observer receives supervisor notifications on the owner goroutine.
// Implementations must not block.
type Observer interface {
	OnTransition(Transition)
	OnSessionStart(Session)
	OnSessionEnd(s Session, err error, at time.Time)
	OnFailure(t Target, err error)
}

// Event is an asynchronous completion fed back into Supervisor.Handle.
type Event interface{ gen() uint64 }

type launched struct {
	g      uint64
	handle Handle
	err    error
}

type exited struct {
	g   uint64
	err error
}

type stopped struct{ g uint64 }

type retryDue struct{ g uint64 }

func (e launched) gen() uint64 { return e.g }
func (e exited) gen() uint64   { return e.g }
func (e stopped) gen() uint64  { return e.g }
func (e retryDue) gen() uint64 { return e.g }
