// Package messaging defines the capability a managed session exposes: a
// client that can be started, emits lifecycle events, lists chats and sends
// messages. Implementations live elsewhere (see internal/wa); the connection
// manager and the engines only depend on this contract.
package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransport marks a failed network-bound call on a chat or client.
	ErrTransport = errors.New("transport failure")
	// ErrCrashed marks a failure after which the client can no longer be used.
	ErrCrashed = errors.New("automation crash")
	// ErrChatNotFound is returned when an address has no resolvable chat.
	ErrChatNotFound = errors.New("chat not found")
)

// Mode selects one of two start-up strategies. Self-heal restarts a crashed
// client under the other one.
type Mode int

const (
	ModeStandard Mode = iota
	ModeFallback
)

// Alternate returns the other mode.
func (m Mode) Alternate() Mode {
	if m == ModeStandard {
		return ModeFallback
	}
	return ModeStandard
}

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "standard"
}

// EventType enumerates client lifecycle events.
type EventType string

const (
	EventCodeIssued   EventType = "code_issued"
	EventReady        EventType = "ready"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Kind classifies an error event.
type Kind int

const (
	// KindTransient errors are logged; the client keeps running.
	KindTransient Kind = iota
	// KindCrash errors mean the client died and must be replaced.
	KindCrash
)

func (k Kind) String() string {
	if k == KindCrash {
		return "crash"
	}
	return "transient"
}

// Event is emitted by a Client to its Handler.
type Event struct {
	Type EventType
	// Code is the raw scannable payload for EventCodeIssued.
	Code string
	// Reason explains EventDisconnected.
	Reason string
	// Err and Kind describe EventError.
	Err  error
	Kind Kind
}

// Handler receives client events. It may be called from any goroutine.
type Handler func(Event)

// Message is one message of a chat, oldest first in RecentMessages results.
type Message struct {
	Timestamp    time.Time
	Body         string
	FromOperator bool
	IsGroup      bool
}

// Counterparty is the other side of a one-to-one chat.
type Counterparty struct {
	Address     string
	DisplayName string
}

// Chat is a handle to one conversation.
type Chat interface {
	ID() string
	IsGroup() bool
	// RecentMessages returns up to limit most recent messages ordered by
	// ascending timestamp.
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
	Counterparty(ctx context.Context) (Counterparty, error)
	Send(ctx context.Context, text string) error
}

// Client is one authenticated connection to the messaging network.
type Client interface {
	// Start begins connecting. Events are delivered to the Handler given to
	// the Factory; Start returns once the attempt is under way.
	Start(ctx context.Context) error
	// Stop tears the connection down and releases local resources. It does
	// not remove persisted authentication state.
	Stop() error
	Chats(ctx context.Context) ([]Chat, error)
	ChatByAddress(ctx context.Context, address string) (Chat, error)
}

// Factory builds a client for session id whose isolated state lives in dir.
type Factory func(id, dir string, mode Mode, handler Handler) (Client, error)

// Classify maps an error returned by a Client or Chat call onto an error
// kind. Deadline and cancellation errors are transient.
func Classify(err error) Kind {
	if errors.Is(err, ErrCrashed) {
		return KindCrash
	}
	return KindTransient
}
