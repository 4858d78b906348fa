package dispatch

import (
	"context"
	"errors"
)

var (
	// ErrTransportClosed is returned by ReadEvents once the event stream has
	// ended for good. The dispatcher drains and stops without treating it as
	// a failure.
	ErrTransportClosed = errors.New("transport closed")

	// ErrIdentityNotFound is returned by ResolveIdentity when no account
	// with the bot's name exists.
	ErrIdentityNotFound = errors.New("bot identity not found")
)

// RawEvent is one JSON object from the transport event stream. Consumed
// fields are type, channel, text, user and the optional thread_ts.
type RawEvent []byte

// Payload is an outbound reply. A non-empty Blocks list is delivered as
// structured rich-message blocks, otherwise Text is delivered as plain text.
type Payload struct {
	Text   string
	Blocks []any
}

func (p Payload) HasBlocks() bool {
	return len(p.Blocks) > 0
}

// Sender delivers replies. Implementations must be safe for concurrent use,
// every pool worker sends through the same value.
type Sender interface {
	Send(ctx context.Context, channel, thread string, p Payload) error
}

// Transport is the chat platform client owned by a Dispatcher.
type Transport interface {
	Sender

	// ResolveIdentity returns the platform id of the account called name.
	ResolveIdentity(ctx context.Context, name string) (string, error)

	Connect(ctx context.Context) error

	// ReadEvents returns the next batch of raw events. It may block until
	// events arrive or ctx is done, and may return an empty batch.
	ReadEvents(ctx context.Context) ([]RawEvent, error)

	Close() error
}

// AuditSink records every dispatched command and returns the record id
// handed to the handler as Request.LogID.
type AuditSink interface {
	Record(ctx context.Context, requester, command string) (int64, error)
}

// ExceptionCallback is invoked with the error that ended the dispatch loop.
type ExceptionCallback func(ctx context.Context, err error)

// MentionToken is the literal text that addresses a message to botID.
func MentionToken(botID string) string {
	return "<@" + botID + ">"
}
