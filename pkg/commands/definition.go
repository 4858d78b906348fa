package commands

import (
	"context"
	"strings"
)

// HandlerFunc runs one command and returns where and what to reply.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Definition is a registered command handler. Definitions are copied on
// registration and never change afterwards.
type Definition struct {
	// Name identifies the handler. It must be unique within a Registry.
	Name string
	// Triggers are the keywords that select this handler when they appear
	// as the first token of an addressed command.
	Triggers []string
	// Help is shown by the help command. Empty help keeps the handler out
	// of the generated help text.
	Help    string
	Handler HandlerFunc
}

// Request carries one addressed command to a handler.
type Request struct {
	Channel   string
	Thread    string
	Command   string
	Requester string

	// LogID is the call log record of this command, 0 when no audit sink
	// is configured or recording failed.
	LogID  int64
	TaskID string

	// Failure is only set when the fallback handler reports an error
	// raised by another handler.
	Failure string
}

// Reply builds a plain text Response addressed back to the request origin.
func (r Request) Reply(text string) Response {
	return Response{Channel: r.Channel, Thread: r.Thread, Text: text}
}

// ReplyBlocks builds a rich-message Response addressed back to the request
// origin.
func (r Request) ReplyBlocks(blocks ...any) Response {
	return Response{Channel: r.Channel, Thread: r.Thread, Blocks: blocks}
}

// Args returns the command text without its trigger token.
func (r Request) Args() string {
	return commandArgs(r.Command)
}

// Response is a handler result. A non-empty Blocks list is delivered as
// structured blocks, otherwise Text is delivered as plain text.
type Response struct {
	Channel string
	Thread  string
	Text    string
	Blocks  []any
}

// HasBlocks reports whether the response is a structured block list.
func (r Response) HasBlocks() bool {
	return len(r.Blocks) > 0
}

func firstToken(input string) string {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func commandArgs(input string) string {
	trimmed := strings.TrimSpace(input)
	token := firstToken(trimmed)
	if token == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, token))
}
