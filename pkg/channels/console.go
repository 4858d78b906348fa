package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/logger"
)

// ConsoleBotID is the bot id used by the console transport.
const ConsoleBotID = "UPICOBOT"

// lineReader is the part of *readline.Instance the console uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// ConsoleTransport drives the bot from a terminal. Every line is a message
// from the configured user; lines are addressed to the bot automatically
// unless they already mention someone.
type ConsoleTransport struct {
	config config.ConsoleConfig
	reader lineReader
	out    io.Writer
	stream *eventStream

	outMu     sync.Mutex
	closeOnce sync.Once
}

// NewConsoleTransport opens a readline prompt on the terminal. historyFile
// may be empty.
func NewConsoleTransport(cfg config.ConsoleConfig, historyFile string) (*ConsoleTransport, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[32mpicobot>\033[0m ",
		HistoryFile:     historyFile,
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open console: %w", err)
	}
	return newConsoleTransport(cfg, rl, rl.Stdout()), nil
}

func newConsoleTransport(cfg config.ConsoleConfig, reader lineReader, out io.Writer) *ConsoleTransport {
	if cfg.User == "" {
		cfg.User = "console"
	}
	if cfg.Channel == "" {
		cfg.Channel = "console"
	}
	return &ConsoleTransport{
		config: cfg,
		reader: reader,
		out:    out,
		stream: newEventStream(),
	}
}

func (t *ConsoleTransport) ResolveIdentity(context.Context, string) (string, error) {
	return ConsoleBotID, nil
}

// Connect starts reading lines. End of input or an interrupt closes the
// transport.
func (t *ConsoleTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	go t.readLoop()
	return nil
}

func (t *ConsoleTransport) readLoop() {
	defer t.stream.close()

	for {
		line, err := t.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				logger.WarnCF("console", "Read failed", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		ev := messageEvent{
			Channel: t.config.Channel,
			User:    t.config.User,
			Text:    addressLine(line),
		}
		if err := t.stream.publish(context.Background(), ev); err != nil {
			return
		}
	}
}

// addressLine prefixes line with the bot mention unless it already starts
// with a mention.
func addressLine(line string) string {
	if strings.HasPrefix(line, "<@") {
		return line
	}
	return dispatch.MentionToken(ConsoleBotID) + " " + line
}

func (t *ConsoleTransport) ReadEvents(ctx context.Context) ([]dispatch.RawEvent, error) {
	return t.stream.ReadEvents(ctx)
}

func (t *ConsoleTransport) Send(_ context.Context, _, _ string, p dispatch.Payload) error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	_, err := fmt.Fprintln(t.out, PlainText(p))
	return err
}

func (t *ConsoleTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.stream.close()
		err = t.reader.Close()
	})
	return err
}
