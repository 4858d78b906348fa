// Package handlers contains the commands picobot ships with.
package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/sipeed/picobot/pkg/audit"
	"github.com/sipeed/picobot/pkg/commands"
)

const (
	defaultHistory = 5
	maxHistory     = 20

	defaultExport = 100
	maxExport     = 1000
)

// CallLog is the part of the audit store the history command uses.
type CallLog interface {
	Recent(ctx context.Context, requester string, limit int) ([]audit.Entry, error)
	ArchiveKey(ctx context.Context, requestType, ext string) (string, error)
	SetArchivedPath(ctx context.Context, id int64, path string) error
}

// Register adds the bundled commands to r. The history command is only
// registered when calls is not nil; exports are written below archiveDir.
func Register(r *commands.Registry, calls CallLog, archiveDir string) error {
	defs := []commands.Definition{Ping(), Echo()}
	if calls != nil {
		defs = append(defs, History(calls, archiveDir))
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func helpLine(triggers []string, text string) string {
	return fmt.Sprintf("*%s*: %s", strings.Join(triggers, "/"), text)
}

// Ping answers liveness checks.
func Ping() commands.Definition {
	triggers := []string{"test", "ping"}
	return commands.Definition{
		Name:     "TestResponse",
		Triggers: triggers,
		Help:     helpLine(triggers, "check that I'm alive."),
		Handler: func(_ context.Context, req commands.Request) (commands.Response, error) {
			return req.Reply(fmt.Sprintf("Thanks for testing me <@%s>! I'm alive and well.", req.Requester)), nil
		},
	}
}

// Echo repeats its arguments as a Block Kit message.
func Echo() commands.Definition {
	triggers := []string{"echo", "say"}
	return commands.Definition{
		Name:     "Echo",
		Triggers: triggers,
		Help:     helpLine(triggers, "repeat the rest of the message."),
		Handler: func(_ context.Context, req commands.Request) (commands.Response, error) {
			text := req.Args()
			if text == "" {
				return req.Reply("Nothing to echo. Try `echo hello`."), nil
			}

			footer := fmt.Sprintf("requested by <@%s>", req.Requester)
			if req.LogID > 0 {
				footer += fmt.Sprintf(" | call #%d", req.LogID)
			}
			return req.ReplyBlocks(
				slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
				slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, footer, false, false)),
			), nil
		},
	}
}

// History lists the requester's most recent commands from the call log.
// "history export" writes them to a CSV file under archiveDir and links the
// file to the current call.
func History(calls CallLog, archiveDir string) commands.Definition {
	triggers := []string{"history"}
	return commands.Definition{
		Name:     "History",
		Triggers: triggers,
		Help: helpLine(triggers, fmt.Sprintf(
			"show your last commands, `history 10` for more (max %d), `history export` to save them as CSV.", maxHistory)),
		Handler: func(ctx context.Context, req commands.Request) (commands.Response, error) {
			args := strings.Fields(req.Args())
			if len(args) > 0 && strings.EqualFold(args[0], "export") {
				return exportHistory(ctx, calls, archiveDir, req, strings.Join(args[1:], " "))
			}

			limit, err := historyLimit(req.Args())
			if err != nil {
				return commands.Response{}, err
			}
			entries, err := earlierCalls(ctx, calls, req, limit)
			if err != nil {
				return commands.Response{}, err
			}
			if len(entries) == 0 {
				return req.Reply("No earlier commands from you yet."), nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Your last %d command(s):", len(entries))
			for _, e := range entries {
				fmt.Fprintf(&b, "\n• `%s` at %s", e.Message, e.Created.Format(time.DateTime))
			}
			return req.Reply(b.String()), nil
		},
	}
}

// earlierCalls returns up to limit of the requester's calls, skipping the
// one being handled.
func earlierCalls(ctx context.Context, calls CallLog, req commands.Request, limit int) ([]audit.Entry, error) {
	// The current call is already logged, fetch one more and skip it.
	entries, err := calls.Recent(ctx, req.Requester, limit+1)
	if err != nil {
		return nil, fmt.Errorf("read call log: %w", err)
	}
	entries = dropEntry(entries, req.LogID)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func exportHistory(ctx context.Context, calls CallLog, archiveDir string, req commands.Request, args string) (commands.Response, error) {
	if archiveDir == "" {
		return req.Reply("History export is not enabled."), nil
	}
	limit, err := parseLimit(args, defaultExport, maxExport)
	if err != nil {
		return commands.Response{}, err
	}
	entries, err := earlierCalls(ctx, calls, req, limit)
	if err != nil {
		return commands.Response{}, err
	}
	if len(entries) == 0 {
		return req.Reply("No earlier commands from you yet."), nil
	}

	key, err := calls.ArchiveKey(ctx, "history", "csv")
	if err != nil {
		return commands.Response{}, fmt.Errorf("pick export key: %w", err)
	}
	if err := writeHistoryCSV(filepath.Join(archiveDir, filepath.FromSlash(key)), entries); err != nil {
		return commands.Response{}, fmt.Errorf("write history export: %w", err)
	}
	if req.LogID > 0 {
		if err := calls.SetArchivedPath(ctx, req.LogID, key); err != nil {
			return commands.Response{}, fmt.Errorf("link export to call %d: %w", req.LogID, err)
		}
	}
	return req.Reply(fmt.Sprintf("Exported %d command(s) to `%s`.", len(entries), key)), nil
}

func writeHistoryCSV(path string, entries []audit.Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{"id", "created", "message"})
	for _, e := range entries {
		_ = w.Write([]string{strconv.FormatInt(e.ID, 10), e.Created.Format(time.RFC3339), e.Message})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func historyLimit(args string) (int, error) {
	return parseLimit(args, defaultHistory, maxHistory)
}

func parseLimit(args string, def, limit int) (int, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("history expects a positive number, got %q", args)
	}
	return min(n, limit), nil
}

func dropEntry(entries []audit.Entry, id int64) []audit.Entry {
	if id == 0 {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
