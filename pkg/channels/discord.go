package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second

	// discordMessageLimit stays under Discord's 2000 character cap so a
	// closing code fence can still be appended.
	discordMessageLimit = 1500

	emptyReplyPlaceholder = "(empty reply)"
)

// nicknameMention matches the legacy <@!id> mention form.
var nicknameMention = regexp.MustCompile(`<@!(\d+)>`)

// DiscordTransport receives messages through the Discord gateway. Each
// message id doubles as the thread so replies reference the command that
// triggered them.
type DiscordTransport struct {
	session *discordgo.Session
	stream  *eventStream
	limiter *rate.Limiter
	botID   string
}

func NewDiscordTransport(cfg config.DiscordConfig) (*DiscordTransport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordTransport{
		session: session,
		stream:  newEventStream(),
		limiter: newSendLimiter(cfg.SendPerSecond),
	}, nil
}

// ResolveIdentity returns the id of the account owning the bot token. A
// configured name that differs from the account's username is only logged.
func (t *DiscordTransport) ResolveIdentity(ctx context.Context, name string) (string, error) {
	user, err := t.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to get discord bot user: %w", err)
	}
	if user == nil || user.ID == "" {
		return "", dispatch.ErrIdentityNotFound
	}
	if name != "" && !strings.EqualFold(user.Username, name) {
		logger.WarnCF("discord", "Bot token belongs to a different account", map[string]any{
			"configured": name,
			"username":   user.Username,
		})
	}
	t.botID = user.ID
	return user.ID, nil
}

func (t *DiscordTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.session.AddHandler(t.handleMessage)
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"bot_id": t.botID,
	})
	return nil
}

func (t *DiscordTransport) ReadEvents(ctx context.Context) ([]dispatch.RawEvent, error) {
	return t.stream.ReadEvents(ctx)
}

func (t *DiscordTransport) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	ev := messageEvent{
		Channel: m.ChannelID,
		Thread:  m.ID,
		User:    m.Author.ID,
		Text:    normalizeMentions(m.Content),
	}
	if err := t.stream.publish(context.Background(), ev); err != nil {
		logger.WarnCF("discord", "Dropped message", map[string]any{
			"channel_id": m.ChannelID,
			"error":      err.Error(),
		})
	}
}

// normalizeMentions rewrites <@!id> mentions to <@id>.
func normalizeMentions(content string) string {
	return nicknameMention.ReplaceAllString(content, "<@$1>")
}

// Send delivers p as one or more messages. The first chunk replies to the
// message named by thread.
func (t *DiscordTransport) Send(ctx context.Context, channel, thread string, p dispatch.Payload) error {
	for i, chunk := range splitMessage(discordContent(p), discordMessageLimit) {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 && thread != "" {
			msg.Reference = &discordgo.MessageReference{
				MessageID: thread,
				ChannelID: channel,
			}
		}
		if err := t.sendChunk(ctx, channel, msg); err != nil {
			return err
		}
	}
	return nil
}

// discordContent is the message text for p. Discord rejects empty messages,
// so an empty reply is sent as a placeholder.
func discordContent(p dispatch.Payload) string {
	if content := PlainText(p); strings.TrimSpace(content) != "" {
		return content
	}
	return emptyReplyPlaceholder
}

func (t *DiscordTransport) sendChunk(ctx context.Context, channel string, msg *discordgo.MessageSend) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := t.limiter.Wait(sendCtx); err != nil {
		return fmt.Errorf("send message throttled: %w", err)
	}
	if _, err := t.session.ChannelMessageSendComplex(channel, msg, discordgo.WithContext(sendCtx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("send message timeout: %w", err)
		}
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func (t *DiscordTransport) Close() error {
	t.stream.close()
	if err := t.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// splitMessage splits long messages into chunks, preserving code block
// integrity. Uses rune counts so multi-byte characters are never cut.
func splitMessage(content string, limit int) []string {
	var messages []string
	runes := []rune(content)

	for len(runes) > 0 {
		if len(runes) <= limit {
			messages = append(messages, string(runes))
			break
		}

		msgEnd := findLastRuneNewline(runes[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastRuneSpace(runes[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		// Avoid ending a chunk inside a code block.
		if open := findLastUnclosedCodeBlockRune(runes[:msgEnd]); open >= 0 {
			extendedLimit := limit + 400
			if len(runes) > extendedLimit {
				closing := findNextClosingCodeBlockRune(runes, msgEnd)
				if closing > 0 && closing <= extendedLimit {
					msgEnd = closing
				} else {
					msgEnd = findLastRuneNewline(runes[:open], 200)
					if msgEnd <= 0 {
						msgEnd = findLastRuneSpace(runes[:open], 100)
					}
					if msgEnd <= 0 {
						msgEnd = open
					}
				}
			} else {
				msgEnd = len(runes)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, string(runes[:msgEnd]))
		runes = []rune(strings.TrimSpace(string(runes[msgEnd:])))
	}

	return messages
}

// findLastUnclosedCodeBlockRune returns the index of the last opening ```
// that has no closing fence, or -1.
func findLastUnclosedCodeBlockRune(runes []rune) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i < len(runes); i++ {
		if isFence(runes, i) {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlockRune returns the position just past the next ```
// at or after startIdx, including one trailing newline, or -1.
func findNextClosingCodeBlockRune(runes []rune, startIdx int) int {
	for i := startIdx; i < len(runes); i++ {
		if isFence(runes, i) {
			end := i + 3
			if end < len(runes) && runes[end] == '\n' {
				end++
			}
			return end
		}
	}
	return -1
}

func isFence(runes []rune, i int) bool {
	return i+2 < len(runes) && runes[i] == '`' && runes[i+1] == '`' && runes[i+2] == '`'
}

func findLastRuneNewline(runes []rune, searchWindow int) int {
	searchStart := max(len(runes)-searchWindow, 0)
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastRuneSpace(runes []rune, searchWindow int) int {
	searchStart := max(len(runes)-searchWindow, 0)
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i
		}
	}
	return -1
}
