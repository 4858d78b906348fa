package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/logger"
)

const slackConnectTimeout = 30 * time.Second

// SlackTransport receives events over a Socket Mode connection and replies
// through the Web API.
type SlackTransport struct {
	api     *slack.Client
	socket  *socketmode.Client
	stream  *eventStream
	limiter *rate.Limiter

	ack func(socketmode.Request)

	readyOnce sync.Once
	ready     chan error

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSlackTransport builds a transport from cfg. Extra options are applied
// to the Web API client after the configured ones.
func NewSlackTransport(cfg config.SlackConfig, opts ...slack.Option) (*SlackTransport, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app token must start with xapp-")
	}

	apiOpts := append([]slack.Option{
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionDebug(cfg.Debug),
	}, opts...)
	api := slack.New(cfg.BotToken, apiOpts...)

	t := &SlackTransport{
		api:     api,
		socket:  socketmode.New(api, socketmode.OptionDebug(cfg.Debug)),
		stream:  newEventStream(),
		limiter: newSendLimiter(cfg.SendPerSecond),
		ready:   make(chan error, 1),
	}
	t.ack = func(req socketmode.Request) { t.socket.Ack(req) }
	return t, nil
}

// ResolveIdentity looks name up in the workspace member list. An empty name
// resolves to the user the bot token belongs to.
func (t *SlackTransport) ResolveIdentity(ctx context.Context, name string) (string, error) {
	if name == "" {
		resp, err := t.api.AuthTestContext(ctx)
		if err != nil {
			return "", fmt.Errorf("slack auth test: %w", err)
		}
		return resp.UserID, nil
	}

	users, err := t.api.GetUsersContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack users list: %w", err)
	}
	if id, ok := findSlackUserID(users, name); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", dispatch.ErrIdentityNotFound, name)
}

// findSlackUserID prefers an exact handle match over a display or real name
// match. Deleted accounts are ignored.
func findSlackUserID(users []slack.User, name string) (string, bool) {
	for _, u := range users {
		if !u.Deleted && u.Name == name {
			return u.ID, true
		}
	}
	for _, u := range users {
		if u.Deleted {
			continue
		}
		if u.Profile.DisplayName == name || u.RealName == name {
			return u.ID, true
		}
	}
	return "", false
}

// Connect opens the Socket Mode connection and waits for the handshake.
func (t *SlackTransport) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.pump(runCtx)
	go func() {
		err := t.socket.RunContext(runCtx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.ErrorCF("slack", "Socket mode connection ended", map[string]any{
			"error": err.Error(),
		})
		t.signalReady(err)
		t.stream.fail(fmt.Errorf("slack socket mode: %w", err))
	}()

	timer := time.NewTimer(slackConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-t.ready:
		if err != nil {
			cancel()
			return err
		}
		logger.InfoC("slack", "Socket mode connected")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-timer.C:
		cancel()
		return fmt.Errorf("slack socket mode: no connection after %s", slackConnectTimeout)
	}
}

func (t *SlackTransport) signalReady(err error) {
	t.readyOnce.Do(func() {
		t.ready <- err
	})
}

func (t *SlackTransport) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.socket.Events:
			if !ok {
				return
			}
			t.handleSocketEvent(ctx, evt)
		}
	}
}

func (t *SlackTransport) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		logger.DebugC("slack", "Connecting to socket mode")
	case socketmode.EventTypeConnected:
		t.signalReady(nil)
	case socketmode.EventTypeInvalidAuth:
		t.signalReady(fmt.Errorf("slack socket mode: invalid auth"))
	case socketmode.EventTypeConnectionError:
		logger.WarnCF("slack", "Socket mode connection error, retrying", map[string]any{
			"data": fmt.Sprint(evt.Data),
		})
	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return
		}
		t.ack(*evt.Request)

		raw, ok := innerSlackEvent(evt.Request.Payload)
		if !ok {
			return
		}
		if err := t.stream.publishRaw(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
			logger.WarnCF("slack", "Dropped event", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// innerSlackEvent returns the event object wrapped by an Events API envelope.
func innerSlackEvent(payload json.RawMessage) ([]byte, bool) {
	inner := gjson.GetBytes(payload, "event")
	if !inner.IsObject() {
		return nil, false
	}
	return []byte(inner.Raw), true
}

func (t *SlackTransport) ReadEvents(ctx context.Context) ([]dispatch.RawEvent, error) {
	return t.stream.ReadEvents(ctx)
}

func (t *SlackTransport) Send(ctx context.Context, channel, thread string, p dispatch.Payload) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	opts, err := slackMessageOptions(thread, p)
	if err != nil {
		return err
	}
	if _, _, err := t.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("slack post message: %w", err)
	}
	return nil
}

func slackMessageOptions(thread string, p dispatch.Payload) ([]slack.MsgOption, error) {
	text := p.Text
	if text == "" {
		text = PlainText(p)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}

	if p.HasBlocks() {
		blocks, err := toSlackBlocks(p.Blocks)
		if err != nil {
			return nil, err
		}
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	return opts, nil
}

// toSlackBlocks converts handler blocks, either slack.Block values or their
// JSON shaped maps, into Block Kit blocks.
func toSlackBlocks(blocks []any) ([]slack.Block, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("encode blocks: %w", err)
	}
	var set slack.Blocks
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return set.BlockSet, nil
}

func (t *SlackTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.stream.close()
	return nil
}

// NewSlackWebhookCallback posts the error that stopped the bot to an
// incoming webhook.
func NewSlackWebhookCallback(url, botName string) dispatch.ExceptionCallback {
	return func(ctx context.Context, err error) {
		msg := &slack.WebhookMessage{
			Text: fmt.Sprintf("*%s* stopped with an error:\n```%v```", botName, err),
		}
		if postErr := slack.PostWebhookContext(ctx, url, msg); postErr != nil {
			logger.ErrorCF("slack", "Exception webhook failed", map[string]any{
				"error": postErr.Error(),
			})
		}
	}
}

// newSendLimiter allows perSecond sends with a burst of one. Zero or less
// disables throttling.
func newSendLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
