package dispatch

import (
	"strings"

	"github.com/tidwall/gjson"
)

const messageType = "message"

// Inbound is an addressed command extracted from a raw event.
type Inbound struct {
	Channel   string
	Thread    string
	Command   string
	Requester string
}

// ParseEvent extracts the command addressed to botID from raw. It reports
// false for anything that is not a well formed message mentioning botID,
// including messages written by the bot itself.
func ParseEvent(raw RawEvent, botID string) (Inbound, bool) {
	if botID == "" || !gjson.ValidBytes(raw) {
		return Inbound{}, false
	}

	fields := gjson.GetManyBytes(raw, "type", "channel", "text", "user", "thread_ts")
	eventType, channel, text, user, thread := fields[0], fields[1], fields[2], fields[3], fields[4]

	if eventType.String() != messageType {
		return Inbound{}, false
	}
	if channel.Type != gjson.String || channel.Str == "" {
		return Inbound{}, false
	}
	if text.Type != gjson.String || user.Type != gjson.String || user.Str == "" {
		return Inbound{}, false
	}
	if user.Str == botID {
		return Inbound{}, false
	}

	mention := MentionToken(botID)
	idx := strings.Index(text.Str, mention)
	if idx < 0 {
		return Inbound{}, false
	}

	return Inbound{
		Channel:   channel.Str,
		Thread:    thread.String(),
		Command:   strings.TrimSpace(text.Str[idx+len(mention):]),
		Requester: user.Str,
	}, true
}
