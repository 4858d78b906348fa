package channels

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"

	"github.com/sipeed/picobot/pkg/dispatch"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   dispatch.Payload
		want string
	}{
		{
			name: "text only",
			in:   dispatch.Payload{Text: "pong"},
			want: "pong",
		},
		{
			name: "json shaped blocks",
			in: dispatch.Payload{Blocks: []any{
				map[string]any{"type": "header", "text": map[string]any{"type": "plain_text", "text": "Report"}},
				map[string]any{"type": "divider"},
				map[string]any{"type": "section", "fields": []any{
					map[string]any{"type": "mrkdwn", "text": "*a*"},
					map[string]any{"type": "mrkdwn", "text": "*b*"},
				}},
				map[string]any{"type": "context", "elements": []any{
					map[string]any{"type": "mrkdwn", "text": "by"},
					map[string]any{"type": "mrkdwn", "text": "picobot"},
				}},
				map[string]any{"type": "image", "image_url": "https://example.com/x.png", "alt_text": "chart"},
			}},
			want: "Report\n---\n*a*\n*b*\nby picobot\n[chart]",
		},
		{
			name: "slack blocks",
			in: dispatch.Payload{Blocks: []any{
				slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "hello", false, false), nil, nil),
			}},
			want: "hello",
		},
		{
			name: "unreadable blocks fall back to text",
			in: dispatch.Payload{
				Text:   "fallback",
				Blocks: []any{map[string]any{"type": "actions"}},
			},
			want: "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.in))
		})
	}
}
