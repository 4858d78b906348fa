package channels

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sipeed/picobot/pkg/dispatch"
)

// PlainText renders p for transports without rich blocks. Block text is
// extracted from section, header, context, image and divider blocks; when
// nothing readable is found the payload's Text is used.
func PlainText(p dispatch.Payload) string {
	if !p.HasBlocks() {
		return p.Text
	}
	data, err := json.Marshal(p.Blocks)
	if err != nil {
		return p.Text
	}

	var lines []string
	gjson.ParseBytes(data).ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "header", "section":
			if s := block.Get("text.text").String(); s != "" {
				lines = append(lines, s)
			}
			for _, f := range block.Get("fields.#.text").Array() {
				lines = append(lines, f.String())
			}
		case "context":
			var parts []string
			for _, e := range block.Get("elements.#.text").Array() {
				parts = append(parts, e.String())
			}
			if len(parts) > 0 {
				lines = append(lines, strings.Join(parts, " "))
			}
		case "image":
			if s := block.Get("alt_text").String(); s != "" {
				lines = append(lines, "["+s+"]")
			}
		case "divider":
			lines = append(lines, "---")
		}
		return true
	})

	if len(lines) == 0 {
		return p.Text
	}
	return strings.Join(lines, "\n")
}
