package commands

import (
	"context"
	"fmt"
	"strings"
)

const (
	HelpName     = "HelpText"
	FallbackName = "WrongInput"

	// FallbackTrigger never appears as the first token of real input.
	FallbackTrigger = "\x00unrecognized"

	HelpBanner = "*Available commands*:\n"
)

// HelpTriggers select the built-in help definition.
var HelpTriggers = []string{"help", "list"}

func helpDefinition(r *Registry) Definition {
	return Definition{
		Name:     HelpName,
		Triggers: HelpTriggers,
		Handler: func(_ context.Context, req Request) (Response, error) {
			return req.Reply(r.Help()), nil
		},
	}
}

func fallbackDefinition() Definition {
	return Definition{
		Name:     FallbackName,
		Triggers: []string{FallbackTrigger},
		Handler: func(_ context.Context, req Request) (Response, error) {
			if req.Failure == "" {
				return req.Reply(WrongCommandMessage()), nil
			}
			return req.Reply(FailureMessage(req.Failure)), nil
		},
	}
}

// WrongCommandMessage is the reply to a command no trigger matched.
func WrongCommandMessage() string {
	return strings.Join([]string{
		"Wrong command!",
		fmt.Sprintf("Type `%s` or `%s` to show list of available commands.", HelpTriggers[0], HelpTriggers[1]),
	}, "\n")
}

// FailureMessage wraps an error report for the requester.
func FailureMessage(detail string) string {
	return "Oops, some error occurred.\n```" + detail + "```"
}

// FormatHelpMessage renders the banner followed by every non-empty help line.
func FormatHelpMessage(defs []Definition) string {
	var b strings.Builder
	b.WriteString(HelpBanner)
	for _, def := range defs {
		if def.Help == "" {
			continue
		}
		b.WriteString("\n\t")
		b.WriteString(def.Help)
	}
	return b.String()
}
