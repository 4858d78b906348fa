package commands

import (
	"errors"
	"fmt"
)

// ErrRegistryFrozen is returned by Register once the help text has been
// built or the registry was frozen by the dispatcher.
var ErrRegistryFrozen = errors.New("command registry is frozen")

// DuplicateHandlerError is returned when a definition name is already taken.
type DuplicateHandlerError struct {
	Name string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler name %q is used by two or more definitions, it must be unique", e.Name)
}

// InvalidHandlerError is returned when a definition has the wrong shape.
type InvalidHandlerError struct {
	Name   string
	Reason string
}

func (e *InvalidHandlerError) Error() string {
	if e.Name == "" {
		return "invalid handler: " + e.Reason
	}
	return fmt.Sprintf("invalid handler %q: %s", e.Name, e.Reason)
}
