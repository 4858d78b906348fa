package commands

import (
	"strings"
	"sync"
	"unicode"
)

// MatchPolicy decides how a command token is compared with triggers.
type MatchPolicy int

const (
	// MatchFold compares triggers case-insensitively.
	MatchFold MatchPolicy = iota
	// MatchExact requires the token and the trigger to be byte-equal.
	MatchExact
)

func (p MatchPolicy) String() string {
	if p == MatchExact {
		return "exact"
	}
	return "fold"
}

type Option func(*Registry)

// WithMatchPolicy sets the trigger comparison used by Resolve.
func WithMatchPolicy(policy MatchPolicy) Option {
	return func(r *Registry) {
		r.policy = policy
	}
}

// Registry maps trigger keywords to definitions. Definitions keep their
// registration order, which is both the resolution order and the help order.
//
// The help and fallback definitions are registered first by NewRegistry, so
// their triggers cannot be taken over by later registrations.
type Registry struct {
	mu     sync.RWMutex
	defs   []Definition
	names  map[string]int
	policy MatchPolicy
	frozen bool

	helpOnce sync.Once
	help     string
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		names: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.add(helpDefinition(r))
	r.add(fallbackDefinition())
	return r
}

// Register adds def to the registry. It fails with *DuplicateHandlerError
// when the name is taken, *InvalidHandlerError when the definition is
// malformed, and ErrRegistryFrozen after the registry was frozen. A failed
// registration leaves the registry unchanged.
func (r *Registry) Register(def Definition) error {
	if err := validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.names[def.Name]; exists {
		return &DuplicateHandlerError{Name: def.Name}
	}
	r.add(def)
	return nil
}

// MustRegister registers every definition and panics on the first error.
// It is meant for static registration at process start.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// add must be called with the lock held or before the registry is shared.
func (r *Registry) add(def Definition) {
	def.Triggers = append([]string(nil), def.Triggers...)
	r.names[def.Name] = len(r.defs)
	r.defs = append(r.defs, def)
}

func validate(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return &InvalidHandlerError{Reason: "name is empty"}
	}
	if def.Handler == nil {
		return &InvalidHandlerError{Name: name, Reason: "handler func is nil"}
	}
	if len(def.Triggers) == 0 {
		return &InvalidHandlerError{Name: name, Reason: "triggers must be a non-empty list of keywords"}
	}
	for _, trigger := range def.Triggers {
		if strings.TrimSpace(trigger) == "" {
			return &InvalidHandlerError{Name: name, Reason: "triggers contain an empty keyword"}
		}
		if strings.IndexFunc(trigger, unicode.IsSpace) >= 0 {
			return &InvalidHandlerError{Name: name, Reason: "trigger " + trigger + " contains whitespace"}
		}
	}
	return nil
}

// Freeze stops further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the definition selected by the first token of command.
// The first registered definition with a matching trigger wins; when no
// trigger matches, the fallback definition is returned.
func (r *Registry) Resolve(command string) Definition {
	token := firstToken(command)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if token != "" {
		for _, def := range r.defs {
			for _, trigger := range def.Triggers {
				if r.matches(trigger, token) {
					return def
				}
			}
		}
	}
	return r.defs[r.names[FallbackName]]
}

func (r *Registry) matches(trigger, token string) bool {
	if r.policy == MatchExact {
		return trigger == token
	}
	return strings.EqualFold(trigger, token)
}

// Fallback returns the definition used for unmatched commands and for
// reporting handler failures.
func (r *Registry) Fallback() Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[r.names[FallbackName]]
}

// lookup returns the definition registered under name.
func (r *Registry) lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.names[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Definition(nil), r.defs...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func (r *Registry) Policy() MatchPolicy {
	return r.policy
}

// Help returns the help text of every definition with non-empty help, in
// registration order. The text is built once; building it freezes the
// registry so the cached text can never go stale.
func (r *Registry) Help() string {
	r.helpOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frozen = true
		r.help = FormatHelpMessage(r.defs)
	})
	return r.help
}
