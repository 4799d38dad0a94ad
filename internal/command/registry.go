// Package command maps chat command names and aliases to handlers.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

var (
	ErrEmptyName = errors.New("command: name is empty")
	ErrConflict  = errors.New("command: name already registered")
)

// Outcome classifies a dispatch.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeUnknown
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// HandlerError wraps an error returned by, or a panic raised in, a handler.
type HandlerError struct {
	Command string
	Err     error
	Panic   any
	Stack   []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("command %q panicked: %v", e.Command, e.Panic)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Handler runs one command. inv is whatever the caller dispatches with; the
// bot passes an *Invocation describing the chat message.
type Handler func(ctx context.Context, inv *Invocation) error

type registration struct {
	name    string
	aliases []string
	handler Handler
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*registration)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a command under its primary name and aliases. Any name that
// collides with an existing name or alias is rejected and nothing is added.
func (r *Registry) Register(name string, aliases []string, h Handler) error {
	primary := normalize(name)
	if primary == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("command: %q has no handler", primary)
	}

	reg := &registration{name: primary, handler: h}
	names := []string{primary}
	seen := map[string]struct{}{primary: {}}
	for _, a := range aliases {
		a = normalize(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		reg.aliases = append(reg.aliases, a)
		names = append(names, a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if existing, ok := r.byName[n]; ok {
			return fmt.Errorf("%w: %q (owned by %q)", ErrConflict, n, existing.name)
		}
	}
	for _, n := range names {
		r.byName[n] = reg
	}
	return nil
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[normalize(name)]
	return ok
}

// Names returns the primary names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.byName))
	for _, reg := range r.byName {
		if _, ok := seen[reg.name]; ok {
			continue
		}
		seen[reg.name] = struct{}{}
		out = append(out, reg.name)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the handler registered under name. Unknown names report
// OutcomeUnknown with a nil error. Handler errors and panics report
// OutcomeFailed with a *HandlerError; they never escape as panics.
func (r *Registry) Invoke(ctx context.Context, name string, inv *Invocation) (out Outcome, err error) {
	r.mu.RLock()
	reg, ok := r.byName[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return OutcomeUnknown, nil
	}

	if inv != nil {
		inv.Command = reg.name
	}

	defer func() {
		if p := recover(); p != nil {
			out = OutcomeFailed
			err = &HandlerError{Command: reg.name, Panic: p, Stack: debug.Stack()}
		}
	}()

	if herr := reg.handler(ctx, inv); herr != nil {
		return OutcomeFailed, &HandlerError{Command: reg.name, Err: herr}
	}
	return OutcomeHandled, nil
}
