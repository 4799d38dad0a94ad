package command

import (
	"context"
	"errors"
	"strings"

	"github.com/you/twitch-bot/internal/state"
)

// Replier sends a chat reply to a message.
type Replier interface {
	Reply(ctx context.Context, to state.Message, text string) error
}

// Invocation describes one command use in chat.
type Invocation struct {
	// Command is the resolved primary name; Name is what the user typed.
	Command string
	Name    string
	Args    []string
	Message state.Message
	Channel state.Channel

	replier Replier
}

func NewInvocation(name string, args []string, msg state.Message, ch state.Channel, r Replier) *Invocation {
	return &Invocation{Name: name, Args: args, Message: msg, Channel: ch, replier: r}
}

// Reply answers the invoking message.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	if inv.replier == nil {
		return errors.New("command: invocation has no replier")
	}
	return inv.replier.Reply(ctx, inv.Message, text)
}

// Parse splits a chat line into a command name and arguments when it starts
// with prefix. The name keeps its original case.
func Parse(prefix, text string) (name string, args []string, ok bool) {
	if prefix == "" {
		return "", nil, false
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(text[len(prefix):])
	if len(fields) == 0 {
		return "", nil, false
	}
	// "! goal" is not a command.
	if strings.TrimLeft(text[len(prefix):], " \t") != text[len(prefix):] {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}
