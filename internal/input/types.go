// Package input defines the keystroke payloads handed to the injection companion.
package input

import (
	"context"
	"fmt"
	"strings"
)

// Separator joins the target identifier and the payload of an action sequence.
const Separator = "="

// ActionSequence is a batch of simulated input addressed to a target window.
// The relay never interprets Payload; it is carried verbatim.
type ActionSequence struct {
	Target  string `json:"target"`  // window title or other target identifier
	Payload string `json:"payload"` // keystroke script understood by the companion
}

// String renders the queue form, <target>=<payload>.
func (a ActionSequence) String() string {
	return a.Target + Separator + a.Payload
}

// ParseActionSequence splits a queued item on its first separator. Anything
// after the first "=" belongs to the payload.
func ParseActionSequence(s string) (ActionSequence, error) {
	target, payload, ok := strings.Cut(s, Separator)
	if !ok {
		return ActionSequence{}, fmt.Errorf("action sequence %q: missing %q separator", s, Separator)
	}
	return ActionSequence{Target: target, Payload: payload}, nil
}

// Sender hands action sequences to whatever relays them to the companion.
type Sender interface {
	Send(ctx context.Context, seq ActionSequence) error
}

// Poller retrieves the next pending action sequence, reporting false when none
// is waiting.
type Poller interface {
	Poll(ctx context.Context) (ActionSequence, bool, error)
}
