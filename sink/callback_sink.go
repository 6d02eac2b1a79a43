// Package sink provides EventSink implementations bridging the fanout to
// consumer code: a callback wrapper and a channel-backed pull stream.
package sink

import (
	"context"

	"chat-relay/domain/event"
)

// Callback adapts a plain function to the EventSink contract. This is the
// primary delivery style: the facade invokes the UI's callback once per
// logical event.
type Callback struct {
	fn func(e event.Event)
}

func NewCallback(fn func(e event.Event)) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Consume(_ context.Context, e event.Event) error {
	c.fn(e)
	return nil
}
