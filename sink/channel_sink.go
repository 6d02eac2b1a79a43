package sink

import (
	"context"
	"iter"
	"sync"

	"chat-relay/domain/event"
)

// Channel is the pull-based alternative to Callback: events are buffered on
// a channel and consumed through an iterator. The stream is infinite until
// Close; a closed stream is restarted only by subscribing again.
type Channel struct {
	events    chan event.Event
	closeOnce sync.Once
	done      chan struct{}
}

func NewChannel(bufferSize int) *Channel {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Channel{
		events: make(chan event.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Consume implements contract.EventSink. It blocks until the consumer takes
// the event or ctx expires; the fanout bounds ctx with its sink timeout, so a
// stalled reader delays but never wedges delivery.
func (c *Channel) Consume(ctx context.Context, e event.Event) error {
	select {
	case c.events <- e:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All iterates over delivered events until Close or until the consumer
// breaks out of the loop.
func (c *Channel) All() iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for {
			select {
			case e := <-c.events:
				if !yield(e) {
					return
				}
			case <-c.done:
				return
			}
		}
	}
}

// Close ends the stream. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
