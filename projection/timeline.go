// Package projection builds local state from observed events.
// Handles ordering, deduplication, and timeline projections.
// Does not emit events or interact with UI directly.
package projection

import (
	"context"
	"slices"
	"sync"

	"chat-relay/domain"
	"chat-relay/domain/event"
)

// Timelines keeps a rolling per-topic view of the most recent delivered
// messages so a late-joining view can render without replaying the stream.
// It consumes already-admitted events, so it applies revisions blindly.
type Timelines struct {
	mu    sync.RWMutex
	limit int
	byKey map[string][]domain.Message
}

func NewTimelines(limit int) *Timelines {
	if limit <= 0 {
		limit = 100
	}
	return &Timelines{
		limit: limit,
		byKey: make(map[string][]domain.Message),
	}
}

// Consume implements contract.EventSink. Non-message kinds are ignored.
func (t *Timelines) Consume(_ context.Context, e event.Event) error {
	switch e.Kind {
	case event.MessageCreated, event.MessageUpdated:
		msg, err := e.Message()
		if err != nil {
			return err
		}
		t.apply(e.Topic, msg)
	case event.MessageDeleted:
		t.remove(e.Topic, e.EntityID)
	}
	return nil
}

func (t *Timelines) apply(topic domain.Topic, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	messages := t.byKey[topic.Key()]
	if i := slices.IndexFunc(messages, func(m domain.Message) bool { return m.ID == msg.ID }); i >= 0 {
		messages[i] = msg
	} else {
		messages = append(messages, msg)
		if len(messages) > t.limit {
			messages = messages[len(messages)-t.limit:]
		}
	}
	t.byKey[topic.Key()] = messages
}

func (t *Timelines) remove(topic domain.Topic, entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byKey[topic.Key()] = slices.DeleteFunc(t.byKey[topic.Key()], func(m domain.Message) bool {
		return m.ID == entityID
	})
}

// Recent returns up to limit of the newest messages for a topic, oldest
// first. A copy; callers may not mutate the projection through it.
func (t *Timelines) Recent(topic domain.Topic, limit int) []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	messages := t.byKey[topic.Key()]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return slices.Clone(messages)
}

// Drop releases the timeline of a closed topic.
func (t *Timelines) Drop(topic domain.Topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, topic.Key())
}
