package projection

import (
	"sync"

	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/observability"
)

type entityRecord struct {
	lastSeq int64
	deleted bool
}

// Buffer is the deduplication and ordering stage. It tracks, per topic, the
// last delivered sequence key of every entity and admits an event only when
// it advances that entity. Two transports reporting the same row therefore
// yield exactly one emitted event, and per-entity revisions are emitted in
// non-decreasing sequence order. No cross-entity ordering is attempted.
//
// Records live as long as the topic's subscription; Purge releases them.
type Buffer struct {
	mu      sync.Mutex
	monitor *observability.Monitor
	topics  map[string]map[string]entityRecord
}

func NewBuffer(monitor *observability.Monitor) *Buffer {
	return &Buffer{
		monitor: monitor,
		topics:  make(map[string]map[string]entityRecord),
	}
}

// Admit decides emit (true) or drop (false) for one normalized event.
//
// Deletion is terminal: a delete is admitted even when its nominal sequence
// key does not exceed the recorded one, and afterwards every further event
// for that entity is dropped. Re-creation uses a new entity id, never reuse.
func (b *Buffer) Admit(e event.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entities, ok := b.topics[e.Topic.Key()]
	if !ok {
		entities = make(map[string]entityRecord)
		b.topics[e.Topic.Key()] = entities
	}

	rec, seen := entities[e.EntityID]
	if rec.deleted {
		b.monitor.DuplicateDropped()
		return false
	}

	if e.Kind == event.MessageDeleted {
		rec.deleted = true
		rec.lastSeq = max(rec.lastSeq, e.SequenceKey)
		entities[e.EntityID] = rec
		return true
	}

	if seen && e.SequenceKey <= rec.lastSeq {
		b.monitor.DuplicateDropped()
		return false
	}

	rec.lastSeq = e.SequenceKey
	entities[e.EntityID] = rec
	return true
}

// Purge drops all records for a topic. Called when its subscription closes.
func (b *Buffer) Purge(topic domain.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, topic.Key())
}

// TrackedEntities reports how many entities the buffer remembers for a topic.
func (b *Buffer) TrackedEntities(topic domain.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic.Key()])
}
