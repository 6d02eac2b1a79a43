// Package runtime owns subscription lifecycle: which consumers listen to
// which topic, which transports feed it, and in what state each topic is.
// It orchestrates delivery without containing domain rules.
package runtime

import (
	"sync"

	"github.com/samber/lo"

	"chat-relay/contract"
	"chat-relay/domain"
)

// Registry tracks the consumers of each topic. A topic's subscription is
// reference-counted through consumer ids: several UI consumers can share one
// topic, and the transports for it are torn down only when the last one
// leaves.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]map[string]contract.EventSink // topic key -> consumer id -> sink
}

func NewRegistry() *Registry {
	return &Registry{
		consumers: make(map[string]map[string]contract.EventSink),
	}
}

// SinksFor resolves the active sinks of a topic. Returns nil for a topic
// nobody listens to; the fanout then simply drops the event.
func (r *Registry) SinksFor(topic domain.Topic) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byConsumer, ok := r.consumers[topic.Key()]
	if !ok {
		return nil
	}
	return lo.Values(byConsumer)
}

// Subscribe registers a consumer's sink for a topic, initializing the topic
// entry on first use.
func (r *Registry) Subscribe(topic domain.Topic, consumerID string, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConsumer, ok := r.consumers[topic.Key()]
	if !ok {
		byConsumer = make(map[string]contract.EventSink)
		r.consumers[topic.Key()] = byConsumer
	}
	byConsumer[consumerID] = sink
}

// Unsubscribe removes one consumer and returns how many remain on the topic.
// Unknown consumers are a no-op; empty topic entries are removed so the map
// does not leak over time.
func (r *Registry) Unsubscribe(topic domain.Topic, consumerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConsumer, ok := r.consumers[topic.Key()]
	if !ok {
		return 0
	}
	delete(byConsumer, consumerID)

	remaining := len(byConsumer)
	if remaining == 0 {
		delete(r.consumers, topic.Key())
	}
	return remaining
}

func (r *Registry) Count(topic domain.Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers[topic.Key()])
}
