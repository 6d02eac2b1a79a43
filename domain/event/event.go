// Package event defines the canonical domain events of the realtime layer
// and the normalization from transport payloads into them.
package event

import (
	"encoding/json"
	"time"

	"chat-relay/domain"
)

type Kind string

const (
	MessageCreated Kind = "message_created"
	MessageUpdated Kind = "message_updated"
	MessageDeleted Kind = "message_deleted"
	MemberChanged  Kind = "member_changed"
	ReadReceipt    Kind = "read_receipt"
	RoomChanged    Kind = "room_changed"

	// Unknown carries payloads the normalizer could not classify. They pass
	// through the pipeline so a consumer can decide to ignore or log them.
	Unknown Kind = "unknown"
)

type TransportName string

const (
	TransportPushFeed TransportName = "push_feed"
	TransportSocket   TransportName = "socket"
	TransportStream   TransportName = "stream"
	TransportPolling  TransportName = "polling"
)

// Raw is a change notification as delivered by one transport, before
// normalization. Topic is set by the adapter when the transport is scoped to
// a single topic; multiplexed transports carry the topic inside the payload.
type Raw struct {
	Transport  TransportName
	Topic      domain.Topic
	Payload    []byte
	ReceivedAt time.Time
}

// Event is the canonical domain event handed to subscribers. Immutable;
// ownership transfers outward once admitted by the dedup buffer.
type Event struct {
	Topic       domain.Topic
	Kind        Kind
	EntityID    string
	SequenceKey int64
	Payload     json.RawMessage
	ObservedAt  time.Time
	Transport   TransportName
}

// Message decodes the payload as a message revision. Only meaningful for the
// Message* kinds.
func (e Event) Message() (domain.Message, error) {
	var m domain.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		m.ID = e.EntityID
	}
	return m, nil
}
