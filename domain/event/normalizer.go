package event

import (
	"encoding/json"
	"fmt"
	"time"

	"chat-relay/domain"
	apperrors "chat-relay/errors"
)

// envelope is the superset of fields the transports deliver. The change-log
// rows served by the push feed and the poller carry entity/op pairs, socket
// frames carry an explicit type name, and the line stream carries event/entity
// in the backend's uppercase dialect. All of them carry id and seq.
type envelope struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Topic     string          `json:"topic"`
	Entity    string          `json:"entity"`
	Op        string          `json:"op"`
	Type      string          `json:"type"`
	EventName string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

var kindsByName = map[string]Kind{
	string(MessageCreated): MessageCreated,
	string(MessageUpdated): MessageUpdated,
	string(MessageDeleted): MessageDeleted,
	string(MemberChanged):  MemberChanged,
	string(ReadReceipt):    ReadReceipt,
	string(RoomChanged):    RoomChanged,
}

var kindsByEntityOp = map[string]Kind{
	"message/INSERT": MessageCreated,
	"message/UPDATE": MessageUpdated,
	"message/DELETE": MessageDeleted,
	"member/INSERT":  MemberChanged,
	"member/UPDATE":  MemberChanged,
	"member/DELETE":  MemberChanged,
	"receipt/INSERT": ReadReceipt,
	"receipt/UPDATE": ReadReceipt,
	"room/INSERT":    RoomChanged,
	"room/UPDATE":    RoomChanged,
	"room/DELETE":    RoomChanged,
}

// Normalize converts a transport payload into a canonical Event. It is total
// over well-formed JSON: payloads whose operation cannot be classified come
// back as Kind Unknown, never dropped. The only error cases are structural
// (unparseable JSON, or a payload with no resolvable topic or entity id),
// and those wrap ErrMalformedEvent so the caller can count the drop.
func Normalize(raw Raw) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}

	topic := raw.Topic
	if topic.IsZero() {
		parsed, err := domain.ParseTopic(env.Topic)
		if err != nil {
			return Event{}, fmt.Errorf("%w: no topic: %v", apperrors.ErrMalformedEvent, err)
		}
		topic = parsed
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("%w: missing entity id", apperrors.ErrMalformedEvent)
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = raw.Payload
	}

	observed := raw.ReceivedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	return Event{
		Topic:       topic,
		Kind:        classify(env),
		EntityID:    env.ID,
		SequenceKey: sequenceKey(env, observed),
		Payload:     payload,
		ObservedAt:  observed,
		Transport:   raw.Transport,
	}, nil
}

func classify(env envelope) Kind {
	if kind, ok := kindsByName[env.Type]; ok {
		return kind
	}
	op := env.Op
	if op == "" {
		op = env.EventName
	}
	if kind, ok := kindsByEntityOp[env.Entity+"/"+op]; ok {
		return kind
	}
	return Unknown
}

// sequenceKey prefers the backend-assigned sequence, then the row's creation
// timestamp, then the arrival time. The value only has to be monotonic per
// entity, not a global clock.
func sequenceKey(env envelope, observed time.Time) int64 {
	if env.Seq > 0 {
		return env.Seq
	}
	if !env.CreatedAt.IsZero() {
		return env.CreatedAt.UnixMicro()
	}
	return observed.UnixMicro()
}
