//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"chat-relay/domain"
	"chat-relay/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// StopFunc stops a started transport or cancels a feed subscription. Safe to
// call more than once.
type StopFunc func()

type RawHandler func(raw event.Raw)
type ErrorHandler func(err error)

// Transport obtains raw change notifications for one topic. Start must
// either return an error synchronously (the transport is unavailable, the
// manager falls back without waiting on a timeout) or return a StopFunc for a
// confirmed-live stream. Mid-session failures are reported through onErr.
type Transport interface {
	Name() event.TransportName
	Start(ctx context.Context, topic domain.Topic, onRaw RawHandler, onErr ErrorHandler) (StopFunc, error)
}

// Publisher is implemented by symmetric transports that accept outbound
// frames (currently only the socket adapter).
type Publisher interface {
	Publish(ctx context.Context, topic domain.Topic, payload []byte) error
}

// Change is one row of the backend change log, as returned by the polling
// querier. Seq is exposed separately so the poller can advance its window
// without parsing the payload.
type Change struct {
	Seq     int64
	Payload []byte
}

// ChangeQuerier is the polling capability of the storage collaborator:
// all rows for a topic strictly newer than afterSeq, oldest first.
type ChangeQuerier interface {
	ChangedSince(ctx context.Context, topic domain.Topic, afterSeq int64) ([]Change, error)
	LatestSeq(ctx context.Context, topic domain.Topic) (int64, error)
}

// ChangeFeed is the push-subscribe capability of the storage collaborator.
// The returned StopFunc detaches this handler; the underlying watcher is
// shared and reference-counted across topics. onFail is invoked at most once
// if the established feed dies, after which the handler is detached and the
// StopFunc is a no-op.
type ChangeFeed interface {
	Feed(ctx context.Context, topic domain.Topic, onRow func(row []byte), onFail func(err error)) (StopFunc, error)
}

// EventSink consumes one admitted event. Implementations must respect ctx:
// the fanout bounds each delivery with a timeout.
type EventSink interface {
	Consume(ctx context.Context, e event.Event) error
}

// IRegistry tracks which consumers receive events for which topic.
// Subscriptions are reference-counted per topic through consumer ids.
type IRegistry interface {
	SinksFor(topic domain.Topic) []EventSink
	Subscribe(topic domain.Topic, consumerID string, sink EventSink)
	// Unsubscribe returns the number of consumers remaining on the topic.
	Unsubscribe(topic domain.Topic, consumerID string) int
	Count(topic domain.Topic) int
}

// PresenceStore persists and serves liveness records.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error
	GetPresence(ctx context.Context, userID string) (domain.PresenceRecord, error)
}
