// Package services exposes the realtime layer to consumers. The
// RealtimeService facade is the single entry point the UI calls.
package services

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
	"chat-relay/infrastructure/transport"
	"chat-relay/internal"
	"chat-relay/observability"
	"chat-relay/projection"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/sink"
)

// UnsubscribeFunc detaches one consumer from a topic. Idempotent: calling it
// twice, or after the subscription closed, is a no-op.
type UnsubscribeFunc func()

// Dependencies are the external collaborators of the realtime layer. Querier
// is mandatory (polling is the guaranteed fallback); everything else is
// optional and widens the transport priority list or enables presence.
type Dependencies struct {
	Querier  contract.ChangeQuerier
	Feed     contract.ChangeFeed    // push-channel transport when non-nil
	Socket   contract.Transport     // socket transport when non-nil
	Stream   contract.Transport     // stream transport when non-nil
	Presence contract.PresenceStore // heartbeat + presence queries when non-nil
}

// RealtimeService wires transports, normalization, dedup, fanout, and
// presence into one consistent stream of domain events per topic, regardless
// of which transport delivered them.
type RealtimeService struct {
	log       *slog.Logger
	cfg       internal.Config
	monitor   *observability.Monitor
	registry  *runtime.Registry
	buffer    *projection.Buffer
	timelines *projection.Timelines
	manager   *runtime.Manager
	events    chan event.Event
	heartbeat *workers.HeartbeatWorker
	presence  contract.PresenceStore
	publisher contract.Publisher
	sup       contract.ISupervisor

	mu        sync.Mutex // serializes open/close decisions per topic
	stateHook runtime.StateHandler
	closed    chan struct{}
	closeOnce sync.Once
}

func NewRealtimeService(log *slog.Logger, cfg internal.Config, deps Dependencies) (*RealtimeService, error) {
	if deps.Querier == nil {
		return nil, fmt.Errorf("realtime service requires a change querier: polling is the guaranteed fallback")
	}

	monitor := observability.NewMonitor()
	registry := runtime.NewRegistry()

	s := &RealtimeService{
		log:       log,
		cfg:       cfg,
		monitor:   monitor,
		registry:  registry,
		buffer:    projection.NewBuffer(monitor),
		timelines: projection.NewTimelines(cfg.BufferSize),
		events:    make(chan event.Event, cfg.BufferSize),
		presence:  deps.Presence,
		closed:    make(chan struct{}),
	}

	// Transport priority order: push feed, then socket, then stream. The
	// poller is handed to the manager separately; it is not a peer of the
	// push transports but the safety net under all of them.
	var transports []contract.Transport
	if deps.Feed != nil {
		transports = append(transports, transport.NewPushFeedAdapter(log, deps.Feed))
	}
	if deps.Socket != nil {
		transports = append(transports, deps.Socket)
		if publisher, ok := deps.Socket.(contract.Publisher); ok {
			s.publisher = publisher
		}
	}
	if deps.Stream != nil {
		transports = append(transports, deps.Stream)
	}
	poller := transport.NewPollingAdapter(log, deps.Querier, cfg.PollingInterval, monitor)

	s.manager = runtime.NewManager(
		log, monitor, transports, poller,
		s.ingest,
		s.dispatchState,
		s.purgeTopic,
		runtime.ManagerOptions{
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
	)

	fanout := workers.NewEventFanout(log, s.events, registry, cfg.SinkTimeout, monitor).
		Add(s.timelines)

	sup := workers.NewSupervisor(log)
	sup.Add(fanout, workers.NewTelemetryWorker(log, cfg.MetricInterval, monitor))

	if deps.Presence != nil {
		s.heartbeat = workers.NewHeartbeatWorker(log, deps.Presence, cfg.UserID, cfg.HeartbeatInterval, monitor)
		sup.Add(s.heartbeat)
	}
	s.sup = sup

	return s, nil
}

// Run blocks until ctx is canceled, driving the supervised workers. Call it
// once, usually on its own goroutine.
func (s *RealtimeService) Run(ctx context.Context) error {
	s.sup.Run(ctx)
	return nil
}

// Stop closes every open subscription and halts the workers.
func (s *RealtimeService) Stop() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.sup.Stop()
}

// Subscribe attaches a callback to a topic and returns its unsubscribe
// function. The first consumer of a topic opens the underlying subscription;
// later consumers share it.
func (s *RealtimeService) Subscribe(topic domain.Topic, onEvent func(e event.Event)) (UnsubscribeFunc, error) {
	return s.attach(topic, sink.NewCallback(onEvent), nil)
}

// SubscribeStream is the pull-based variant: it returns an iterator over the
// topic's events and a stop function. The sequence is infinite until stopped
// and restartable only by subscribing again.
func (s *RealtimeService) SubscribeStream(topic domain.Topic) (iter.Seq[event.Event], UnsubscribeFunc, error) {
	channel := sink.NewChannel(s.cfg.BufferSize)
	unsubscribe, err := s.attach(topic, channel, channel.Close)
	if err != nil {
		return nil, nil, err
	}
	return channel.All(), unsubscribe, nil
}

func (s *RealtimeService) attach(topic domain.Topic, eventSink contract.EventSink, onDetach func()) (UnsubscribeFunc, error) {
	if _, err := domain.ParseTopic(topic.Key()); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnknownTopic, err)
	}
	select {
	case <-s.closed:
		return nil, apperrors.ErrSubscriptionClosed
	default:
	}

	consumerID := uuid.NewString()

	s.mu.Lock()
	s.registry.Subscribe(topic, consumerID, eventSink)
	if s.registry.Count(topic) == 1 {
		s.manager.Open(topic)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remaining := s.registry.Unsubscribe(topic, consumerID)
			if remaining == 0 {
				s.manager.Close(topic)
			}
			s.mu.Unlock()
			if onDetach != nil {
				onDetach()
			}
		})
	}, nil
}

// SubscriptionState reports the delivery state of a topic; topics nobody
// subscribed to are Closed.
func (s *RealtimeService) SubscriptionState(topic domain.Topic) runtime.SubscriptionState {
	return s.manager.State(topic)
}

// OnStateChange installs an observer for subscription state transitions,
// e.g. a "reconnecting" affordance. It never blocks event delivery.
func (s *RealtimeService) OnStateChange(fn runtime.StateHandler) {
	s.mu.Lock()
	s.stateHook = fn
	s.mu.Unlock()
}

// PublishPresence updates the local user's status, fire-and-forget. The
// heartbeat keeps republishing it until the next change.
func (s *RealtimeService) PublishPresence(status domain.Status, roomID string) {
	if s.heartbeat == nil {
		s.log.Debug("Presence not configured, ignoring status change", "status", status)
		return
	}
	s.heartbeat.SetStatus(status, roomID)
}

// PresenceOf reads another user's last published presence. Plain
// request/response; it does not ride the event pipeline.
func (s *RealtimeService) PresenceOf(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	if s.presence == nil {
		return domain.PresenceRecord{}, fmt.Errorf("presence store not configured")
	}
	return s.presence.GetPresence(ctx, userID)
}

// Publish sends an outbound payload over the socket transport. Only
// available when the symmetric socket transport is enabled.
func (s *RealtimeService) Publish(ctx context.Context, topic domain.Topic, payload []byte) error {
	if s.publisher == nil {
		return fmt.Errorf("%w: no symmetric transport configured", apperrors.ErrTransportUnavailable)
	}
	return s.publisher.Publish(ctx, topic, payload)
}

// Timeline returns the most recent delivered messages of a topic, oldest
// first, for late-joining views.
func (s *RealtimeService) Timeline(topic domain.Topic, limit int) []domain.Message {
	return s.timelines.Recent(topic, limit)
}

// Stats snapshots the delivery counters.
func (s *RealtimeService) Stats() observability.Stats {
	return s.monitor.Snapshot()
}

// ingest is the single funnel all transports feed: normalize, count, dedup,
// then hand to the fanout. Raw events for topics that closed while the
// notification was in flight are dropped here.
func (s *RealtimeService) ingest(raw event.Raw) {
	evt, err := event.Normalize(raw)
	if err != nil {
		s.monitor.MalformedDropped()
		s.log.Debug("Dropped malformed payload", "transport", raw.Transport, "error", err)
		return
	}
	if evt.Kind == event.Unknown {
		s.monitor.UnknownKind()
	}
	if s.registry.Count(evt.Topic) == 0 {
		return
	}
	if !s.buffer.Admit(evt) {
		return
	}

	select {
	case s.events <- evt:
	case <-s.closed:
	}
}

func (s *RealtimeService) dispatchState(topic domain.Topic, state runtime.SubscriptionState) {
	s.log.Info("Subscription state changed", "topic", topic.Key(), "state", state)
	s.mu.Lock()
	hook := s.stateHook
	s.mu.Unlock()
	if hook != nil {
		hook(topic, state)
	}
}

func (s *RealtimeService) purgeTopic(topic domain.Topic) {
	s.buffer.Purge(topic)
	s.timelines.Drop(topic)
}
