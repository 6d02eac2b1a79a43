package workers

import (
	"context"
	"log/slog"
	"time"

	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/observability"
)

// EventFanout drains admitted events and delivers each one to the topic's
// registered sinks plus the permanent sinks (projections, telemetry taps).
//
// Delivery is at-least-once from the transports' point of view; by the time
// an event reaches the fanout it has already passed dedup, so every sink
// sees each logical event once. A slow sink is bounded by the sink timeout
// and can delay, but never wedge, delivery to the others.
type EventFanout struct {
	log         *slog.Logger
	events      chan event.Event
	registry    contract.IRegistry
	permanent   []contract.EventSink
	sinkTimeout time.Duration
	monitor     *observability.Monitor
}

func NewEventFanout(
	log *slog.Logger,
	events chan event.Event,
	registry contract.IRegistry,
	sinkTimeout time.Duration,
	monitor *observability.Monitor,
) *EventFanout {
	return &EventFanout{
		log:         log,
		events:      events,
		registry:    registry,
		sinkTimeout: sinkTimeout,
		monitor:     monitor,
	}
}

// Add registers permanent sinks that receive every admitted event regardless
// of topic.
func (w *EventFanout) Add(sinks ...contract.EventSink) *EventFanout {
	w.permanent = append(w.permanent, sinks...)
	return w
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-w.events:
			w.Fanout(ctx, evt)
		case <-ctx.Done():
			w.log.Debug("Context done, stopping event fanout")
			return nil
		}
	}
}

// Fanout delivers one event to every interested sink.
func (w *EventFanout) Fanout(ctx context.Context, evt event.Event) {
	sinks := w.registry.SinksFor(evt.Topic)
	sinks = append(sinks, w.permanent...)

	for _, sink := range sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
		if err := sink.Consume(sinkCtx, evt); err != nil {
			w.monitor.SinkError()
			w.log.Warn("Sink rejected event",
				"topic", evt.Topic.Key(), "kind", evt.Kind, "entity", evt.EntityID, "error", err)
		}
		cancel()
	}
	w.monitor.Delivered()
}
