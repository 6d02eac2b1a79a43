package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/observability"
)

type SubscriptionState string

const (
	StateConnecting SubscriptionState = "connecting"
	StateLive       SubscriptionState = "live"
	StateDegraded   SubscriptionState = "degraded"
	StateClosed     SubscriptionState = "closed"
)

// StateHandler observes state transitions, e.g. for a "reconnecting"
// affordance in the UI. It runs on its own goroutine and can never block
// event delivery.
type StateHandler func(topic domain.Topic, state SubscriptionState)

type ManagerOptions struct {
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// Manager owns the per-topic subscriptions: which transports feed each
// topic, their retry budgets, and the Connecting -> Live -> Degraded ->
// Closed state machine.
//
// Push transports are started in priority order and retried with exponential
// backoff while the subscription stays open. The poller starts with the
// subscription and keeps running until some push transport confirms live, so
// the confirmation window has no delivery gap; it restarts the moment the
// topic degrades. Polling is never backed off and has no retry ceiling.
type Manager struct {
	mu         sync.Mutex
	log        *slog.Logger
	monitor    *observability.Monitor
	transports []contract.Transport // priority order, poller excluded
	poller     contract.Transport
	onRaw      contract.RawHandler
	onState    StateHandler
	onClosed   func(topic domain.Topic)
	opts       ManagerOptions
	subs       map[string]*subscription
}

type subscription struct {
	topic  domain.Topic
	state  SubscriptionState
	ctx    context.Context
	cancel context.CancelFunc

	stops       map[event.TransportName]contract.StopFunc
	live        map[event.TransportName]bool
	failedOnce  map[event.TransportName]bool
	pollingStop contract.StopFunc
}

func NewManager(
	log *slog.Logger,
	monitor *observability.Monitor,
	transports []contract.Transport,
	poller contract.Transport,
	onRaw contract.RawHandler,
	onState StateHandler,
	onClosed func(topic domain.Topic),
	opts ManagerOptions,
) *Manager {
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	return &Manager{
		log:        log,
		monitor:    monitor,
		transports: transports,
		poller:     poller,
		onRaw:      onRaw,
		onState:    onState,
		onClosed:   onClosed,
		opts:       opts,
		subs:       make(map[string]*subscription),
	}
}

// Open starts delivery for a topic. Opening an already-open topic is a
// no-op: reference counting of consumers happens above the manager.
func (m *Manager) Open(topic domain.Topic) {
	m.mu.Lock()
	if _, ok := m.subs[topic.Key()]; ok {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:      topic,
		state:      StateConnecting,
		ctx:        ctx,
		cancel:     cancel,
		stops:      make(map[event.TransportName]contract.StopFunc),
		live:       make(map[event.TransportName]bool),
		failedOnce: make(map[event.TransportName]bool),
	}
	m.subs[topic.Key()] = sub

	m.startPollingLocked(sub)

	// With no push transports configured the poller alone carries the
	// subscription and counts as the confirming transport.
	if len(m.transports) == 0 {
		m.setStateLocked(sub, StateLive)
	}
	m.mu.Unlock()

	for _, t := range m.transports {
		go m.runTransport(sub, t)
	}

	m.log.Info("Subscription opened", "topic", topic.Key())
}

// Close stops all transports of a topic and purges downstream state.
// Idempotent: closing an unknown or already-closed topic is a no-op.
func (m *Manager) Close(topic domain.Topic) {
	m.mu.Lock()
	sub, ok := m.subs[topic.Key()]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, topic.Key())

	sub.cancel()
	stops := make([]contract.StopFunc, 0, len(sub.stops)+1)
	for _, stop := range sub.stops {
		stops = append(stops, stop)
	}
	if sub.pollingStop != nil {
		stops = append(stops, sub.pollingStop)
		sub.pollingStop = nil
	}
	sub.stops = make(map[event.TransportName]contract.StopFunc)
	sub.live = make(map[event.TransportName]bool)
	m.setStateLocked(sub, StateClosed)
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if m.onClosed != nil {
		m.onClosed(topic)
	}
	m.log.Info("Subscription closed", "topic", topic.Key())
}

// State reports a topic's subscription state; unknown topics are Closed.
func (m *Manager) State(topic domain.Topic) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[topic.Key()]; ok {
		return sub.state
	}
	return StateClosed
}

// runTransport starts one push transport for a subscription, retrying with
// exponential backoff up to the configured budget. A mid-session drop
// re-enters this loop with a fresh budget.
func (m *Manager) runTransport(sub *subscription, t contract.Transport) {
	name := t.Name()
	for attempt := 0; attempt < m.opts.MaxReconnectAttempts; attempt++ {
		if sub.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			m.monitor.Reconnect()
			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(m.opts.ReconnectBaseDelay << (attempt - 1)):
			}
		}

		stop, err := t.Start(sub.ctx, sub.topic, m.onRaw, func(cause error) {
			m.transportDropped(sub, t, cause)
		})
		if err == nil {
			m.transportConfirmed(sub, name, stop)
			return
		}

		m.monitor.TransportError()
		m.markFailedOnce(sub, name)
		m.log.Warn("Transport failed to start",
			"topic", sub.topic.Key(), "transport", name, "attempt", attempt+1, "error", err)
	}

	m.log.Warn("Transport retry budget exhausted, staying on fallback",
		"topic", sub.topic.Key(), "transport", name)
}

func (m *Manager) transportConfirmed(sub *subscription, name event.TransportName, stop contract.StopFunc) {
	m.mu.Lock()
	if sub.ctx.Err() != nil {
		m.mu.Unlock()
		stop()
		return
	}
	sub.stops[name] = stop
	sub.live[name] = true
	m.setStateLocked(sub, StateLive)

	// A live push transport makes the poller redundant. It overlapped
	// during the confirmation window; duplicates were the buffer's problem.
	pollingStop := sub.pollingStop
	sub.pollingStop = nil
	m.mu.Unlock()

	if pollingStop != nil {
		pollingStop()
	}
	m.log.Info("Transport live", "topic", sub.topic.Key(), "transport", name)
}

// transportDropped handles a mid-session failure reported by a running
// transport: restart polling, degrade if nothing live remains, and retry the
// transport in the background.
func (m *Manager) transportDropped(sub *subscription, t contract.Transport, cause error) {
	m.monitor.TransportError()
	name := t.Name()

	m.mu.Lock()
	if sub.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	delete(sub.live, name)
	delete(sub.stops, name)
	sub.failedOnce[name] = true

	m.startPollingLocked(sub)
	if len(sub.live) == 0 {
		m.setStateLocked(sub, StateDegraded)
	}
	m.mu.Unlock()

	m.log.Warn("Transport dropped, retrying",
		"topic", sub.topic.Key(), "transport", name, "error", cause)
	go m.runTransport(sub, t)
}

func (m *Manager) markFailedOnce(sub *subscription, name event.TransportName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ctx.Err() != nil {
		return
	}
	sub.failedOnce[name] = true

	// Once every configured push transport has failed at least once and none
	// is live, the topic is formally degraded: polling-only, user-visible.
	if len(sub.live) == 0 && len(sub.failedOnce) >= len(m.transports) {
		m.setStateLocked(sub, StateDegraded)
	}
}

func (m *Manager) startPollingLocked(sub *subscription) {
	if sub.pollingStop != nil || m.poller == nil {
		return
	}
	stop, err := m.poller.Start(sub.ctx, sub.topic, m.onRaw, nil)
	if err != nil {
		// Does not happen with the provided poller; log loudly if a custom
		// one misbehaves, the subscription would be blind without it.
		m.log.Error("Polling fallback failed to start", "topic", sub.topic.Key(), "error", err)
		return
	}
	sub.pollingStop = stop
}

func (m *Manager) setStateLocked(sub *subscription, state SubscriptionState) {
	if sub.state == state {
		return
	}
	sub.state = state
	if m.onState != nil {
		go m.onState(sub.topic, state)
	}
}
