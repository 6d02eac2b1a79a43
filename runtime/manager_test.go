package runtime

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
	"chat-relay/observability"
)

// fakeTransport fails its first failBefore Start calls synchronously, then
// confirms. drop simulates a mid-session failure of the confirmed stream.
type fakeTransport struct {
	name       event.TransportName
	failBefore int

	mu     sync.Mutex
	starts int
	stops  int
	onErr  contract.ErrorHandler
}

func (f *fakeTransport) Name() event.TransportName { return f.name }

func (f *fakeTransport) Start(_ context.Context, _ domain.Topic, _ contract.RawHandler, onErr contract.ErrorHandler) (contract.StopFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.starts <= f.failBefore {
		return nil, apperrors.ErrTransportUnavailable
	}
	f.onErr = onErr
	return func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeTransport) drop(cause error) {
	f.mu.Lock()
	onErr := f.onErr
	f.mu.Unlock()
	onErr(cause)
}

func testManager(t *testing.T, transports []contract.Transport, poller contract.Transport, onState StateHandler) *Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(
		log, observability.NewMonitor(), transports, poller,
		func(event.Raw) {}, onState, nil,
		ManagerOptions{ReconnectBaseDelay: time.Millisecond, MaxReconnectAttempts: 3},
	)
}

func TestManager_Open_PollingOnlyIsLive(t *testing.T) {
	req := require.New(t)
	poller := &fakeTransport{name: event.TransportPolling}
	manager := testManager(t, nil, poller, nil)
	topic := domain.RoomTopic("42")

	// Given no push transport is configured
	// When the topic opens
	manager.Open(topic)

	// Then polling alone counts as the confirming transport
	req.Equal(StateLive, manager.State(topic))
	req.Equal(1, poller.startCount())

	manager.Close(topic)
	req.Equal(StateClosed, manager.State(topic))
	req.Equal(1, poller.stopCount())
}

func TestManager_Open_PushConfirmStopsPoller(t *testing.T) {
	req := require.New(t)
	push := &fakeTransport{name: event.TransportPushFeed}
	poller := &fakeTransport{name: event.TransportPolling}
	manager := testManager(t, []contract.Transport{push}, poller, nil)
	topic := domain.RoomTopic("42")

	manager.Open(topic)

	// The poller overlaps the confirmation window, then steps aside
	req.Eventually(func() bool { return manager.State(topic) == StateLive }, time.Second, time.Millisecond)
	req.Eventually(func() bool { return poller.stopCount() == 1 }, time.Second, time.Millisecond)
	req.Equal(1, poller.startCount())
	req.Equal(1, push.startCount())

	manager.Close(topic)
}

func TestManager_Open_AllPushFailedDegrades(t *testing.T) {
	req := require.New(t)
	push := &fakeTransport{name: event.TransportPushFeed, failBefore: math.MaxInt}
	manager := testManager(t, []contract.Transport{push}, &fakeTransport{name: event.TransportPolling}, nil)
	topic := domain.RoomTopic("42")

	manager.Open(topic)

	// Every push transport failed at least once: formally degraded, on polling
	req.Eventually(func() bool { return manager.State(topic) == StateDegraded }, time.Second, time.Millisecond)

	// The retry budget is honored, then the transport stays down
	req.Eventually(func() bool { return push.startCount() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	req.Equal(3, push.startCount())

	manager.Close(topic)
}

func TestManager_TransportDrop_DegradesThenRecovers(t *testing.T) {
	req := require.New(t)
	push := &fakeTransport{name: event.TransportSocket}
	poller := &fakeTransport{name: event.TransportPolling}

	var mu sync.Mutex
	var transitions []SubscriptionState
	manager := testManager(t, []contract.Transport{push}, poller, func(_ domain.Topic, state SubscriptionState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})
	topic := domain.RoomTopic("42")

	manager.Open(topic)
	req.Eventually(func() bool { return manager.State(topic) == StateLive }, time.Second, time.Millisecond)

	// When the confirmed stream fails mid-session
	push.drop(apperrors.ErrTransportDisconnected)

	// Then polling resumes immediately and the transport reconnects with a
	// fresh budget
	req.Eventually(func() bool { return poller.startCount() == 2 }, time.Second, time.Millisecond)
	req.Eventually(func() bool { return push.startCount() == 2 }, time.Second, time.Millisecond)
	req.Eventually(func() bool { return manager.State(topic) == StateLive }, time.Second, time.Millisecond)

	mu.Lock()
	seen := append([]SubscriptionState(nil), transitions...)
	mu.Unlock()
	req.Contains(seen, StateDegraded)

	manager.Close(topic)
}

func TestManager_Open_IsIdempotent(t *testing.T) {
	req := require.New(t)
	push := &fakeTransport{name: event.TransportPushFeed}
	manager := testManager(t, []contract.Transport{push}, &fakeTransport{name: event.TransportPolling}, nil)
	topic := domain.RoomTopic("42")

	manager.Open(topic)
	manager.Open(topic)

	req.Eventually(func() bool { return manager.State(topic) == StateLive }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	req.Equal(1, push.startCount())

	manager.Close(topic)
}

func TestManager_Close_IsIdempotentAndPurges(t *testing.T) {
	req := require.New(t)
	push := &fakeTransport{name: event.TransportPushFeed}

	var mu sync.Mutex
	closedTopics := 0
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := NewManager(
		log, observability.NewMonitor(), []contract.Transport{push}, &fakeTransport{name: event.TransportPolling},
		func(event.Raw) {}, nil,
		func(domain.Topic) {
			mu.Lock()
			closedTopics++
			mu.Unlock()
		},
		ManagerOptions{ReconnectBaseDelay: time.Millisecond, MaxReconnectAttempts: 3},
	)
	topic := domain.RoomTopic("42")

	manager.Open(topic)
	req.Eventually(func() bool { return push.startCount() == 1 && push.stopCount() == 0 && manager.State(topic) == StateLive }, time.Second, time.Millisecond)

	manager.Close(topic)
	manager.Close(topic)

	req.Equal(StateClosed, manager.State(topic))
	req.Equal(1, push.stopCount())
	mu.Lock()
	req.Equal(1, closedTopics)
	mu.Unlock()
}

func TestManager_State_UnknownTopicIsClosed(t *testing.T) {
	manager := testManager(t, nil, &fakeTransport{name: event.TransportPolling}, nil)
	require.Equal(t, StateClosed, manager.State(domain.RoomTopic("never-opened")))
}
