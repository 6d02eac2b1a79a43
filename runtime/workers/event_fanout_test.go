package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/observability"
)

func TestEventFanout_DeliversToTopicAndPermanentSinks(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	topicSink := mocks.NewMockEventSink(ctrl)
	permanentSink := mocks.NewMockEventSink(ctrl)

	topic := domain.RoomTopic("42")
	evt := event.Event{Topic: topic, Kind: event.MessageCreated, EntityID: "m1", SequenceKey: 100}

	mockRegistry.EXPECT().SinksFor(topic).Return([]contract.EventSink{topicSink})
	topicSink.EXPECT().Consume(gomock.Any(), evt).Return(nil)
	permanentSink.EXPECT().Consume(gomock.Any(), evt).Return(nil)

	monitor := observability.NewMonitor()
	fanout := NewEventFanout(discardLogger(), make(chan event.Event), mockRegistry, time.Second, monitor).
		Add(permanentSink)

	fanout.Fanout(context.Background(), evt)
	req.Equal(uint64(1), monitor.Snapshot().Delivered)
}

func TestEventFanout_SinkErrorDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	failing := mocks.NewMockEventSink(ctrl)
	healthy := mocks.NewMockEventSink(ctrl)

	topic := domain.RoomTopic("42")
	evt := event.Event{Topic: topic, Kind: event.MessageUpdated, EntityID: "m1"}

	mockRegistry.EXPECT().SinksFor(topic).Return([]contract.EventSink{failing, healthy})
	failing.EXPECT().Consume(gomock.Any(), evt).Return(apperrors.ErrPublishFailed)
	healthy.EXPECT().Consume(gomock.Any(), evt).Return(nil)

	monitor := observability.NewMonitor()
	fanout := NewEventFanout(discardLogger(), make(chan event.Event), mockRegistry, time.Second, monitor)

	fanout.Fanout(context.Background(), evt)

	stats := monitor.Snapshot()
	req.Equal(uint64(1), stats.SinkErrors)
	req.Equal(uint64(1), stats.Delivered)
}

func TestEventFanout_NoListenersIsANoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)

	topic := domain.RoomTopic("silent")
	mockRegistry.EXPECT().SinksFor(topic).Return(nil)

	fanout := NewEventFanout(discardLogger(), make(chan event.Event), mockRegistry, time.Second, observability.NewMonitor())
	fanout.Fanout(context.Background(), event.Event{Topic: topic, Kind: event.MessageCreated, EntityID: "m1"})
}

func TestEventFanout_Run_DrainsUntilCanceled(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	topicSink := mocks.NewMockEventSink(ctrl)

	topic := domain.RoomTopic("42")
	evt := event.Event{Topic: topic, Kind: event.MessageCreated, EntityID: "m1"}

	delivered := make(chan struct{})
	mockRegistry.EXPECT().SinksFor(topic).Return([]contract.EventSink{topicSink})
	topicSink.EXPECT().Consume(gomock.Any(), evt).DoAndReturn(func(context.Context, event.Event) error {
		close(delivered)
		return nil
	})

	events := make(chan event.Event, 1)
	fanout := NewEventFanout(discardLogger(), events, mockRegistry, time.Second, observability.NewMonitor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		req.NoError(fanout.Run(ctx))
		close(done)
	}()

	events <- evt
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("queued event was not fanned out")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout did not stop on cancel")
	}
}
