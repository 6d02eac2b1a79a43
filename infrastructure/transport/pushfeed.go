// Package transport implements the four transport adapters: the backend push
// feed, the guaranteed polling fallback, the websocket bridge, and the
// one-way line stream.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
)

// PushFeedAdapter bridges the storage collaborator's push-subscribe
// capability into the transport contract. Establishment failures surface
// synchronously from Start so the manager can fall back immediately instead
// of waiting on a timeout.
type PushFeedAdapter struct {
	log  *slog.Logger
	feed contract.ChangeFeed
}

func NewPushFeedAdapter(log *slog.Logger, feed contract.ChangeFeed) *PushFeedAdapter {
	return &PushFeedAdapter{log: log, feed: feed}
}

func (a *PushFeedAdapter) Name() event.TransportName { return event.TransportPushFeed }

func (a *PushFeedAdapter) Start(ctx context.Context, topic domain.Topic, onRaw contract.RawHandler, onErr contract.ErrorHandler) (contract.StopFunc, error) {
	if a.feed == nil {
		return nil, fmt.Errorf("%w: push feed not provisioned", apperrors.ErrTransportUnavailable)
	}

	stop, err := a.feed.Feed(ctx, topic, func(row []byte) {
		onRaw(event.Raw{
			Transport:  event.TransportPushFeed,
			Topic:      topic,
			Payload:    row,
			ReceivedAt: time.Now(),
		})
	}, func(cause error) {
		// A dead feed must degrade the subscription, not stall it silently.
		onErr(fmt.Errorf("%w: %v", apperrors.ErrTransportDisconnected, cause))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}

	a.log.Debug("Push feed attached", "topic", topic.Key())
	return stop, nil
}
