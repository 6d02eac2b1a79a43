package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/observability"
)

// HeartbeatWorker publishes the local user's presence on a fixed interval
// and on explicit status changes. Publishing is fire-and-forget: a failed
// upsert is logged, counted, and retried on the next tick, never surfaced to
// the user.
type HeartbeatWorker struct {
	log      *slog.Logger
	store    contract.PresenceStore
	interval time.Duration
	monitor  *observability.Monitor

	mu      sync.Mutex
	current domain.PresenceRecord
}

func NewHeartbeatWorker(
	log *slog.Logger,
	store contract.PresenceStore,
	userID string,
	interval time.Duration,
	monitor *observability.Monitor,
) *HeartbeatWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatWorker{
		log:      log,
		store:    store,
		interval: interval,
		monitor:  monitor,
		current: domain.PresenceRecord{
			UserID: userID,
			Status: domain.StatusOnline,
		},
	}
}

// SetStatus updates the desired presence and publishes it immediately
// instead of waiting for the next tick. RoomID may be empty for global
// presence.
func (w *HeartbeatWorker) SetStatus(status domain.Status, roomID string) {
	w.mu.Lock()
	w.current.Status = status
	w.current.RoomID = roomID
	w.mu.Unlock()

	go w.publish(context.Background())
}

// Run executes the heartbeat loop. On shutdown it makes one best-effort
// attempt to publish offline so peers do not wait out the staleness horizon.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting presence heartbeat", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.publish(ctx)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.current.Status = domain.StatusOffline
			w.mu.Unlock()

			offlineCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			w.publish(offlineCtx)
			cancel()
			return nil
		case <-ticker.C:
			w.publish(ctx)
		}
	}
}

func (w *HeartbeatWorker) publish(ctx context.Context) {
	w.mu.Lock()
	rec := w.current
	w.mu.Unlock()
	rec.LastSeen = time.Now()

	if err := w.store.UpsertPresence(ctx, rec); err != nil {
		w.monitor.PresenceFailure()
		w.log.Warn("Presence publish failed, retrying next tick", "err", err)
	}
}
