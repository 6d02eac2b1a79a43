package transport

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

// PollingAdapter is the guaranteed fallback. It queries the change log on a
// fixed interval for every row strictly newer than the highest seq it has
// seen, and advances that window only after a successful query: a failed
// poll retries the same window next tick, never skipping rows. The interval
// is never backed off and there is no retry ceiling.
type PollingAdapter struct {
	log      *slog.Logger
	querier  contract.ChangeQuerier
	interval time.Duration
	monitor  *observability.Monitor
}

func NewPollingAdapter(log *slog.Logger, querier contract.ChangeQuerier, interval time.Duration, monitor *observability.Monitor) *PollingAdapter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingAdapter{
		log:      log,
		querier:  querier,
		interval: interval,
		monitor:  monitor,
	}
}

func (a *PollingAdapter) Name() event.TransportName { return event.TransportPolling }

func (a *PollingAdapter) Start(ctx context.Context, topic domain.Topic, onRaw contract.RawHandler, _ contract.ErrorHandler) (contract.StopFunc, error) {
	pollCtx, cancel := context.WithCancel(ctx)

	// Anchor the window at the current head of the log so the first tick
	// delivers only rows written after subscribe, not the topic's history.
	// An anchoring failure starts from zero; the dedup buffer absorbs the
	// resulting replay rather than risking a gap.
	afterSeq, err := a.querier.LatestSeq(pollCtx, topic)
	if err != nil {
		a.log.Warn("Failed to anchor polling window, starting from zero", "topic", topic.Key(), "error", err)
		afterSeq = 0
	}

	go a.poll(pollCtx, topic, afterSeq, onRaw)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (a *PollingAdapter) poll(ctx context.Context, topic domain.Topic, afterSeq int64, onRaw contract.RawHandler) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes, err := a.querier.ChangedSince(ctx, topic, afterSeq)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.monitor.PollFailure()
				a.log.Warn("Poll query failed, window not advanced", "topic", topic.Key(), "error", err)
				continue
			}

			// Every strictly-newer row is emitted, not just the latest one:
			// bursts between ticks must not lose intermediate rows.
			for _, change := range changes {
				onRaw(event.Raw{
					Transport:  event.TransportPolling,
					Topic:      topic,
					Payload:    change.Payload,
					ReceivedAt: time.Now(),
				})
				if change.Seq > afterSeq {
					afterSeq = change.Seq
				}
			}
		}
	}
}
