package workers

import (
	"context"
	"log/slog"
	"time"

	"chat-relay/observability"
)

// TelemetryWorker periodically logs a snapshot of the delivery counters so
// dropped duplicates and malformed payloads leave a trace without ever
// reaching the UI as errors.
type TelemetryWorker struct {
	log            *slog.Logger
	metricInterval time.Duration
	monitor        *observability.Monitor
}

func NewTelemetryWorker(log *slog.Logger, metricInterval time.Duration, monitor *observability.Monitor) *TelemetryWorker {
	if metricInterval <= 0 {
		metricInterval = 30 * time.Second
	}
	return &TelemetryWorker{
		log:            log,
		metricInterval: metricInterval,
		monitor:        monitor,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := w.monitor.Snapshot()
			w.log.Info("delivery telemetry",
				"delivered", stats.Delivered,
				"duplicates_dropped", stats.DuplicatesDropped,
				"malformed_dropped", stats.MalformedDropped,
				"unknown_kinds", stats.UnknownKinds,
				"transport_errors", stats.TransportErrors,
				"reconnects", stats.Reconnects,
				"poll_failures", stats.PollFailures,
				"presence_failures", stats.PresenceFailures,
				"alloc_mb", stats.AllocMemMb,
			)
		}
	}
}
