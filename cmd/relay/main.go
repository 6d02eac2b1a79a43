package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/infrastructure/storage"
	"chat-relay/infrastructure/transport"
	"chat-relay/internal"
	"chat-relay/services"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the gateway lifecycle, and
// centralizes error reporting, so 'defer' statements (like the database
// cleanup) execute before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}

	logger := internal.NewLogger(config.LogLevel)

	// 2. Database (BadgerDB)
	options := badger.DefaultOptions(config.BadgerFilepath).WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		// Defer ensures the database lock is released and buffers are flushed.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	changeLog := storage.NewChangeLog(db, logger)
	presenceRepo := storage.NewPresenceRepository(db, 2*config.HeartbeatInterval)
	defer presenceRepo.Close()

	// 3. Facade wiring. The change log serves double duty: push feed for the
	// priority transport and querier for the polling fallback.
	deps := services.Dependencies{
		Querier:  changeLog,
		Feed:     changeLog,
		Presence: presenceRepo,
	}
	if config.EnableSocketTransport {
		deps.Socket = transport.NewSocketAdapter(logger, config.SocketURL, config.TransportConnectTimeout)
	}
	if config.EnableStreamTransport {
		deps.Stream = transport.NewStreamAdapter(logger, config.StreamURL, config.TransportConnectTimeout)
	}

	service, err := services.NewRealtimeService(logger, config, deps)
	if err != nil {
		return exitRuntime, fmt.Errorf("realtime service init failed: %w", err)
	}

	if config.DebugPort > 0 {
		internal.StartDebugServer(db, config.DebugPort, "/inspect", internal.ChangeLogMapper, func() map[string]any {
			stats := service.Stats()
			return map[string]any{
				"delivered":  stats.Delivered,
				"duplicates": stats.DuplicatesDropped,
				"malformed":  stats.MalformedDropped,
				"reconnects": stats.Reconnects,
			}
		})
		logger.Info("Keyspace inspector listening", "port", config.DebugPort)
	}

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting realtime workers...")
		errChan <- service.Run(ctx)
	}()

	service.PublishPresence(domain.StatusOnline, "")

	// 5. Tail the configured topics as NDJSON on stdout. The user's global
	// inbox is always included.
	topics := gatewayTopics(config)
	encoder := json.NewEncoder(os.Stdout)
	for _, topic := range topics {
		unsubscribe, err := service.Subscribe(topic, func(e event.Event) {
			_ = encoder.Encode(e)
		})
		if err != nil {
			return exitRuntime, fmt.Errorf("subscribe %s: %w", topic.Key(), err)
		}
		defer unsubscribe()
		logger.Info("Tailing topic", "topic", topic.Key())
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			return exitRuntime, err
		}
	}

	service.Stop()
	logger.Info("Delivery stats at shutdown", "stats", service.Stats())
	return exitOK, nil
}

// gatewayTopics parses the TOPICS list and prepends the user's inbox.
func gatewayTopics(config internal.Config) []domain.Topic {
	topics := []domain.Topic{domain.GlobalInboxTopic(config.UserID)}
	parsed := lo.FilterMap(strings.Split(config.Topics, ","), func(key string, _ int) (domain.Topic, bool) {
		topic, err := domain.ParseTopic(strings.TrimSpace(key))
		return topic, err == nil
	})
	return append(topics, parsed...)
}
