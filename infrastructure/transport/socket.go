package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
)

var socketPingInterval = 30 * time.Second

const socketWriteWait = 5 * time.Second

// controlFrame is the outbound envelope of the socket bridge.
type controlFrame struct {
	Action   string          `json:"action"`
	ClientID string          `json:"client_id"`
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SocketAdapter maintains one persistent websocket connection multiplexed
// across every subscribed topic by subscribe/unsubscribe control frames. The
// connection is reference-counted: the first topic dials it, the last topic
// leaving closes it, so closing one topic never tears down a connection that
// another topic still uses. It is symmetric and supports outbound publish.
type SocketAdapter struct {
	log            *slog.Logger
	url            string
	connectTimeout time.Duration
	clientID       string

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	topics  map[string]socketHandlers
	writeMu sync.Mutex
}

type socketHandlers struct {
	onRaw contract.RawHandler
	onErr contract.ErrorHandler
}

func NewSocketAdapter(log *slog.Logger, url string, connectTimeout time.Duration) *SocketAdapter {
	return &SocketAdapter{
		log:            log,
		url:            url,
		connectTimeout: connectTimeout,
		clientID:       uuid.NewString(),
		topics:         make(map[string]socketHandlers),
	}
}

func (a *SocketAdapter) Name() event.TransportName { return event.TransportSocket }

func (a *SocketAdapter) Start(_ context.Context, topic domain.Topic, onRaw contract.RawHandler, onErr contract.ErrorHandler) (contract.StopFunc, error) {
	a.mu.Lock()
	if a.conn == nil {
		if err := a.dialLocked(); err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
		}
	}
	conn := a.conn
	a.topics[topic.Key()] = socketHandlers{onRaw: onRaw, onErr: onErr}
	a.mu.Unlock()

	if err := a.writeControl(conn, controlFrame{Action: "subscribe", ClientID: a.clientID, Topic: topic.Key()}); err != nil {
		a.detach(topic)
		return nil, fmt.Errorf("%w: subscribe frame: %v", apperrors.ErrTransportUnavailable, err)
	}

	a.log.Debug("Socket topic attached", "topic", topic.Key(), "url", a.url)

	var once sync.Once
	return func() {
		once.Do(func() {
			// Best effort; the server also drops the filter when the
			// connection goes away.
			a.mu.Lock()
			conn := a.conn
			a.mu.Unlock()
			if conn != nil {
				_ = a.writeControl(conn, controlFrame{Action: "unsubscribe", ClientID: a.clientID, Topic: topic.Key()})
			}
			a.detach(topic)
		})
	}, nil
}

// Publish sends an outbound frame for a topic. Implements contract.Publisher.
func (a *SocketAdapter) Publish(_ context.Context, topic domain.Topic, payload []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return apperrors.ErrTransportDisconnected
	}
	return a.writeControl(conn, controlFrame{
		Action:   "publish",
		ClientID: a.clientID,
		Topic:    topic.Key(),
		Data:     payload,
	})
}

// writeControl serializes frame writes; gorilla connections allow only one
// concurrent writer.
func (a *SocketAdapter) writeControl(conn *websocket.Conn, frame controlFrame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (a *SocketAdapter) dialLocked() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: a.connectTimeout,
	}
	conn, resp, err := dialer.Dial(a.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %s: %w", a.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", a.url, err)
	}

	a.conn = conn
	a.gen++
	go a.readLoop(conn, a.gen)
	go a.pingLoop(conn, a.gen)
	return nil
}

func (a *SocketAdapter) detach(topic domain.Topic) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.topics, topic.Key())
	if len(a.topics) == 0 && a.conn != nil {
		// WriteControl is safe alongside a concurrent WriteJSON.
		_ = a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(socketWriteWait))
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *SocketAdapter) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			a.failConnection(conn, gen, err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var probe struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(message, &probe); err != nil {
			a.log.Warn("Unparseable socket frame", "error", err)
			continue
		}
		topic, err := domain.ParseTopic(probe.Topic)
		if err != nil {
			a.log.Warn("Socket frame without routable topic", "error", err)
			continue
		}

		a.mu.Lock()
		handlers, ok := a.topics[topic.Key()]
		a.mu.Unlock()
		if !ok {
			continue
		}

		handlers.onRaw(event.Raw{
			Transport:  event.TransportSocket,
			Topic:      topic,
			Payload:    message,
			ReceivedAt: time.Now(),
		})
	}
}

func (a *SocketAdapter) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for range ticker.C {
		a.mu.Lock()
		stale := a.conn != conn || a.gen != gen
		a.mu.Unlock()
		if stale {
			return
		}
		// Control frames have their own concurrency guarantee; pings must not
		// interleave with the data writer.
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
			return
		}
	}
}

// failConnection reports a mid-session drop to every attached topic exactly
// once per connection generation. The manager owns the retry policy; the
// first retried Start re-dials, later ones reattach to the fresh connection.
func (a *SocketAdapter) failConnection(conn *websocket.Conn, gen uint64, cause error) {
	a.mu.Lock()
	if a.conn != conn || a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	failed := a.topics
	a.topics = make(map[string]socketHandlers)
	a.mu.Unlock()

	_ = conn.Close()
	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.log.Warn("Socket connection dropped", "url", a.url, "error", cause)
	}

	for _, handlers := range failed {
		handlers.onErr(fmt.Errorf("%w: %v", apperrors.ErrTransportDisconnected, cause))
	}
}
