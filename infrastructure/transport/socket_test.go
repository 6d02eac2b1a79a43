package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
)

type socketServer struct {
	server *httptest.Server
	frames chan controlFrame
	conns  chan *websocket.Conn
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{
		frames: make(chan controlFrame, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.frames <- frame
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *socketServer) nextFrame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no control frame arrived")
		return controlFrame{}
	}
}

func (s *socketServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func TestSocketAdapter_SubscribeAndReceive(t *testing.T) {
	req := require.New(t)
	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)
	topic := domain.RoomTopic("42")
	raws, onRaw := collectRaws(4)

	stop, err := adapter.Start(context.Background(), topic, onRaw, func(error) {})
	req.NoError(err)
	defer stop()

	// The adapter announces the topic with a subscribe frame
	frame := server.nextFrame(t)
	req.Equal("subscribe", frame.Action)
	req.Equal(topic.Key(), frame.Topic)
	req.NotEmpty(frame.ClientID)

	// Frames for the topic are routed to its handler
	conn := server.conn(t)
	payload := `{"topic":"room:42","id":"m1","seq":100,"type":"message_created"}`
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case raw := <-raws:
		req.Equal(event.TransportSocket, raw.Transport)
		req.Equal(topic, raw.Topic)
		req.JSONEq(payload, string(raw.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("socket frame never reached the handler")
	}
}

func TestSocketAdapter_FramesForUnattachedTopicsAreIgnored(t *testing.T) {
	req := require.New(t)
	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)
	raws, onRaw := collectRaws(4)

	stop, err := adapter.Start(context.Background(), domain.RoomTopic("42"), onRaw, func(error) {})
	req.NoError(err)
	defer stop()
	server.nextFrame(t)

	conn := server.conn(t)
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"room:other","id":"m9","seq":5}`)))
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"room:42","id":"m1","seq":100}`)))

	// Only the attached topic's frame comes through
	raw := <-raws
	req.Equal("room:42", raw.Topic.Key())
	req.Empty(raws)
}

func TestSocketAdapter_SharedConnectionAcrossTopics(t *testing.T) {
	req := require.New(t)
	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)

	stopFirst, err := adapter.Start(context.Background(), domain.RoomTopic("1"), func(event.Raw) {}, func(error) {})
	req.NoError(err)
	stopSecond, err := adapter.Start(context.Background(), domain.RoomTopic("2"), func(event.Raw) {}, func(error) {})
	req.NoError(err)

	// One dial serves both topics
	server.conn(t)
	select {
	case <-server.conns:
		t.Fatal("second topic dialed its own connection")
	case <-time.After(50 * time.Millisecond):
	}
	req.Equal("subscribe", server.nextFrame(t).Action)
	req.Equal("subscribe", server.nextFrame(t).Action)

	// The first topic leaving sends unsubscribe but keeps the connection
	stopFirst()
	frame := server.nextFrame(t)
	req.Equal("unsubscribe", frame.Action)
	req.Equal("room:1", frame.Topic)

	req.NoError(adapter.Publish(context.Background(), domain.RoomTopic("2"), []byte(`{"content":"still up"}`)))
	req.Equal("publish", server.nextFrame(t).Action)

	stopSecond()
}

func TestSocketAdapter_Publish(t *testing.T) {
	req := require.New(t)
	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)
	topic := domain.RoomTopic("42")

	// Publishing without a connection is a disconnect, not a panic
	req.ErrorIs(adapter.Publish(context.Background(), topic, []byte(`{}`)), apperrors.ErrTransportDisconnected)

	stop, err := adapter.Start(context.Background(), topic, func(event.Raw) {}, func(error) {})
	req.NoError(err)
	defer stop()
	server.nextFrame(t)

	req.NoError(adapter.Publish(context.Background(), topic, []byte(`{"content":"hello"}`)))
	frame := server.nextFrame(t)
	req.Equal("publish", frame.Action)
	req.Equal(topic.Key(), frame.Topic)
	req.JSONEq(`{"content":"hello"}`, string(frame.Data))
}

func TestSocketAdapter_PingsDoNotDisruptPublishes(t *testing.T) {
	req := require.New(t)
	restore := socketPingInterval
	socketPingInterval = time.Millisecond
	t.Cleanup(func() { socketPingInterval = restore })

	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)
	topic := domain.RoomTopic("42")

	stop, err := adapter.Start(context.Background(), topic, func(event.Raw) {}, func(error) {})
	req.NoError(err)
	defer stop()
	server.nextFrame(t)

	// Keepalive pings race the data writer here; every publish must still go
	// through intact and in order.
	const publishes = 40
	for i := range publishes {
		req.NoError(adapter.Publish(context.Background(), topic, []byte(fmt.Sprintf(`{"n":%d}`, i))))
		time.Sleep(time.Millisecond)
	}
	for i := range publishes {
		frame := server.nextFrame(t)
		req.Equal("publish", frame.Action)
		req.JSONEq(fmt.Sprintf(`{"n":%d}`, i), string(frame.Data))
	}
}

func TestSocketAdapter_ServerDropReportsAllTopics(t *testing.T) {
	req := require.New(t)
	server := newSocketServer(t)
	adapter := NewSocketAdapter(discardLogger(), server.url(), time.Second)

	dropped := make(chan error, 2)
	onErr := func(cause error) { dropped <- cause }

	stopFirst, err := adapter.Start(context.Background(), domain.RoomTopic("1"), func(event.Raw) {}, onErr)
	req.NoError(err)
	defer stopFirst()
	stopSecond, err := adapter.Start(context.Background(), domain.RoomTopic("2"), func(event.Raw) {}, onErr)
	req.NoError(err)
	defer stopSecond()

	// When the server kills the shared connection
	server.conn(t).Close()

	// Then every attached topic is told exactly once
	for range 2 {
		select {
		case cause := <-dropped:
			req.ErrorIs(cause, apperrors.ErrTransportDisconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("drop was not reported to every topic")
		}
	}
}

func TestSocketAdapter_DialFailureIsSynchronous(t *testing.T) {
	req := require.New(t)
	adapter := NewSocketAdapter(discardLogger(), "ws://127.0.0.1:1", 100*time.Millisecond)

	_, err := adapter.Start(context.Background(), domain.RoomTopic("42"), func(event.Raw) {}, func(error) {})
	req.ErrorIs(err, apperrors.ErrTransportUnavailable)
}
