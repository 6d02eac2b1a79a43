package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	apperrors "chat-relay/errors"
)

// maxStreamLine bounds a single event line; oversized lines fail the stream
// rather than silently truncating an event.
const maxStreamLine = 1 << 20

// StreamAdapter opens a one-way streaming HTTP response keyed by topic and
// reads line-delimited JSON event payloads off it. Comment lines (":" prefix,
// the usual keepalive on this kind of endpoint) and blank lines are skipped.
// Any stream error after establishment is reported through onErr; the
// request itself failing is a synchronous unavailable.
type StreamAdapter struct {
	log            *slog.Logger
	baseURL        string
	connectTimeout time.Duration
	client         *http.Client
}

func NewStreamAdapter(log *slog.Logger, baseURL string, connectTimeout time.Duration) *StreamAdapter {
	return &StreamAdapter{
		log:            log,
		baseURL:        baseURL,
		connectTimeout: connectTimeout,
		// No overall client timeout: the response body is an endless stream.
		// The handshake is bounded separately in Start.
		client: &http.Client{},
	}
}

func (a *StreamAdapter) Name() event.TransportName { return event.TransportStream }

func (a *StreamAdapter) Start(ctx context.Context, topic domain.Topic, onRaw contract.RawHandler, onErr contract.ErrorHandler) (contract.StopFunc, error) {
	streamURL, err := a.topicURL(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// Bound the handshake without bounding the stream: if no response
	// arrives within the connect timeout, give up and fall back.
	handshake := time.AfterFunc(a.connectTimeout, cancel)
	resp, err := a.client.Do(req)
	alive := handshake.Stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}
	if !alive {
		// The timer fired between the response arriving and Stop: the stream
		// context is already canceled, so the response is unusable.
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: handshake exceeded %s", apperrors.ErrTransportUnavailable, a.connectTimeout)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: stream endpoint returned %s", apperrors.ErrTransportUnavailable, resp.Status)
	}

	a.log.Debug("Stream attached", "topic", topic.Key(), "url", streamURL)
	go a.consume(streamCtx, topic, resp, onRaw, onErr)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			resp.Body.Close()
		})
	}, nil
}

func (a *StreamAdapter) topicURL(topic domain.Topic) (string, error) {
	parsed, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("topic", topic.Key())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (a *StreamAdapter) consume(ctx context.Context, topic domain.Topic, resp *http.Response, onRaw contract.RawHandler, onErr contract.ErrorHandler) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		onRaw(event.Raw{
			Transport:  event.TransportStream,
			Topic:      topic,
			Payload:    []byte(line),
			ReceivedAt: time.Now(),
		})
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		// Server closed an endless stream; treat EOF as a drop too.
		err = fmt.Errorf("stream ended")
	}
	onErr(fmt.Errorf("%w: %v", apperrors.ErrTransportDisconnected, err))
}
