package internal

import (
	"fmt"
	"time"
)

// Config is the recognized option surface of the relay, loaded from the
// environment. Transport priority is fixed (push feed, then socket, then
// stream); polling is always on as the guaranteed fallback.
type Config struct {
	UserID string `env:"USER_ID,required=true"`
	Topics string `env:"TOPICS"` // comma-separated topic keys the gateway tails

	PollingInterval         time.Duration `env:"POLLING_INTERVAL,default=2s"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	TransportConnectTimeout time.Duration `env:"TRANSPORT_CONNECT_TIMEOUT,default=5s"`
	ReconnectBaseDelay      time.Duration `env:"RECONNECT_BASE_DELAY,default=1s"`
	MaxReconnectAttempts    int           `env:"MAX_RECONNECT_ATTEMPTS,default=5"`

	EnableSocketTransport bool   `env:"ENABLE_SOCKET_TRANSPORT,default=false"`
	SocketURL             string `env:"SOCKET_URL"`
	EnableStreamTransport bool   `env:"ENABLE_STREAM_TRANSPORT,default=false"`
	StreamURL             string `env:"STREAM_URL"`

	BufferSize     int           `env:"BUFFER_SIZE,default=256"`
	SinkTimeout    time.Duration `env:"SINK_TIMEOUT,default=2s"`
	MetricInterval time.Duration `env:"METRIC_INTERVAL,default=30s"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`
	DebugPort      int    `env:"DEBUG_PORT,default=0"` // 0 disables the keyspace inspector
}

func (c Config) Validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be positive, got %s", c.PollingInterval)
	}
	if c.EnableSocketTransport && c.SocketURL == "" {
		return fmt.Errorf("ENABLE_SOCKET_TRANSPORT requires SOCKET_URL")
	}
	if c.EnableStreamTransport && c.StreamURL == "" {
		return fmt.Errorf("ENABLE_STREAM_TRANSPORT requires STREAM_URL")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}
