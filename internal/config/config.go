package config

import (
	"encoding/json"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress                 = ":8080"
	DefaultChunkSize               = 8192
	DefaultReadBufferSize          = 4096
	DefaultGracefulShutdownTimeout = "30s"
	DefaultHighWaterMark           = 32
	DefaultLowWaterMark            = 8
	DefaultWebSocketBufferSize     = 4096
	DefaultHandshakeTimeout        = "10s"
	DefaultMaxMessageSize          = 1 << 20
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server      *ServerConfig      `json:"server,omitempty" toml:"server,omitempty"`
	FlowControl *FlowControlConfig `json:"flow_control,omitempty" toml:"flow_control,omitempty"`
	WebSocket   *WebSocketConfig   `json:"websocket,omitempty" toml:"websocket,omitempty"`
	Routing     *RoutingConfig     `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging     *LoggingConfig     `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	ChunkSize               int     `json:"chunk_size,omitempty" toml:"chunk_size,omitempty"`             // bytes per decoded body chunk
	ReadBufferSize          int     `json:"read_buffer_size,omitempty" toml:"read_buffer_size,omitempty"` // bufio size on the connection
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	MetricsAddress          *string `json:"metrics_address,omitempty" toml:"metrics_address,omitempty"`
}

// FlowControlConfig holds the queue-depth thresholds that pause and resume
// reads on a connection while a message body is buffered.
type FlowControlConfig struct {
	HighWaterMark int `json:"high_water_mark,omitempty" toml:"high_water_mark,omitempty"`
	LowWaterMark  int `json:"low_water_mark,omitempty" toml:"low_water_mark,omitempty"`
}

// WebSocketConfig is the listener configuration captured by the upgrade
// coordinator and handed to every upgraded connection.
type WebSocketConfig struct {
	Subprotocols       []string `json:"subprotocols,omitempty" toml:"subprotocols,omitempty"`
	ReadBufferSize     int      `json:"read_buffer_size,omitempty" toml:"read_buffer_size,omitempty"`
	WriteBufferSize    int      `json:"write_buffer_size,omitempty" toml:"write_buffer_size,omitempty"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
	MaxMessageSize     int64    `json:"max_message_size,omitempty" toml:"max_message_size,omitempty"`
	HandshakeTimeout   *string  `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	RequireSubprotocol bool     `json:"require_subprotocol,omitempty" toml:"require_subprotocol,omitempty"`
	EnableCompression  bool     `json:"enable_compression,omitempty" toml:"enable_compression,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	Format string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
}

// IsFilePath reports whether a log target names a file rather than a std stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// ShutdownTimeout returns the parsed graceful shutdown timeout. Validate
// guarantees that the value parses once defaults are applied.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s == nil || s.GracefulShutdownTimeout == nil {
		d, _ := time.ParseDuration(DefaultGracefulShutdownTimeout)
		return d
	}
	d, err := time.ParseDuration(*s.GracefulShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// HandshakeDeadline returns the parsed handshake timeout.
func (w *WebSocketConfig) HandshakeDeadline() time.Duration {
	if w == nil || w.HandshakeTimeout == nil {
		d, _ := time.ParseDuration(DefaultHandshakeTimeout)
		return d
	}
	d, err := time.ParseDuration(*w.HandshakeTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
