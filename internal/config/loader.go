package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoadConfig reads the configuration file at path, decodes it as JSON or TOML
// (chosen by extension, with auto-detection for unknown extensions), applies
// defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = parseJSON(data)
	case ".toml":
		cfg, err = parseTOML(data)
	default:
		cfg, err = parseJSON(data)
		if err != nil {
			var tomlErr error
			cfg, tomlErr = parseTOML(data)
			if tomlErr != nil {
				err = fmt.Errorf("failed to parse configuration file %s as JSON (%v) or TOML (%w)", path, err, tomlErr)
			} else {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func parseJSON(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON configuration: %w", err)
	}
	return &cfg, nil
}

// parseTOML decodes TOML into a generic tree and re-encodes it as JSON so
// that json.RawMessage handler configs behave the same in both formats.
func parseTOML(data []byte) (*Config, error) {
	var tree map[string]interface{}
	if _, err := toml.Decode(string(data), &tree); err != nil {
		return nil, fmt.Errorf("failed to parse TOML configuration: %w", err)
	}
	buf, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to convert TOML configuration: %w", err)
	}
	return parseJSON(buf)
}

// ApplyDefaults fills any unset section or field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		cfg.Server.Address = strPtr(DefaultAddress)
	}
	if cfg.Server.ChunkSize == 0 {
		cfg.Server.ChunkSize = DefaultChunkSize
	}
	if cfg.Server.ReadBufferSize == 0 {
		cfg.Server.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout)
	}

	if cfg.FlowControl == nil {
		cfg.FlowControl = &FlowControlConfig{}
	}
	if cfg.FlowControl.HighWaterMark == 0 {
		cfg.FlowControl.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.FlowControl.LowWaterMark == 0 {
		cfg.FlowControl.LowWaterMark = DefaultLowWaterMark
	}

	if cfg.WebSocket == nil {
		cfg.WebSocket = &WebSocketConfig{}
	}
	if cfg.WebSocket.ReadBufferSize == 0 {
		cfg.WebSocket.ReadBufferSize = DefaultWebSocketBufferSize
	}
	if cfg.WebSocket.WriteBufferSize == 0 {
		cfg.WebSocket.WriteBufferSize = DefaultWebSocketBufferSize
	}
	if cfg.WebSocket.MaxMessageSize == 0 {
		cfg.WebSocket.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.WebSocket.HandshakeTimeout == nil {
		cfg.WebSocket.HandshakeTimeout = strPtr(DefaultHandshakeTimeout)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		cfg.Logging.ErrorLog.Target = strPtr("stderr")
	}
	if cfg.Logging.ErrorLog.Format == "" {
		cfg.Logging.ErrorLog.Format = "json"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		cfg.Logging.AccessLog.Enabled = boolPtr(true)
	}
	if cfg.Logging.AccessLog.Target == nil {
		cfg.Logging.AccessLog.Target = strPtr("stdout")
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}
}

// Validate checks a configuration that has already had defaults applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return fmt.Errorf("server.address must be set")
	}
	if cfg.Server.ChunkSize < 0 {
		return fmt.Errorf("server.chunk_size must be positive, got %d", cfg.Server.ChunkSize)
	}
	if cfg.Server.ReadBufferSize < 0 {
		return fmt.Errorf("server.read_buffer_size must be positive, got %d", cfg.Server.ReadBufferSize)
	}
	if err := validateDuration("server.graceful_shutdown_timeout", cfg.Server.GracefulShutdownTimeout); err != nil {
		return err
	}

	fc := cfg.FlowControl
	if fc == nil {
		return fmt.Errorf("flow_control section is missing")
	}
	if fc.LowWaterMark < 1 {
		return fmt.Errorf("flow_control.low_water_mark must be at least 1, got %d", fc.LowWaterMark)
	}
	if fc.LowWaterMark >= fc.HighWaterMark {
		return fmt.Errorf("flow_control.low_water_mark (%d) must be below high_water_mark (%d)", fc.LowWaterMark, fc.HighWaterMark)
	}

	if ws := cfg.WebSocket; ws != nil {
		if ws.ReadBufferSize < 0 || ws.WriteBufferSize < 0 {
			return fmt.Errorf("websocket buffer sizes must be positive")
		}
		if ws.MaxMessageSize < 0 {
			return fmt.Errorf("websocket.max_message_size must be positive, got %d", ws.MaxMessageSize)
		}
		if err := validateDuration("websocket.handshake_timeout", ws.HandshakeTimeout); err != nil {
			return err
		}
		if ws.RequireSubprotocol && len(ws.Subprotocols) == 0 {
			return fmt.Errorf("websocket.require_subprotocol is set but no subprotocols are configured")
		}
	}

	if cfg.Routing != nil {
		for i, route := range cfg.Routing.Routes {
			if !strings.HasPrefix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: path_pattern %q must start with '/'", i, route.PathPattern)
			}
			if route.MatchType != MatchTypeExact && route.MatchType != MatchTypePrefix {
				return fmt.Errorf("routing.routes[%d]: match_type must be %q or %q, got %q", i, MatchTypeExact, MatchTypePrefix, route.MatchType)
			}
			if route.HandlerType == "" {
				return fmt.Errorf("routing.routes[%d]: handler_type cannot be empty", i)
			}
		}
	}

	if lg := cfg.Logging; lg != nil {
		switch lg.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", lg.LogLevel)
		}
		if lg.ErrorLog != nil && lg.ErrorLog.Target != nil && IsFilePath(*lg.ErrorLog.Target) && !filepath.IsAbs(*lg.ErrorLog.Target) {
			return fmt.Errorf("logging.error_log.target %q must be an absolute path", *lg.ErrorLog.Target)
		}
		if lg.AccessLog != nil && lg.AccessLog.Target != nil && IsFilePath(*lg.AccessLog.Target) && !filepath.IsAbs(*lg.AccessLog.Target) {
			return fmt.Errorf("logging.access_log.target %q must be an absolute path", *lg.AccessLog.Target)
		}
	}
	return nil
}

func validateDuration(name string, value *string) error {
	if value == nil {
		return nil
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid duration: %w", name, *value, err)
	}
	if d < 0 {
		return fmt.Errorf("%s cannot be negative", name)
	}
	return nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
