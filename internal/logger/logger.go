package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/carbonhttp/v2/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	mu      sync.Mutex
	outputs []io.Closer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget, errorFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil {
			errorTarget = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errorFormat = cfg.ErrorLog.Format
		}
	}
	errorOutput, err := l.openTarget(errorTarget, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = newZerolog(errorOutput, errorFormat).Level(zerologLevel(cfg.LogLevel))

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOutput, err := l.openTarget(accessTarget, os.Stdout)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		al := newZerolog(accessOutput, cfg.AccessLog.Format)
		l.accessLog = &al
	}

	return l, nil
}

// New returns a logger that writes JSON error log entries to w. Access
// logging is disabled.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{errorLog: newZerolog(w, "json").Level(zerologLevel(level))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) openTarget(target string, def *os.File) (io.Writer, error) {
	switch target {
	case "":
		return def, nil
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if !config.IsFilePath(target) {
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	l.mu.Lock()
	l.outputs = append(l.outputs, f)
	l.mu.Unlock()
	return f, nil
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every error log entry.
func (l *Logger) With(fields LogFields) *Logger {
	return &Logger{
		errorLog:  l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(),
		accessLog: l.accessLog,
	}
}

// Zerolog exposes the underlying error logger for packages that take a zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.errorLog
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.log(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.log(l.errorLog.Error(), msg, fields)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.log(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.log(l.errorLog.Warn(), msg, fields)
}

// Access writes an access log entry for a completed request.
func (l *Logger) Access(req *http.Request, connID string, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog == nil || req == nil {
		return
	}
	host, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host, port = req.RemoteAddr, "0"
	}
	ev := l.accessLog.Log().
		Str("remote_addr", host).
		Str("remote_port", port).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Str("conn_id", connID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files.
// This would be called during server shutdown.
func (l *Logger) CloseLogFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.outputs {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.outputs = nil
	return firstErr
}
