package websocket

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/metrics"
	"example.com/carbonhttp/v2/internal/pipeline"
	"example.com/carbonhttp/v2/internal/pool"
)

// SupportedVersion is the only Sec-WebSocket-Version accepted.
const SupportedVersion = "13"

// IsUpgradeRequest reports whether r asks to switch to WebSocket.
func IsUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// Handshaker coordinates the upgrade of one HTTP connection to WebSocket.
// It validates the request, runs the handshake and, on success, installs a
// SourceHandler as the connection's active handler. A Handshaker serves a
// single upgrade attempt.
type Handshaker struct {
	cfg       config.WebSocketConfig
	pool      *pool.Manager
	connector Connector
	log       *logger.Logger

	mu        sync.Mutex
	conn      *pipeline.Connection
	ws        *websocket.Conn
	cancelled bool
}

// NewHandshaker returns a coordinator that hands upgraded connections to
// connector. The listener configuration is captured by value.
func NewHandshaker(cfg *config.WebSocketConfig, p *pool.Manager, connector Connector, lg *logger.Logger) *Handshaker {
	if lg == nil {
		lg = logger.Nop()
	}
	h := &Handshaker{pool: p, connector: connector, log: lg}
	if cfg != nil {
		h.cfg = *cfg
		h.cfg.Subprotocols = append([]string(nil), cfg.Subprotocols...)
		h.cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	}
	return h
}

type rejection struct {
	status int
	reason string
	header http.Header
}

// Handshake upgrades conn using the request r received on it. It returns
// true only if the handshake response was sent and the connection's active
// handler was replaced. When validation fails a rejection response is
// written to w, the connection stays on HTTP and the returned error has kind
// message.KindUnsupportedUpgrade. Calling Handshake on a connection that was
// already upgraded is a protocol violation: nothing is written and the
// current handler is left alone.
func (h *Handshaker) Handshake(w http.ResponseWriter, r *http.Request, conn *pipeline.Connection) (bool, error) {
	lg := h.log.With(logger.LogFields{"conn_id": conn.ID(), "uri": r.RequestURI})

	if conn.Upgraded() {
		return false, h.violation(lg)
	}

	if rej := h.validate(r); rej != nil {
		metrics.UpgradesTotal.WithLabelValues("rejected").Inc()
		lg.Info("WebSocket upgrade rejected", logger.LogFields{"status": rej.status, "reason": rej.reason})
		if err := httperr.Write(w, r, rej.status, rej.reason, rej.header, lg); err != nil {
			return false, message.NewErrorWithCause(message.KindUnsupportedUpgrade, rej.reason, err)
		}
		return false, message.NewError(message.KindUnsupportedUpgrade, rej.reason)
	}

	if !conn.BeginUpgrade() {
		return false, h.violation(lg)
	}

	h.mu.Lock()
	h.conn = conn
	cancelled := h.cancelled
	h.mu.Unlock()
	if cancelled {
		conn.Close()
		return false, message.NewError(message.KindUnsupportedUpgrade, "upgrade cancelled")
	}

	upgrader := h.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The handshake primitive may have hijacked the socket already, so the
		// connection cannot go back to HTTP.
		metrics.UpgradesTotal.WithLabelValues("failed").Inc()
		lg.Warn("WebSocket handshake failed", logger.LogFields{"error": err.Error()})
		conn.Close()
		return false, message.NewErrorWithCause(message.KindUnsupportedUpgrade, "websocket handshake failed", err)
	}

	h.mu.Lock()
	h.ws = ws
	cancelled = h.cancelled
	h.mu.Unlock()
	if cancelled {
		h.closeWS(websocket.CloseGoingAway, "upgrade cancelled")
		conn.Close()
		return false, message.NewError(message.KindUnsupportedUpgrade, "upgrade cancelled")
	}

	if h.cfg.RequireSubprotocol && ws.Subprotocol() == "" {
		lg.Info("WebSocket upgrade cancelled: no subprotocol negotiated", nil)
		h.Cancel()
		return false, message.NewError(message.KindUnsupportedUpgrade, "no subprotocol negotiated")
	}

	src := NewSourceHandler(ws, h.pool, h.cfg, r.RequestURI, h.connector, h.log)
	if err := conn.ReplaceHandler(src); err != nil {
		metrics.UpgradesTotal.WithLabelValues("failed").Inc()
		ws.Close()
		return false, message.NewErrorWithCause(message.KindUnsupportedUpgrade, "could not install websocket handler", err)
	}

	metrics.UpgradesTotal.WithLabelValues("success").Inc()
	lg.Debug("Connection upgraded to WebSocket", logger.LogFields{"subprotocol": ws.Subprotocol()})
	return true, nil
}

// Cancel abandons the upgrade and closes the connection. If the WebSocket
// handshake has already completed a protocol error close frame is sent
// first. Cancel is idempotent.
func (h *Handshaker) Cancel() error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	ws, conn := h.ws, h.conn
	h.mu.Unlock()

	metrics.UpgradesTotal.WithLabelValues("cancelled").Inc()
	var err error
	if ws != nil {
		err = h.closeWS(websocket.CloseProtocolError, "upgrade cancelled")
	}
	if conn != nil {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (h *Handshaker) closeWS(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = h.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return h.ws.Close()
}

func (h *Handshaker) violation(lg *logger.Logger) error {
	metrics.ProtocolViolationsTotal.WithLabelValues("repeated_upgrade").Inc()
	lg.Error("Upgrade requested on an already upgraded connection", nil)
	return message.NewError(message.KindProtocolViolation, "connection already upgraded")
}

func (h *Handshaker) validate(r *http.Request) *rejection {
	if h.connector == nil {
		return &rejection{status: http.StatusNotImplemented, reason: "route does not accept websocket connections"}
	}
	if r.Method != http.MethodGet {
		return &rejection{
			status: http.StatusMethodNotAllowed,
			reason: "websocket upgrade requires GET",
			header: http.Header{"Allow": []string{http.MethodGet}},
		}
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") {
		return &rejection{status: http.StatusBadRequest, reason: "missing 'upgrade' token in Connection header"}
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		return &rejection{status: http.StatusBadRequest, reason: "missing 'websocket' token in Upgrade header"}
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != SupportedVersion {
		return &rejection{
			status: http.StatusUpgradeRequired,
			reason: "unsupported websocket version",
			header: http.Header{"Sec-Websocket-Version": []string{SupportedVersion}},
		}
	}
	if !validChallengeKey(r.Header.Get("Sec-WebSocket-Key")) {
		return &rejection{status: http.StatusBadRequest, reason: "invalid Sec-WebSocket-Key header"}
	}
	if !h.originAllowed(r.Header.Get("Origin")) {
		return &rejection{status: http.StatusForbidden, reason: "origin not allowed"}
	}
	return nil
}

func (h *Handshaker) originAllowed(origin string) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func validChallengeKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

func (h *Handshaker) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout:  h.cfg.HandshakeDeadline(),
		ReadBufferSize:    h.cfg.ReadBufferSize,
		WriteBufferSize:   h.cfg.WriteBufferSize,
		Subprotocols:      h.cfg.Subprotocols,
		EnableCompression: h.cfg.EnableCompression,
		// Origins were checked in validate.
		CheckOrigin: func(*http.Request) bool { return true },
		// Requests reaching Upgrade are already validated; any failure left
		// closes the connection instead of writing a second response.
		Error: func(http.ResponseWriter, *http.Request, int, error) {},
	}
}
