package websocket

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/metrics"
	"example.com/carbonhttp/v2/internal/pipeline"
	"example.com/carbonhttp/v2/internal/pool"
)

// SourceHandler is the active handler of an upgraded connection. It reads
// WebSocket messages and hands them to the connector.
type SourceHandler struct {
	ws        *websocket.Conn
	pool      *pool.Manager
	cfg       config.WebSocketConfig
	uri       string
	connector Connector
	log       *logger.Logger
}

// NewSourceHandler builds the handler for ws. cfg is copied so later
// configuration changes do not affect the connection.
func NewSourceHandler(ws *websocket.Conn, p *pool.Manager, cfg config.WebSocketConfig, uri string, connector Connector, lg *logger.Logger) *SourceHandler {
	if lg == nil {
		lg = logger.Nop()
	}
	return &SourceHandler{
		ws:        ws,
		pool:      p,
		cfg:       cfg,
		uri:       uri,
		connector: connector,
		log:       lg,
	}
}

// URI returns the request URI the connection was upgraded on.
func (h *SourceHandler) URI() string { return h.uri }

// ServeConn runs the read loop until the peer closes or the connection fails.
func (h *SourceHandler) ServeConn(ctx context.Context, c *pipeline.Connection) error {
	sess := newSession(h.ws, h.uri, c.RemoteAddr())
	lg := h.log.With(logger.LogFields{"session_id": sess.ID(), "uri": h.uri})

	if h.pool != nil {
		if !h.pool.Add(sess) {
			sess.Close()
			return nil
		}
		defer h.pool.Remove(sess.ID())
	}
	metrics.ConnectionsActive.WithLabelValues("websocket").Inc()
	defer metrics.ConnectionsActive.WithLabelValues("websocket").Dec()

	if h.cfg.MaxMessageSize > 0 {
		h.ws.SetReadLimit(h.cfg.MaxMessageSize)
	}

	if err := h.connector.OnOpen(sess); err != nil {
		lg.Warn("Connector refused WebSocket session", logger.LogFields{"error": err.Error()})
		sess.CloseWithCode(websocket.CloseInternalServerErr, "session refused")
		h.connector.OnClose(sess, websocket.CloseInternalServerErr, "session refused")
		return nil
	}
	lg.Debug("WebSocket session opened", logger.LogFields{"subprotocol": sess.Subprotocol()})

	code, text := websocket.CloseNormalClosure, ""
	for {
		mt, data, err := h.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				code, text = ce.Code, ce.Text
			case errors.Is(err, websocket.ErrReadLimit):
				code, text = websocket.CloseMessageTooBig, "message too big"
			default:
				code = websocket.CloseAbnormalClosure
				if ctx.Err() == nil {
					lg.Debug("WebSocket read failed", logger.LogFields{"error": err.Error()})
				}
			}
			break
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("in").Inc()

		if err := h.connector.OnMessage(sess, mt, data); err != nil {
			lg.Error("Connector failed to handle WebSocket message", logger.LogFields{"error": err.Error()})
			code, text = websocket.CloseInternalServerErr, "internal error"
			sess.CloseWithCode(code, text)
			break
		}
	}

	h.connector.OnClose(sess, code, text)
	h.ws.Close()
	lg.Debug("WebSocket session closed", logger.LogFields{"code": code})
	return nil
}
