// Package wsecho implements a WebSocket endpoint that echoes every message
// back to its sender.
package wsecho

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	gorillaws "github.com/gorilla/websocket"

	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/server"
	"example.com/carbonhttp/v2/internal/websocket"
)

// Config is the handler_config of a wsecho route.
type Config struct {
	// Greeting, if set, is sent as a text message when a session opens.
	Greeting string `json:"greeting,omitempty"`
	// Prefix is prepended to every echoed text message.
	Prefix string `json:"prefix,omitempty"`
}

// Handler is both a server.Handler, answering plain HTTP requests with 426,
// and a websocket.Connector for upgraded connections.
type Handler struct {
	cfg Config
	log *logger.Logger
}

var _ websocket.Connector = (*Handler)(nil)

// New is the server.HandlerFactory for the "WebSocketEcho" handler type.
func New(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("wsecho: invalid handler_config: %w", err)
		}
	}
	return &Handler{cfg: cfg, log: lg}, nil
}

func (h *Handler) ServeCarbon(w http.ResponseWriter, r *http.Request, _ *message.CarbonMessage) {
	extra := http.Header{
		"Upgrade":    []string{"websocket"},
		"Connection": []string{"Upgrade"},
	}
	httperr.Write(w, r, http.StatusUpgradeRequired, "this endpoint only accepts websocket connections", extra, h.log)
}

func (h *Handler) OnOpen(s *websocket.Session) error {
	h.log.Debug("wsecho session opened", logger.LogFields{"session_id": s.ID(), "uri": s.URI()})
	if h.cfg.Greeting != "" {
		return s.WriteMessage(gorillaws.TextMessage, []byte(h.cfg.Greeting))
	}
	return nil
}

func (h *Handler) OnMessage(s *websocket.Session, messageType int, data []byte) error {
	if messageType == gorillaws.TextMessage && h.cfg.Prefix != "" {
		data = append([]byte(h.cfg.Prefix), data...)
	}
	return s.WriteMessage(messageType, data)
}

func (h *Handler) OnClose(s *websocket.Session, code int, text string) {
	h.log.Debug("wsecho session closed", logger.LogFields{"session_id": s.ID(), "code": code, "reason": text})
}
