// Package echo implements a handler that relays the request body back to the
// client as it arrives. The body is consumed in push mode and the message is
// marked passthrough, so the client's read rate throttles the upload.
package echo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/server"
)

// Config is the handler_config of an echo route.
type Config struct {
	// ContentType overrides the response Content-Type. By default the
	// request's Content-Type is echoed, or application/octet-stream.
	ContentType string `json:"content_type,omitempty"`
}

// Handler echoes request bodies.
type Handler struct {
	cfg Config
	log *logger.Logger
}

// New is the server.HandlerFactory for the "Echo" handler type.
func New(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("echo: invalid handler_config: %w", err)
		}
	}
	return &Handler{cfg: cfg, log: lg}, nil
}

func (h *Handler) ServeCarbon(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage) {
	ct := h.cfg.ContentType
	if ct == "" {
		ct = r.Header.Get("Content-Type")
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if r.ContentLength >= 0 {
		w.Header().Set("Content-Length", fmt.Sprint(r.ContentLength))
	}
	w.WriteHeader(http.StatusOK)

	rl := &relay{w: w, done: make(chan error, 1)}
	rl.flusher, _ = w.(http.Flusher)

	msg.MarkPassthrough()
	if err := msg.Future().SetListener(rl); err != nil {
		h.log.Error("Echo could not attach to request body", logger.LogFields{"error": err.Error()})
		return
	}

	select {
	case err := <-rl.done:
		if err != nil {
			h.log.Debug("Echo aborted", logger.LogFields{"error": err.Error()})
		}
	case <-r.Context().Done():
	}
}

// relay writes each chunk to the response as soon as it is delivered.
type relay struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan error
	err     error
}

func (rl *relay) OnMessage(c message.Chunk) {
	if rl.err == nil && c.Len() > 0 {
		if _, err := rl.w.Write(c.Data); err != nil {
			rl.err = err
		} else if rl.flusher != nil {
			rl.flusher.Flush()
		}
	}
	if c.IsLast() {
		rl.done <- rl.err
	}
}

func (rl *relay) OnError(err error) {
	rl.done <- err
}
