package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"example.com/carbonhttp/v2/internal/flowcontrol"
	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/metrics"
	"example.com/carbonhttp/v2/internal/pipeline"
	"example.com/carbonhttp/v2/internal/websocket"
)

// httpSource is the initial active handler of every accepted connection. It
// decodes HTTP/1.x requests and feeds each request body into a
// CarbonMessage, one Append per decoded fragment.
type httpSource struct {
	s    *Server
	idle atomic.Bool
}

func (h *httpSource) ServeConn(ctx context.Context, c *pipeline.Connection) error {
	for {
		h.idle.Store(true)
		if h.s.shuttingDown.Load() {
			return nil
		}

		req, err := http.ReadRequest(c.Reader())
		h.idle.Store(false)
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			h.rejectMalformed(c, err)
			return nil
		}
		req.RemoteAddr = c.RemoteAddr()
		req = req.WithContext(ctx)

		var upgraded, keepAlive bool
		if websocket.IsUpgradeRequest(req) {
			upgraded, keepAlive = h.serveUpgrade(c, req)
		} else {
			keepAlive = h.serveRequest(c, req)
		}
		if upgraded {
			return pipeline.ErrHandlerReplaced
		}
		if !keepAlive {
			return nil
		}
	}
}

func (h *httpSource) serveRequest(c *pipeline.Connection, req *http.Request) bool {
	start := time.Now()
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	rw := newResponseWriter(c, req)
	if h.s.shuttingDown.Load() {
		rw.closeAfter = true
	}
	lg := c.Logger()

	fc := h.s.cfg.FlowControl
	link, err := flowcontrol.NewLink(c, fc.HighWaterMark, fc.LowWaterMark)
	if err != nil {
		// Validate rejects such marks, so this only triggers for hand-built configs.
		lg.Error("Invalid flow control configuration", logger.LogFields{"error": err.Error()})
		link = nil
	}
	msg := message.New(message.Options{ID: c.ID(), Flow: link, Logger: lg})

	handler := h.lookup(req, lg)

	if expectsContinue(req) {
		c.Writer().WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		c.Writer().Flush()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer msg.Release()
		defer func() {
			if p := recover(); p != nil {
				lg.Error("Handler panicked", logger.LogFields{"panic": fmt.Sprint(p), "uri": req.RequestURI, "stack": string(debug.Stack())})
				if !rw.wroteHeader {
					httperr.Write(rw, req, http.StatusInternalServerError, "", nil, lg)
				} else {
					rw.closeAfter = true
				}
			}
		}()
		handler.ServeCarbon(rw, req, msg)
	}()

	pumpErr := h.pumpBody(req.Body, msg, lg)
	if pumpErr != nil {
		lg.Debug("Request body read failed", logger.LogFields{"error": pumpErr.Error()})
		abort(msg, pumpErr, lg)
		cancel()
	}
	<-done
	if pumpErr != nil {
		if !rw.wroteHeader && !rw.hijacked {
			status := http.StatusBadRequest
			if errors.Is(pumpErr, errListenerPanic) {
				status = http.StatusInternalServerError
			}
			rw.closeAfter = true
			httperr.Write(rw, req, status, "", nil, lg)
		}
		rw.closeAfter = true
	}

	keepAlive := rw.finish()
	h.s.observe(req, c.ID(), rw.Status(), rw.Written(), time.Since(start))
	return keepAlive
}

// pumpBody appends one chunk to msg per read from body, each at most
// chunk_size bytes, flagging the chunk that ends the body as terminal. A body
// whose end is only noticed on a later read gets an empty terminal chunk.
//
// Push listeners run on this goroutine for chunks appended after they were
// attached. A listener panic is recovered here and returned as
// errListenerPanic so it only ends this connection.
func (h *httpSource) pumpBody(body io.Reader, msg *message.CarbonMessage, lg *logger.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = recoverListener(p, lg)
		}
	}()
	if body == nil {
		body = http.NoBody
	}
	buf := make([]byte, h.s.cfg.Server.ChunkSize)
	for {
		n, err := body.Read(buf)
		switch {
		case err == nil:
			if n > 0 {
				msg.Append(clone(buf[:n]), false)
			}
		case errors.Is(err, io.EOF):
			var last []byte
			if n > 0 {
				last = clone(buf[:n])
			}
			msg.Append(last, true)
			return nil
		default:
			return err
		}
	}
}

func (h *httpSource) serveUpgrade(c *pipeline.Connection, req *http.Request) (upgraded, keepAlive bool) {
	start := time.Now()
	rw := newResponseWriter(c, req)
	lg := c.Logger()

	handler := h.lookup(req, lg)
	if eh, ok := handler.(errorHandler); ok {
		eh.ServeCarbon(rw, req, nil)
		keepAlive = rw.finish() && drain(req.Body)
		h.s.observe(req, c.ID(), rw.Status(), rw.Written(), time.Since(start))
		return false, keepAlive
	}

	connector, _ := handler.(websocket.Connector)
	hs := websocket.NewHandshaker(h.s.cfg.WebSocket, h.s.pool, connector, h.s.log)
	ok, err := hs.Handshake(rw, req, c)
	h.s.observe(req, c.ID(), rw.Status(), rw.Written(), time.Since(start))
	if ok {
		return true, false
	}
	lg.Debug("Upgrade not completed", logger.LogFields{"error": errString(err)})
	if rw.hijacked {
		return false, false
	}
	return false, rw.finish() && drain(req.Body)
}

// lookup resolves the handler for req, falling back to error handlers for
// unmatched paths and handler construction failures.
func (h *httpSource) lookup(req *http.Request, lg *logger.Logger) Handler {
	handler, err := h.s.router.Match(req.URL.Path)
	if err != nil {
		lg.Error("Handler creation failed for request", logger.LogFields{"path": req.URL.Path, "error": err.Error()})
		return errorHandler{status: http.StatusInternalServerError, detail: "Failed to initialize request handler.", log: lg}
	}
	if handler == nil {
		lg.Info("No route matched for request", logger.LogFields{"path": req.URL.Path})
		return errorHandler{status: http.StatusNotFound, log: lg}
	}
	return handler
}

func (h *httpSource) rejectMalformed(c *pipeline.Connection, err error) {
	c.Logger().Debug("Malformed request", logger.LogFields{"error": err.Error()})
	w := c.Writer()
	body := "400 Bad Request"
	fmt.Fprintf(w, "HTTP/1.1 400 Bad Request\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: %s\r\n\r\n%s",
		strconv.Itoa(len(body)), body)
	w.Flush()
}

func expectsContinue(req *http.Request) bool {
	return req.ProtoAtLeast(1, 1) && req.ContentLength != 0 &&
		strings.EqualFold(req.Header.Get("Expect"), "100-continue")
}

func isClosedConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, pipeline.ErrConnectionClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// errListenerPanic marks a body pump stopped by a panicking push listener.
var errListenerPanic = errors.New("server: body listener panicked")

func recoverListener(p any, lg *logger.Logger) error {
	metrics.ProtocolViolationsTotal.WithLabelValues("listener_panic").Inc()
	lg.Error("Body listener panicked", logger.LogFields{"panic": fmt.Sprint(p), "stack": string(debug.Stack())})
	return fmt.Errorf("%w: %v", errListenerPanic, p)
}

// abort discards msg after a failed body read. An ErrorListener that panics
// in OnError is contained the same way as in OnMessage.
func abort(msg *message.CarbonMessage, cause error, lg *logger.Logger) {
	defer func() {
		if p := recover(); p != nil {
			recoverListener(p, lg)
		}
	}()
	msg.Abort(cause)
}

// drain discards an unread request body so the next request can be parsed.
// It reports whether the body ended cleanly.
func drain(body io.Reader) bool {
	if body == nil {
		return true
	}
	_, err := io.Copy(io.Discard, body)
	return err == nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) observe(req *http.Request, connID string, status int, written int64, d time.Duration) {
	metrics.HTTPRequestDuration.WithLabelValues(req.Method, strconv.Itoa(status)).Observe(d.Seconds())
	s.log.Access(req, connID, status, written, d)
}
