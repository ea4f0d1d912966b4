package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"example.com/carbonhttp/v2/internal/pipeline"
)

// responseWriter writes one HTTP/1.x response onto a connection. Bodies
// without a declared Content-Length are sent chunked to HTTP/1.1 clients and
// delimited by connection close for HTTP/1.0 clients.
//
// It is used from one goroutine at a time: the handler, or a push listener
// running under the message lock while the handler waits.
type responseWriter struct {
	conn *pipeline.Connection
	req  *http.Request
	bw   *bufio.Writer

	header      http.Header
	status      int
	wroteHeader bool
	hijacked    bool

	chunked       bool
	cw            io.WriteCloser
	bodyAllowed   bool
	contentLength int64 // -1 when not declared
	written       int64
	closeAfter    bool
	err           error
}

func newResponseWriter(c *pipeline.Connection, req *http.Request) *responseWriter {
	return &responseWriter{
		conn:          c,
		req:           req,
		bw:            c.Writer(),
		header:        make(http.Header),
		contentLength: -1,
		closeAfter:    req.Close,
	}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	w.wroteHeader = true
	w.status = code

	h := w.header
	w.bodyAllowed = bodyAllowedForStatus(code) && w.req.Method != http.MethodHead
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			w.contentLength = n
		} else {
			h.Del("Content-Length")
		}
	}

	switch {
	case !bodyAllowedForStatus(code):
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	case w.contentLength >= 0 || w.req.Method == http.MethodHead:
	case w.req.ProtoAtLeast(1, 1):
		w.chunked = true
		h.Set("Transfer-Encoding", "chunked")
	default:
		w.closeAfter = true
	}
	if w.closeAfter {
		h.Set("Connection", "close")
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	text := http.StatusText(code)
	if text == "" {
		text = "status code " + strconv.Itoa(code)
	}
	fmt.Fprintf(w.bw, "HTTP/1.1 %03d %s\r\n", code, text)
	h.Write(w.bw)
	w.bw.WriteString("\r\n")
	if w.chunked {
		w.cw = httputil.NewChunkedWriter(w.bw)
	}
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" && len(p) > 0 {
			w.header.Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.err != nil {
		return 0, w.err
	}
	if !w.bodyAllowed {
		if w.req.Method == http.MethodHead {
			return len(p), nil
		}
		return 0, http.ErrBodyNotAllowed
	}
	if w.contentLength >= 0 && w.written+int64(len(p)) > w.contentLength {
		return 0, http.ErrContentLength
	}

	var n int
	var err error
	if w.chunked {
		n, err = w.cw.Write(p)
	} else {
		n, err = w.bw.Write(p)
	}
	w.written += int64(n)
	if err != nil {
		w.err = err
		w.closeAfter = true
	}
	return n, err
}

// Flush sends buffered response bytes to the client.
func (w *responseWriter) Flush() {
	if w.hijacked {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = err
		w.closeAfter = true
	}
}

// Hijack hands the raw connection to the caller. Reads through the returned
// connection and reader still honour the connection's read pause.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.wroteHeader {
		return nil, nil, fmt.Errorf("server: cannot hijack after the response header was written")
	}
	w.hijacked = true
	return w.conn.GatedConn(), bufio.NewReadWriter(w.conn.Reader(), w.bw), nil
}

// finish completes the response. It reports whether the connection can
// carry another request.
func (w *responseWriter) finish() bool {
	if w.hijacked {
		return false
	}
	if !w.wroteHeader {
		w.header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}
	if w.chunked && w.err == nil {
		if err := w.cw.Close(); err != nil {
			w.err = err
		} else if _, err := w.bw.WriteString("\r\n"); err != nil {
			w.err = err
		}
	}
	if w.bodyAllowed && w.contentLength >= 0 && w.written != w.contentLength {
		w.closeAfter = true
	}
	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err == nil && !w.closeAfter
}

// Status returns the response status, or 0 if nothing was written.
func (w *responseWriter) Status() int {
	if w.hijacked && !w.wroteHeader {
		return http.StatusSwitchingProtocols
	}
	return w.status
}

// Written returns the number of body bytes written.
func (w *responseWriter) Written() int64 { return w.written }

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
