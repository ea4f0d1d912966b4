// Package websocket upgrades HTTP connections to WebSocket and serves the
// upgraded connections.
package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"example.com/carbonhttp/v2/internal/metrics"
)

const closeWriteWait = time.Second

// Connector is the application side of a WebSocket endpoint. Routes whose
// handler implements Connector accept upgrade requests.
//
// OnMessage is called on the connection's read goroutine, one message at a
// time, in arrival order. Returning an error closes the session with status
// 1011.
type Connector interface {
	OnOpen(s *Session) error
	OnMessage(s *Session, messageType int, data []byte) error
	OnClose(s *Session, code int, text string)
}

// Session is one upgraded WebSocket connection.
type Session struct {
	id          string
	uri         string
	remoteAddr  string
	subprotocol string
	ws          *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSession(ws *websocket.Conn, uri, remoteAddr string) *Session {
	return &Session{
		id:          uuid.NewString(),
		uri:         uri,
		remoteAddr:  remoteAddr,
		subprotocol: ws.Subprotocol(),
		ws:          ws,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// URI returns the request URI of the upgrade request.
func (s *Session) URI() string { return s.uri }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Subprotocol returns the negotiated subprotocol, or "".
func (s *Session) Subprotocol() string { return s.subprotocol }

// WriteMessage sends one data message. It is safe for concurrent use.
func (s *Session) WriteMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(messageType, data); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// CloseWithCode sends a close frame with the given status and closes the
// connection. Only the first call has any effect.
func (s *Session) CloseWithCode(code int, text string) error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		s.closeErr = s.ws.Close()
	})
	return s.closeErr
}

// Close closes the session with status 1001 (going away).
func (s *Session) Close() error {
	return s.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
}
