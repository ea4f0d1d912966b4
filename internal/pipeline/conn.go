package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"example.com/carbonhttp/v2/internal/logger"
)

// ErrHandlerReplaced is returned by a Handler whose connection was handed to
// a new active handler. The serve loop then runs the replacement.
var ErrHandlerReplaced = errors.New("pipeline: active handler replaced")

// ErrConnectionClosed is returned by reads on a closed connection.
var ErrConnectionClosed = errors.New("pipeline: connection closed")

// Handler is the active protocol handler of a connection. ServeConn owns the
// connection's reads until it returns.
type Handler interface {
	ServeConn(ctx context.Context, c *Connection) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, c *Connection) error

// ServeConn calls f(ctx, c).
func (f HandlerFunc) ServeConn(ctx context.Context, c *Connection) error {
	return f(ctx, c)
}

type handlerSlot struct {
	h Handler
}

// Connection wraps one accepted network connection. It provides the
// capabilities the transport core relies on: pausing and resuming reads, a
// single-slot active handler that can be swapped atomically, and a guard
// admitting at most one protocol upgrade.
type Connection struct {
	id      string
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	log     *logger.Logger

	handler  atomic.Pointer[handlerSlot]
	upgraded atomic.Bool

	readMu     sync.Mutex
	readCond   *sync.Cond
	readPaused bool
	closed     bool

	closeOnce sync.Once
	closeErr  error
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewConnection wraps nc with initial as its active handler.
func NewConnection(nc net.Conn, initial Handler, readBufferSize int, lg *logger.Logger) *Connection {
	if lg == nil {
		lg = logger.Nop()
	}
	if readBufferSize <= 0 {
		readBufferSize = 4096
	}
	id := uuid.NewString()
	c := &Connection{
		id:      id,
		netConn: nc,
		log:     lg.With(logger.LogFields{"conn_id": id}),
	}
	c.readCond = sync.NewCond(&c.readMu)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.br = bufio.NewReaderSize(gatedReader{c}, readBufferSize)
	c.bw = bufio.NewWriter(nc)
	c.handler.Store(&handlerSlot{h: initial})
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	if a := c.netConn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// NetConn returns the underlying network connection.
func (c *Connection) NetConn() net.Conn { return c.netConn }

// Reader returns the buffered reader. Every read from the network through it
// waits while reads are paused.
func (c *Connection) Reader() *bufio.Reader { return c.br }

// Writer returns the buffered writer.
func (c *Connection) Writer() *bufio.Writer { return c.bw }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *logger.Logger { return c.log }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// PauseReads stops further network reads until ResumeReads. It never
// blocks, so it is safe to call from the goroutine that performs the reads.
func (c *Connection) PauseReads() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if !c.readPaused {
		c.readPaused = true
		c.log.Debug("Reads paused", nil)
	}
}

// ResumeReads re-arms network reads.
func (c *Connection) ResumeReads() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.readPaused {
		c.readPaused = false
		c.readCond.Broadcast()
		c.log.Debug("Reads resumed", nil)
	}
}

// ReadsPaused reports whether reads are currently paused.
func (c *Connection) ReadsPaused() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readPaused
}

// waitReadable blocks while reads are paused.
func (c *Connection) waitReadable() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for c.readPaused && !c.closed {
		c.readCond.Wait()
	}
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

type gatedReader struct {
	c *Connection
}

func (g gatedReader) Read(p []byte) (int, error) {
	if err := g.c.waitReadable(); err != nil {
		return 0, err
	}
	return g.c.netConn.Read(p)
}

// gatedConn is the network connection as seen by a protocol that takes over
// the socket after an upgrade. Reads still honour PauseReads.
type gatedConn struct {
	net.Conn
	c *Connection
}

func (g gatedConn) Read(p []byte) (int, error) {
	return gatedReader{g.c}.Read(p)
}

// GatedConn returns the underlying connection with reads gated by
// PauseReads and ResumeReads.
func (c *Connection) GatedConn() net.Conn {
	return gatedConn{Conn: c.netConn, c: c}
}

// ActiveHandler returns the handler currently owning the connection.
func (c *Connection) ActiveHandler() Handler {
	return c.handler.Load().h
}

// ReplaceHandler atomically installs h as the active handler. The current
// handler should return ErrHandlerReplaced so the serve loop picks h up.
func (c *Connection) ReplaceHandler(h Handler) error {
	if h == nil {
		return fmt.Errorf("pipeline: replacement handler cannot be nil")
	}
	c.readMu.Lock()
	closed := c.closed
	c.readMu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	c.handler.Store(&handlerSlot{h: h})
	return nil
}

// BeginUpgrade claims the connection's single protocol upgrade. It returns
// false if an upgrade was already claimed.
func (c *Connection) BeginUpgrade() bool {
	return c.upgraded.CompareAndSwap(false, true)
}

// Upgraded reports whether an upgrade has been claimed.
func (c *Connection) Upgraded() bool {
	return c.upgraded.Load()
}

// Serve runs the active handler until it returns, following replacements,
// then closes the connection. Cancelling ctx closes the connection.
func (c *Connection) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	for {
		h := c.ActiveHandler()
		err := h.ServeConn(c.ctx, c)
		if errors.Is(err, ErrHandlerReplaced) {
			c.log.Debug("Active handler replaced", logger.LogFields{"handler": fmt.Sprintf("%T", c.ActiveHandler())})
			continue
		}
		return err
	}
}

// Close closes the network connection and wakes any paused reader.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.readMu.Lock()
		c.closed = true
		c.readCond.Broadcast()
		c.readMu.Unlock()
		c.cancel()
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}
