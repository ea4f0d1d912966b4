package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/metrics"
	"example.com/carbonhttp/v2/internal/pipeline"
	"example.com/carbonhttp/v2/internal/pool"
	"example.com/carbonhttp/v2/internal/util"
	"example.com/carbonhttp/v2/internal/websocket"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and serves HTTP/1.x on them until they are
// upgraded or closed.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	router RouterInterface
	pool   *pool.Manager

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewServer creates a server. cfg must have had defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil || cfg.FlowControl == nil || cfg.WebSocket == nil {
		return nil, fmt.Errorf("config is missing server, flow_control or websocket sections; apply defaults first")
	}
	if cfg.Server.ChunkSize <= 0 {
		return nil, fmt.Errorf("server.chunk_size must be positive, got %d", cfg.Server.ChunkSize)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    lg,
		router: router,
		pool:   pool.NewManager(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Pool returns the registry of live connections and WebSocket sessions.
func (s *Server) Pool() *pool.Manager { return s.pool }

// Listen opens the configured listen address.
func (s *Server) Listen() error {
	if s.cfg.Server.Address == nil || *s.cfg.Server.Address == "" {
		return fmt.Errorf("server listen address (server.address) is not configured")
	}
	ln, err := util.Listen(*s.cfg.Server.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("Listening", logger.LogFields{"address": ln.Addr().String()})
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe calls Listen then Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown. It always returns a non-nil
// error; after Shutdown the error is ErrServerClosed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server: Serve called before Listen")
	}

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.log.Warn("Accept failed, retrying", logger.LogFields{"error": err.Error(), "retry_in": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("server: accept failed: %w", err)
		}
		backoff = 0
		s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	c := pipeline.NewConnection(nc, &httpSource{s: s}, s.cfg.Server.ReadBufferSize, s.log)
	if !s.pool.Add(c) {
		c.Close()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pool.Remove(c.ID())
		metrics.ConnectionsActive.WithLabelValues("http").Inc()
		defer metrics.ConnectionsActive.WithLabelValues("http").Dec()

		c.Logger().Debug("Connection accepted", logger.LogFields{"remote_addr": c.RemoteAddr()})
		if err := c.Serve(s.ctx); err != nil && !isClosedConnError(err) {
			c.Logger().Debug("Connection ended with error", logger.LogFields{"error": err.Error()})
		}
	}()
}

// Shutdown stops accepting connections, closes idle connections and
// WebSocket sessions (with status 1001) and waits for in-flight requests to
// complete. When ctx ends first every remaining connection is closed and
// ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("Shutting down", nil)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	var lnErr error
	if ln != nil {
		lnErr = ln.Close()
	}

	s.closeIdle()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.pool.CloseAll()
		s.cancel()
		return lnErr
	case <-ctx.Done():
		s.log.Warn("Graceful shutdown timed out, closing remaining connections", logger.LogFields{"remaining": s.pool.Len()})
		s.pool.CloseAll()
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) closeIdle() {
	s.pool.Range(func(e pool.Entry) bool {
		switch v := e.(type) {
		case *websocket.Session:
			v.Close()
		case *pipeline.Connection:
			if src, ok := v.ActiveHandler().(*httpSource); ok && src.idle.Load() {
				v.Close()
			}
		}
		return true
	})
}
