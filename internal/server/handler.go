package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
)

// Handler processes one request routed to it. The request body arrives
// through msg, either by attaching a listener to msg.Future() or by pulling
// chunks with BlockingGet. Headers and body are written to w.
//
// ServeCarbon runs on its own goroutine while the connection's network
// goroutine appends body chunks to msg. A handler that returns without
// consuming the body leaves the remaining chunks to be discarded.
type Handler interface {
	ServeCarbon(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage)

// ServeCarbon calls f(w, r, msg).
func (f HandlerFunc) ServeCarbon(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage) {
	f(w, r, msg)
}

// HandlerFactory creates a handler from its route's opaque configuration.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler_type strings from the configuration to the
// factories that build them. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates handlerType with factory. Registering the same type
// twice is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory returns the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler builds a handler of the given type.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, lg)
}

// RouterInterface resolves a request path to a handler. Match returns a nil
// handler and nil error when no route matches.
type RouterInterface interface {
	Match(path string) (Handler, error)
}

// errorHandler answers every request with a fixed error status. The body of
// the request is left unconsumed.
type errorHandler struct {
	status int
	detail string
	log    *logger.Logger
}

func (h errorHandler) ServeCarbon(w http.ResponseWriter, r *http.Request, _ *message.CarbonMessage) {
	httperr.Write(w, r, h.status, h.detail, nil, h.log)
}
