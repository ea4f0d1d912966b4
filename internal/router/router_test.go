package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/server"
)

// mockHandler records the handler type it was built for.
type mockHandler struct {
	id     string
	config json.RawMessage
}

func (mh *mockHandler) ServeCarbon(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage) {}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	return logger.New(io.Discard, config.LogLevelDebug)
}

func mockHandlerFactory(handlerType string) server.HandlerFactory {
	return func(cfg json.RawMessage, l *logger.Logger) (server.Handler, error) {
		return &mockHandler{id: "handler_for_" + handlerType, config: cfg}, nil
	}
}

func newTestRegistry(t *testing.T, types ...string) *server.HandlerRegistry {
	t.Helper()
	registry := server.NewHandlerRegistry()
	for _, ht := range types {
		if err := registry.Register(ht, mockHandlerFactory(ht)); err != nil {
			t.Fatalf("Register(%s) failed: %v", ht, err)
		}
	}
	return registry
}

func TestNewRouter(t *testing.T) {
	registry := newTestRegistry(t, "users_api", "static_files", "root_exact", "static_images")
	lg := newTestLogger(t)

	t.Run("successful creation with empty routes", func(t *testing.T) {
		r, err := NewRouter(nil, registry, lg)
		if err != nil {
			t.Fatalf("NewRouter failed: %v", err)
		}
		if len(r.exactRoutes) != 0 || len(r.prefixRoutes) != 0 {
			t.Errorf("expected empty tables, got %d exact and %d prefix", len(r.exactRoutes), len(r.prefixRoutes))
		}
	})

	routes := []config.Route{
		{PathPattern: "/api/users", MatchType: config.MatchTypeExact, HandlerType: "users_api"},
		{PathPattern: "/static/", MatchType: config.MatchTypePrefix, HandlerType: "static_files"},
		{PathPattern: "/", MatchType: config.MatchTypeExact, HandlerType: "root_exact"},
		{PathPattern: "/static/images/", MatchType: config.MatchTypePrefix, HandlerType: "static_images"},
	}

	t.Run("successful creation with mixed routes", func(t *testing.T) {
		r, err := NewRouter(routes, registry, lg)
		if err != nil {
			t.Fatalf("NewRouter failed: %v", err)
		}
		if len(r.exactRoutes) != 2 {
			t.Errorf("expected 2 exact routes, got %d", len(r.exactRoutes))
		}
		if len(r.prefixRoutes) != 2 {
			t.Fatalf("expected 2 prefix routes, got %d", len(r.prefixRoutes))
		}
		if r.prefixRoutes[0].PathPattern != "/static/images/" || r.prefixRoutes[1].PathPattern != "/static/" {
			t.Errorf("prefix routes not sorted correctly: got [%s, %s]",
				r.prefixRoutes[0].PathPattern, r.prefixRoutes[1].PathPattern)
		}
	})

	errorCases := []struct {
		name     string
		routes   []config.Route
		registry *server.HandlerRegistry
		lg       *logger.Logger
		want     string
	}{
		{name: "nil registry", routes: routes, lg: lg, want: "handler registry cannot be nil"},
		{name: "nil logger", routes: routes, registry: registry, want: "logger cannot be nil"},
		{
			name:     "unknown handler type",
			routes:   []config.Route{{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: "nope"}},
			registry: registry, lg: lg,
			want: "unknown handler_type 'nope'",
		},
		{
			name: "duplicate exact route",
			routes: []config.Route{
				{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: "users_api"},
				{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: "root_exact"},
			},
			registry: registry, lg: lg,
			want: "duplicate exact path_pattern '/x'",
		},
		{
			name:     "invalid match type",
			routes:   []config.Route{{PathPattern: "/x", MatchType: "Regex", HandlerType: "users_api"}},
			registry: registry, lg: lg,
			want: "invalid match_type 'Regex'",
		},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRouter(tc.routes, tc.registry, tc.lg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestRouter_Match(t *testing.T) {
	registry := newTestRegistry(t,
		"exact_handler", "prefix_handler", "long_prefix_handler",
		"root_exact_handler", "root_prefix_handler", "case_sensitive_handler")
	registry.Register("handler_that_fails", func(cfg json.RawMessage, l *logger.Logger) (server.Handler, error) {
		return nil, errors.New("handler creation failed")
	})

	routes := []config.Route{
		{PathPattern: "/exact", MatchType: config.MatchTypeExact, HandlerType: "exact_handler", HandlerConfig: json.RawMessage(`{"k":1}`)},
		{PathPattern: "/prefix/", MatchType: config.MatchTypePrefix, HandlerType: "prefix_handler"},
		{PathPattern: "/prefix/long/", MatchType: config.MatchTypePrefix, HandlerType: "long_prefix_handler"},
		{PathPattern: "/", MatchType: config.MatchTypeExact, HandlerType: "root_exact_handler"},
		{PathPattern: "/", MatchType: config.MatchTypePrefix, HandlerType: "root_prefix_handler"},
		{PathPattern: "/CaSe", MatchType: config.MatchTypeExact, HandlerType: "case_sensitive_handler"},
		{PathPattern: "/failing", MatchType: config.MatchTypeExact, HandlerType: "handler_that_fails"},
	}

	router, err := NewRouter(routes, registry, newTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	tests := []struct {
		name              string
		path              string
		expectedHandlerID string
		expectError       bool
	}{
		{"exact match", "/exact", "handler_for_exact_handler", false},
		{"prefix match", "/prefix/something", "handler_for_prefix_handler", false},
		{"prefix match exact to pattern", "/prefix/", "handler_for_prefix_handler", false},
		{"longest prefix match", "/prefix/long/another", "handler_for_long_prefix_handler", false},
		{"root exact match", "/", "handler_for_root_exact_handler", false},
		{"path matching root prefix", "/anything", "handler_for_root_prefix_handler", false},
		{"case sensitive match", "/CaSe", "handler_for_case_sensitive_handler", false},
		{"case sensitive falls back to root prefix", "/case", "handler_for_root_prefix_handler", false},
		{"handler creation error", "/failing", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := router.Match(tt.path)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for path %s, got handler %v", tt.path, h)
				}
				return
			}
			if err != nil {
				t.Fatalf("Match(%s) failed: %v", tt.path, err)
			}
			mh, ok := h.(*mockHandler)
			if !ok {
				t.Fatalf("expected *mockHandler, got %T", h)
			}
			if mh.id != tt.expectedHandlerID {
				t.Errorf("Match(%s) = %s, want %s", tt.path, mh.id, tt.expectedHandlerID)
			}
		})
	}

	t.Run("handler config is passed to factory", func(t *testing.T) {
		h, err := router.Match("/exact")
		if err != nil {
			t.Fatal(err)
		}
		if got := string(h.(*mockHandler).config); got != `{"k":1}` {
			t.Errorf("handler config = %s", got)
		}
	})
}

func TestRouter_NoMatch(t *testing.T) {
	registry := newTestRegistry(t, "api")
	router, err := NewRouter([]config.Route{
		{PathPattern: "/api/", MatchType: config.MatchTypePrefix, HandlerType: "api"},
	}, registry, newTestLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	h, err := router.Match("/other")
	if err != nil || h != nil {
		t.Errorf("Match(/other) = (%v, %v), want (nil, nil)", h, err)
	}
	if _, ok := router.FindRoute("/api"); ok {
		t.Error("/api must not match prefix /api/")
	}
}
