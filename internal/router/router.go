package router

import (
	"fmt"
	"sort"
	"strings"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/server"
)

// Router holds the routing table. It matches request paths against the
// configured routes and builds the handler for the winning route.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]config.Route

	// prefixRoutes is sorted by PathPattern length, longest first, so the
	// most specific prefix wins.
	prefixRoutes []config.Route

	handlerRegistry *server.HandlerRegistry
	log             *logger.Logger
}

// NewRouter builds a router from validated routes. Every route's
// handler_type must be registered.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	exactMap := make(map[string]config.Route)
	var prefixList []config.Route

	for i, route := range routes {
		if _, ok := registry.GetFactory(route.HandlerType); !ok {
			return nil, fmt.Errorf("route %d (%s): unknown handler_type '%s'", i, route.PathPattern, route.HandlerType)
		}
		switch route.MatchType {
		case config.MatchTypeExact:
			if _, dup := exactMap[route.PathPattern]; dup {
				return nil, fmt.Errorf("route %d: duplicate exact path_pattern '%s'", i, route.PathPattern)
			}
			exactMap[route.PathPattern] = route
		case config.MatchTypePrefix:
			prefixList = append(prefixList, route)
		default:
			return nil, fmt.Errorf("route %d (%s): invalid match_type '%s'", i, route.PathPattern, route.MatchType)
		}
	}

	sort.SliceStable(prefixList, func(i, j int) bool {
		return len(prefixList[i].PathPattern) > len(prefixList[j].PathPattern)
	})

	return &Router{
		exactRoutes:     exactMap,
		prefixRoutes:    prefixList,
		handlerRegistry: registry,
		log:             lg,
	}, nil
}

// FindRoute returns the route that path selects. Exact matches take
// precedence over prefix matches; among prefixes the longest wins.
func (r *Router) FindRoute(path string) (config.Route, bool) {
	if route, ok := r.exactRoutes[path]; ok {
		return route, true
	}
	for _, route := range r.prefixRoutes {
		if strings.HasPrefix(path, route.PathPattern) {
			return route, true
		}
	}
	return config.Route{}, false
}

// Match builds a handler for the route that path selects. It returns nil
// and no error when nothing matches.
func (r *Router) Match(path string) (server.Handler, error) {
	route, ok := r.FindRoute(path)
	if !ok {
		return nil, nil
	}
	handler, err := r.handlerRegistry.CreateHandler(route.HandlerType, route.HandlerConfig, r.log)
	if err != nil {
		r.log.Error("Failed to create handler for route", logger.LogFields{
			"path":        path,
			"pattern":     route.PathPattern,
			"handlerType": route.HandlerType,
			"error":       err.Error(),
		})
		return nil, err
	}
	return handler, nil
}
