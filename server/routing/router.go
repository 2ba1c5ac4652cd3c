// Package routing builds the HTTP router from the configured routes.
// Routes name a handler and an optional list of route middleware; both are
// resolved by name so that the route table lives entirely in config.
package routing

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/metrics"
	"github.com/teilomillet/rephrase/server/middleware"
)

// Router serves the configured routes behind the global middleware stack:
// request ID, timer, access log, panic recovery, CORS and, when metrics are
// set, Prometheus instrumentation.
type Router struct {
	router     chi.Router
	handlers   map[string]http.Handler
	middleware map[string]func(http.Handler) http.Handler
	allowed    map[string][]string // path -> methods
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        *config.Config
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics instruments every request and counts routing errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithMiddleware makes mw available to routes under name.
func WithMiddleware(name string, mw func(http.Handler) http.Handler) Option {
	return func(r *Router) {
		r.middleware[name] = mw
	}
}

// NewRouter creates a router for cfg.Routes. Routes whose handler is not in
// handlers are skipped with an error log; unknown route middleware is
// skipped with a warning.
func NewRouter(cfg *config.Config, handlers map[string]http.Handler, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		router:     chi.NewRouter(),
		handlers:   handlers,
		middleware: make(map[string]func(http.Handler) http.Handler),
		allowed:    make(map[string][]string),
		logger:     logger,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.RequestTimer)
	r.router.Use(middleware.Logging(logger))
	r.router.Use(errors.ErrorHandler(logger, cfg.Production()))
	r.router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	if r.metrics != nil {
		r.router.Use(middleware.PrometheusMetrics(r.metrics))
	}

	r.router.NotFound(r.notFound)
	r.router.MethodNotAllowed(r.methodNotAllowed)

	r.setupRoutes()
	return r
}

// setupRoutes mounts every configured route in its own group so that route
// middleware never leaks onto other routes.
func (r *Router) setupRoutes() {
	for _, route := range r.cfg.Routes {
		handler, ok := r.handlers[route.Handler]
		if !ok {
			r.logger.Error("handler not found", zap.String("handler", route.Handler))
			continue
		}

		path := route.Path
		if route.Version != "" {
			path = fmt.Sprintf("/%s%s", route.Version, path)
		}

		methods := route.Methods
		if len(methods) == 0 {
			methods = []string{http.MethodGet}
		}

		r.router.Group(func(router chi.Router) {
			for _, name := range route.Middleware {
				mw, ok := r.middleware[name]
				if !ok {
					r.logger.Warn("unknown middleware requested",
						zap.String("middleware", name),
						zap.String("path", path),
					)
					continue
				}
				router.Use(mw)
			}

			for _, method := range methods {
				method = strings.ToUpper(method)
				router.Method(method, path, handler)
				r.allowed[path] = append(r.allowed[path], method)
			}
		})

		r.logger.Debug("route registered",
			zap.String("path", path),
			zap.String("handler", route.Handler),
			zap.Strings("methods", methods),
		)
	}

	for path := range r.allowed {
		sort.Strings(r.allowed[path])
	}
}

func (r *Router) notFound(w http.ResponseWriter, req *http.Request) {
	r.countError(errors.CodeNotFound)
	errors.WriteError(w, errors.NewError(errors.CodeNotFound,
		"Resource not found", http.StatusNotFound,
		middleware.GetRequestID(req.Context()),
		map[string]interface{}{"path": req.URL.Path}, nil))
}

func (r *Router) methodNotAllowed(w http.ResponseWriter, req *http.Request) {
	allowed := r.allowed[req.URL.Path]
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	r.countError(errors.CodeMethodNotAllowed)
	errors.WriteError(w, errors.NewMethodNotAllowedError(
		middleware.GetRequestID(req.Context()), req.Method, allowed...))
}

func (r *Router) countError(code errors.ErrorCode) {
	if r.metrics != nil {
		r.metrics.ErrorsTotal.WithLabelValues(string(code)).Inc()
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
