// Package server assembles the gateway, handlers and router behind an HTTP
// listener (and optionally an HTTP/3 listener) and applies config reloads
// while serving.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/gateway"
	"github.com/teilomillet/rephrase/server/handlers"
	"github.com/teilomillet/rephrase/server/metrics"
	"github.com/teilomillet/rephrase/server/middleware"
	"github.com/teilomillet/rephrase/server/provider"
	"github.com/teilomillet/rephrase/server/routing"
	"github.com/teilomillet/rephrase/server/validation"
)

const (
	limiterCleanupInterval = time.Minute
	limiterMaxIdle         = 10 * time.Minute
)

// Server is the rephrase HTTP server.
type Server struct {
	httpServer  *http.Server
	http3Server *http3.Server
	http3Cfg    *config.HTTP3Config
	shutdown    time.Duration

	watcher   config.Watcher
	logger    *zap.Logger
	level     *zap.AtomicLevel
	metrics   *metrics.Metrics
	gateway   *gateway.Gateway
	validator *validation.Validator
	limiter   *middleware.RateLimiter
	monitor   *provider.Monitor
	handler   http.Handler

	opts options

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

type options struct {
	version    string
	level      *zap.AtomicLevel
	httpClient *http.Client
	providers  map[string]gateway.Provider
	probers    map[string]provider.Prober
	tokenizer  validation.Tokenizer
}

// Option configures a Server.
type Option func(*options)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithLogLevel lets config reloads change the level of the server logger.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(o *options) { o.level = &level }
}

// WithHTTPClient sets the client used by provider adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProviders replaces the configured provider adapters. Breakers are not
// installed for injected providers.
func WithProviders(p map[string]gateway.Provider) Option {
	return func(o *options) { o.providers = p }
}

// WithProbers replaces the health probers built from config.
func WithProbers(p map[string]provider.Prober) Option {
	return func(o *options) { o.probers = p }
}

// WithTokenizer counts prompt tokens with t instead of the tiktoken
// encoding of the default model.
func WithTokenizer(t validation.Tokenizer) Option {
	return func(o *options) { o.tokenizer = t }
}

// NewServer loads configPath, watches it for changes and builds the server.
func NewServer(configPath string, logger *zap.Logger, opts ...Option) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	s, err := NewServerWithConfig(watcher, logger, opts...)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConfig builds the server from the watcher's current config.
func NewServerWithConfig(watcher config.Watcher, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		watcher: watcher,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.level = s.opts.level

	cfg := watcher.GetCurrentConfig()
	if cfg == nil {
		return nil, fmt.Errorf("no configuration available")
	}
	if err := s.build(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) build(cfg *config.Config) error {
	var err error
	if s.opts.providers != nil {
		s.gateway = gateway.New(s.opts.providers, cfg.Models, cfg.Gateway, s.logger)
	} else {
		s.gateway, err = gateway.NewFromConfig(cfg, s.opts.httpClient, s.logger, s.metrics.Registry())
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
	}

	s.validator = validation.NewValidator(validation.PolicyFromConfig(cfg), s.logger)

	processOpts := []handlers.ProcessOption{
		handlers.WithMetrics(s.metrics),
		handlers.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		handlers.WithProduction(cfg.Production()),
	}
	if s.opts.tokenizer != nil {
		processOpts = append(processOpts, handlers.WithTokenCounter(validation.NewTokenCounterWith(s.opts.tokenizer)))
	} else if tc, err := validation.NewTokenCounter(cfg.Models.Default); err != nil {
		s.logger.Warn("token counting disabled", zap.Error(err))
	} else {
		processOpts = append(processOpts, handlers.WithTokenCounter(tc))
	}
	process := handlers.NewProcessHandler(s.validator, s.gateway, s.logger, processOpts...)

	if cfg.HealthCheck.Enabled {
		probers := s.opts.probers
		if probers == nil {
			if probers, err = provider.NewProbers(cfg, s.logger); err != nil {
				return fmt.Errorf("create health probers: %w", err)
			}
		}
		if s.monitor, err = provider.NewMonitor(cfg.HealthCheck, probers, s.logger, s.metrics.Registry()); err != nil {
			return fmt.Errorf("create health monitor: %w", err)
		}
	}
	health := handlers.NewHealthHandler(s.gateway, s.monitor, s.opts.version)

	routeOpts := []routing.Option{
		routing.WithMetrics(s.metrics),
		routing.WithMiddleware("auth", middleware.Authentication(cfg.Server.APIKeys)),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, s.metrics)
		routeOpts = append(routeOpts, routing.WithMiddleware("ratelimit", s.limiter.Middleware))
	} else {
		routeOpts = append(routeOpts, routing.WithMiddleware("ratelimit", passThrough))
	}

	handlerSet := routing.Handlers(middleware.Timeout(cfg.Gateway.RequestTimeout)(process), health, s.metrics)
	router := routing.NewRouter(cfg, handlerSet, s.logger, routeOpts...)

	s.handler = router
	s.shutdown = cfg.Server.ShutdownTimeout
	if s.shutdown <= 0 {
		s.shutdown = 30 * time.Second
	}

	if h3 := cfg.Server.HTTP3; h3 != nil && h3.Enabled {
		s.http3Cfg = h3
		s.http3Server = &http3.Server{
			Addr:    fmt.Sprintf(":%d", h3.Port),
			Handler: router,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:             h3.IdleTimeout,
				MaxIncomingStreams:         h3.MaxBiStreamsConcurrent,
				MaxIncomingUniStreams:      h3.MaxUniStreamsConcurrent,
				MaxStreamReceiveWindow:     h3.MaxStreamReceiveWindow,
				MaxConnectionReceiveWindow: h3.MaxConnectionReceiveWindow,
				Allow0RTT:                  h3.Enable0RTT,
			},
		}
		s.handler = s.altSvc(router)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(s.logger.Named("http")),
	}
	return nil
}

func passThrough(next http.Handler) http.Handler { return next }

// altSvc advertises the HTTP/3 listener on HTTP/1 and HTTP/2 responses.
func (s *Server) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.http3Server.SetQUICHeaders(w.Header()); err != nil {
			s.logger.Debug("set Alt-Svc header", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Ready is closed once the HTTP listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound HTTP address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx is cancelled or a listener fails, then shuts down
// gracefully within the configured shutdown timeout. A shutdown triggered
// by ctx returns nil.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 server started", zap.String("address", s.http3Server.Addr))
			err := s.http3Server.ListenAndServeTLS(s.http3Cfg.TLSCertFile, s.http3Cfg.TLSKeyFile)
			if err != nil && err != http.ErrServerClosed && gctx.Err() == nil {
				return fmt.Errorf("http3 server: %w", err)
			}
			return nil
		})
	}

	if s.monitor != nil {
		g.Go(func() error {
			s.monitor.Run(gctx)
			return nil
		})
	}

	if s.limiter != nil {
		g.Go(func() error {
			s.cleanupLimiter(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.watchConfig(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.stop()
	})

	return g.Wait()
}

func (s *Server) stop() error {
	s.logger.Info("Shutting down server", zap.Duration("timeout", s.shutdown))
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()

	var errs []error
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close http3 server: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := s.watcher.Close(); err != nil {
		s.logger.Warn("close config watcher", zap.Error(err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(limiterMaxIdle); n > 0 {
				s.logger.Debug("rate limiter clients expired", zap.Int("count", n))
			}
		}
	}
}

// watchConfig applies the reloadable sections of each new config: log
// level, validation limits, model catalog and default prompt structure.
// Everything else requires a restart.
func (s *Server) watchConfig(ctx context.Context) {
	updates := s.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.apply(cfg)
		}
	}
}

func (s *Server) apply(cfg *config.Config) {
	if s.level != nil {
		if err := config.SetLevel(*s.level, cfg.Logging.Level); err != nil {
			s.logger.Warn("invalid log level in reloaded config", zap.Error(err))
		}
	}
	s.validator.UpdatePolicy(validation.PolicyFromConfig(cfg))
	s.gateway.UpdateModels(cfg.Models)
	s.logger.Info("configuration reloaded",
		zap.String("log_level", cfg.Logging.Level),
		zap.Int("models", len(cfg.Models.Catalog)),
	)
}
