// Package server exposes the HTTP surface of the voucher service: the
// authentication entry point, the provider callback, and the middleware
// chain around them.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kmarchand/voucher/internal/session"
	"github.com/kmarchand/voucher/internal/shared/events"
	"github.com/kmarchand/voucher/internal/shared/logger"
	"github.com/kmarchand/voucher/internal/shared/metrics"
	"github.com/kmarchand/voucher/internal/shared/tracing"
	"github.com/kmarchand/voucher/internal/state"
	"github.com/kmarchand/voucher/internal/strategy"
)

// Config holds HTTP server configuration.
type Config struct {
	Address         string        `mapstructure:"address"`
	ExternalURL     string        `mapstructure:"external_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:         ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		StateTTL:        state.DefaultTTL,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Deps are the server's collaborators. Events and Tracer may be nil;
// everything else is required.
type Deps struct {
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	States   state.Store
	Sessions *session.Manager
	Events   *events.Client
	Tracer   *tracing.Provider
}

// Server routes authentication requests to registered strategies.
type Server struct {
	cfg  Config
	log  *logger.Logger
	deps Deps

	mu         sync.RWMutex
	strategies map[string]strategy.Strategy

	limiter    *RateLimiter
	tlsConfig  *tls.Config
	httpServer *http.Server
}

// New creates a server. Strategies are registered separately.
func New(cfg Config, deps Deps) *Server {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = state.DefaultTTL
	}

	s := &Server{
		cfg:        cfg,
		log:        deps.Logger.WithComponent("server"),
		deps:       deps,
		strategies: make(map[string]strategy.Strategy),
	}

	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		s.limiter.SetMetrics(deps.Metrics)
	}

	return s
}

// SetTLSConfig makes the server terminate TLS itself.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// Register adds a strategy under its provider name.
func (s *Server) Register(strat strategy.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[strat.Name()] = strat
}

// strategyFor looks up a registered strategy.
func (s *Server) strategyFor(provider string) (strategy.Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strat, ok := s.strategies[provider]
	return strat, ok
}

// Handler builds the HTTP handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{provider}", s.handleBegin)
	mux.HandleFunc("GET /auth/{provider}/callback", s.handleCallback)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = Instrument(s.deps.Metrics)(h)
	h = Logging(s.log)(h)
	h = Security()(h)
	if s.deps.Tracer != nil {
		h = Tracing(s.deps.Tracer)(h)
	}
	h = RequestID()(h)
	h = Recovery(s.log)(h)

	return h
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		TLSConfig:    s.tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "address", s.cfg.Address, "tls", s.tlsConfig != nil)
		var err error
		if s.tlsConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.log.Info("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// callbackURL builds the absolute callback URL for a provider. The external
// URL wins when configured; otherwise it is derived from the request.
func (s *Server) callbackURL(r *http.Request, provider string) string {
	base := strings.TrimRight(s.cfg.ExternalURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/auth/" + provider + "/callback"
}
