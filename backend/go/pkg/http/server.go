package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mahjong_analysis/backend/go/internal/config"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
	"mahjong_analysis/backend/go/pkg/httpmiddleware"
	"mahjong_analysis/backend/go/pkg/logger"
	"mahjong_analysis/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

const (
	defaultAddress = ":8080"
	// Limiter state kept per client IP.
	maxLimiterKeys = 4096
	limiterKeyTTL  = 10 * time.Minute
)

// Server wraps a gin engine and the standard http.Server with the
// middleware chain configured in AppConfig.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	log        *logger.Logger
}

// ServerOption defines a function for configuring a Server.
type ServerOption func(*Server)

// WithAddress sets the address for the server to listen on.
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.httpServer.Addr = addr
	}
}

// NewServer creates and configures a new Server instance based on the provided AppConfig and options.
// It always installs CORS and request logging, and adds rate limiting and circuit breaking
// when enabled in the config.
func NewServer(cfg *config.AppConfig, log *logger.Logger, opts ...ServerOption) (*Server, error) {
	readTimeout, err := config.ParseDuration(cfg.Server.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.Server.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write timeout: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), httpmiddleware.CORS(), httpmiddleware.RequestLogger(log))

	if cfg.Middleware.RateLimiter.Enabled {
		factory, err := createRateLimiter(cfg.Middleware.RateLimiter)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		perClient, err := ratelimiter.NewPerKey(maxLimiterKeys, limiterKeyTTL, factory)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		log.WithPayload(map[string]interface{}{"algorithm": cfg.Middleware.RateLimiter.Algorithm}).Info("Enabling Rate Limiter middleware")
		router.Use(httpmiddleware.RateLimitPerClient(perClient))
	}

	if cfg.Middleware.CircuitBreaker.Enabled {
		breaker, err := createCircuitBreaker(cfg.Middleware.CircuitBreaker)
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breaker: %w", err)
		}
		log.Info("Enabling Circuit Breaker middleware")
		router.Use(httpmiddleware.CircuitBreak(breaker))
	}

	srv := &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		router: router,
		log:    log,
	}

	for _, opt := range opts {
		opt(srv)
	}

	if srv.httpServer.Addr == "" {
		srv.httpServer.Addr = defaultAddress
	}

	return srv, nil
}

// Router exposes the gin engine so services can register their routes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the fully wrapped handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	if s.httpServer.Addr == "" {
		return fmt.Errorf("server address is not set")
	}
	s.log.Info("Starting HTTP server on " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// createRateLimiter returns a constructor for per-client limiters based on the configuration.
func createRateLimiter(cfg config.RateLimiterConfig) (func() ratelimiter.RateLimiter, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "tokenBucket"
	}

	switch algorithm {
	case "tokenBucket":
		conf := cfg.TokenBucket
		if conf.Rate <= 0 || conf.Capacity <= 0 {
			return nil, fmt.Errorf("tokenBucket rate and capacity must be positive")
		}
		return func() ratelimiter.RateLimiter {
			return ratelimiter.NewTokenBucket(conf.Rate, conf.Capacity)
		}, nil
	case "fixedWindow":
		conf := cfg.FixedWindow
		window, err := time.ParseDuration(conf.Window)
		if err != nil {
			return nil, fmt.Errorf("invalid fixedWindow duration: %w", err)
		}
		return func() ratelimiter.RateLimiter {
			return ratelimiter.NewFixedWindowCounter(conf.Limit, window)
		}, nil
	default:
		return nil, fmt.Errorf("unknown rate limiter algorithm: %s", cfg.Algorithm)
	}
}

// createCircuitBreaker initializes a circuit breaker based on the configuration.
func createCircuitBreaker(cfg config.CircuitBreakerConfig) (circuitbreaker.CircuitBreaker, error) {
	timeout, err := config.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
	}
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout), nil
}
