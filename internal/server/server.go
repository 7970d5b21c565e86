package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"livecast/internal/api"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/serverutil"
)

// DefaultWriteTimeout leaves room for relay starts, which block for the
// restart grace plus the settle delay.
const DefaultWriteTimeout = 60 * time.Second

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	RateLimit       RateLimitConfig
	Security        SecurityConfig
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	if handler.Metrics == nil {
		handler.Metrics = recorder.Handler()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	handlerChain := http.Handler(handler.Routes())
	handlerChain = rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handlerChain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger:          logger,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends. ready, when set, receives the bound address.
func (s *Server) Run(ctx context.Context, ready func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
	})
}
