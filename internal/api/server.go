package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/monitor"
)

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
}

// NewServer wires routes and middleware. store and metrics may be nil.
func NewServer(cfg *config.Config, admin Admin, store HistoryStore, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(admin, store)
	s := &Server{handlers: handlers, cfg: cfg}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Str("addr", cfg.Address()).Msg("no API keys configured, admin API is unauthenticated")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /v1/stats", handlers.HandleStats)
	apiMux.HandleFunc("GET /v1/executions", handlers.HandleRecent)
	apiMux.HandleFunc("GET /v1/executions/active", handlers.HandleActive)
	apiMux.HandleFunc("DELETE /v1/executions/{id}", handlers.HandleKillExecution)
	apiMux.HandleFunc("GET /v1/history", handlers.HandleListHistory)
	apiMux.HandleFunc("GET /v1/history/{id}", handlers.HandleGetHistory)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	if metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown. It uses TLS when configured and returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", ln.Addr().String()).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting admin API with TLS")
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting admin API")
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down admin API")
	return s.httpServer.Shutdown(ctx)
}
