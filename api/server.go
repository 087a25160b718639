// SPDX-License-Identifier: Apache 2.0

// Package api wires the ticket engine's handlers onto a net/http server
// with graceful shutdown.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keystone/kds/api/handlers"
	"github.com/keystone/kds/internal/ticket"
)

// TLSConfig holds the optional TLS material; a zero value means plaintext
// HTTP, leaving TLS termination to the hosting runtime if preferred.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	Version         string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
}

// Server is the KDS HTTP server.
type Server struct {
	cfg    Config
	engine *ticket.Engine
	srv    *http.Server
}

// NewServer builds the route table and wraps it with rate-limiting
// middleware.
func NewServer(cfg Config, engine *ticket.Engine) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("PUT /key/{name}", handlers.KeyHandler(engine))
	mux.Handle("PUT /group/{name}", handlers.GroupHandler(engine))
	mux.Handle("DELETE /group/{name}", handlers.GroupHandler(engine))
	mux.Handle("POST /ticket", handlers.TicketHandler(engine))
	mux.Handle("POST /group_key", handlers.GroupKeyHandler(engine))
	mux.Handle("GET /health", handlers.HealthHandler(cfg.Version))

	var handler http.Handler = mux
	handler = LoggingMiddleware(handler)
	handler = RateLimitMiddleware(cfg.RateLimit)(handler)

	return &Server{
		cfg:    cfg,
		engine: engine,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 3 * time.Second,
		},
	}
}

// Start listens on cfg.Addr and serves until a SIGINT/SIGTERM is received,
// at which point it shuts down gracefully within cfg.ShutdownTimeout.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.srv.Shutdown(ctx); err != nil {
			slog.Warn("server forced to shutdown", "err", err)
		}
	}()

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()
	slog.Info("listening", "addr", lis.Addr().String())

	if s.cfg.TLS.CertPath != "" || s.cfg.TLS.KeyPath != "" {
		if s.cfg.TLS.CertPath == "" || s.cfg.TLS.KeyPath == "" {
			return fmt.Errorf("api: both TLS cert and key paths are required")
		}
		preferredCipherSuites := []uint16{
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		}
		s.srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			CipherSuites: preferredCipherSuites,
		}
		return s.srv.ServeTLS(lis, s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
	}
	return s.srv.Serve(lis)
}
