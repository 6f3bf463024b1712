// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package server exposes chat, conversation, file and search operations
// over HTTP with an OpenAPI description.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Version is reported in the OpenAPI document. cmd/quarry overrides it at
// build time.
var Version = "0.1.0"

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr    string
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RateLimit     RateLimitConfig
	ChatRateLimit ChatRateLimitConfig
	Tokens        []Token
	Services      *Services
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router      chi.Router
	api         huma.API
	cfg         Config
	services    *Services
	auth        *Authenticator
	chatLimiter *keyedLimiter
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates a Server with every route registered.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, quarryerr.New(quarryerr.CodeServerConfigInvalid, "listen address is required")
	}
	if cfg.Services == nil {
		return nil, quarryerr.New(quarryerr.CodeServerConfigInvalid, "services are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Covers retries with backoff across the failover chain.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	auth, err := NewAuthenticator(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	chatLimiter, err := newChatLimiter(cfg.ChatRateLimit, done)
	if err != nil {
		close(done)
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, done))
	r.Use(auth.Middleware)

	humaConfig := huma.DefaultConfig("Quarry", Version)
	humaConfig.Info.Description = "Multi-tenant document question answering"
	api := humachi.New(r, humaConfig)

	s := &Server{
		router:      r,
		api:         api,
		cfg:         cfg,
		services:    cfg.Services,
		auth:        auth,
		chatLimiter: chatLimiter,
		done:        done,
	}
	s.registerRoutes()
	s.registerUploadRoute()
	s.registerSSERoute()
	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API.
func (s *Server) API() huma.API {
	return s.api
}

// Close stops background limiter sweeps. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeServerStartFailure, "listening on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeServerStartFailure, "serving: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return quarryerr.Errorf(quarryerr.CodeServerShutdownFailure, "shutting down: %w", err)
	}
	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
