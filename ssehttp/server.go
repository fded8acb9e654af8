package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown once Run's context is canceled.
const shutdownTimeout = 5 * time.Second

// Server binds a Handler to a TCP listener.
type Server struct {
	cfg     Config
	handler *Handler
	log     *slog.Logger

	httpServer      *http.Server
	shutdownTimeout time.Duration

	mu sync.Mutex
	ln net.Listener
}

// NewServer constructs a Server and its Handler.
func NewServer(cfg Config, newServer ServerFactory, opts ...Option) (*Server, error) {
	h, err := New(cfg, newServer, opts...)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:             cfg,
		handler:         h,
		log:             h.log,
		shutdownTimeout: shutdownTimeout,
	}
	s.httpServer = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the gateway handler served by s.
func (s *Server) Handler() *Handler { return s.handler }

func bindHost(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

// Listen binds the configured host and port. Run calls it when the server is
// not yet listening.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	host := bindHost(s.cfg.Host)
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln

	// An ephemeral port is only known once bound.
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && tcp.Port != s.cfg.Port {
		s.handler.setBindAddress(host, tcp.Port)
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx is canceled, then closes every open session and shuts
// the HTTP server down gracefully. A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.log.ErrorContext(ctx, "gateway.listen.fail", slog.String("err", err.Error()))
		return err
	}

	addr := s.Addr()
	s.log.InfoContext(ctx, "gateway.listen.ok",
		slog.String("addr", addr.String()),
		slog.String("endpoint", "http://"+addr.String()+s.handler.Path()),
	)
	s.warnDefaults(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.InfoContext(ctx, "gateway.shutdown.start", slog.Int("sessions", len(s.handler.Sessions())))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		// Streams only end once their sessions are canceled, so close them
		// before waiting for connections to drain.
		if err := s.handler.Shutdown(shutdownCtx); err != nil {
			s.log.WarnContext(ctx, "gateway.shutdown.force", slog.Int("sessions", len(s.handler.Sessions())), slog.String("err", err.Error()))
			_ = s.httpServer.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		s.log.InfoContext(ctx, "gateway.shutdown.ok")
		return nil
	})

	return g.Wait()
}

// warnDefaults emits advisory warnings for security-relevant defaults.
func (s *Server) warnDefaults(ctx context.Context) {
	if len(s.handler.AllowedOrigins()) == 0 {
		s.log.WarnContext(ctx, "gateway.origins.unrestricted",
			slog.String("detail", "no allowed origins configured: CORS headers and host-binding protection are disabled"),
		)
	}
	if host := bindHost(s.cfg.Host); !isLoopbackHost(host) {
		s.log.WarnContext(ctx, "gateway.bind.exposed",
			slog.String("host", host),
			slog.String("detail", "gateway is reachable from other machines"),
		)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// ListenAndServe builds a Server for cfg and runs it until ctx is canceled.
func ListenAndServe(ctx context.Context, cfg Config, newServer ServerFactory, opts ...Option) error {
	s, err := NewServer(cfg, newServer, opts...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
