package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/transport"
)

const readHeaderTimeout = 10 * time.Second

// Server accepts WebSocket peers and serves /metrics.
type Server struct {
	cfg      *config.Config
	ch       *channel.Channel
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	mu          sync.Mutex
	servers     []*http.Server
	addr        string
	metricsAddr string
	ctx         context.Context
	cancel      context.CancelFunc
	g           *errgroup.Group
}

// NewServer creates a server for ch. Nothing listens until Start.
func NewServer(cfg *config.Config, ch *channel.Channel, reg *prometheus.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, ch: ch, gatherer: reg, logger: logger}
}

func registerServer(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{OnStart: s.Start, OnStop: s.Stop})
}

// Handler returns the WebSocket endpoint. Every accepted connection is
// bound to the channel as an incoming transport.
func (s *Server) Handler() http.Handler {
	return transport.WebSocketHandler(s.accept,
		transport.WithLogger(s.logger),
		transport.WithAllowedOrigins(s.cfg.AllowedOrigins...),
	)
}

func (s *Server) accept(ws *transport.WebSocket) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.ch.Listen(ctx, ws, channel.BindOptions{Metadata: bindMetadata(s.cfg)}); err != nil {
		s.logger.Warn("failed to bind websocket", "error", err)
		_ = ws.Detach()
	}
}

// Start binds the configured listen addresses and serves them in the
// background. A bind failure is returned immediately.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.g, _ = errgroup.WithContext(s.ctx)

	if s.cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/", s.Handler())
		addr, err := s.serve(s.cfg.Listen, mux)
		if err != nil {
			s.shutdownLocked(context.Background())
			return fmt.Errorf("websocket listener: %w", err)
		}
		s.addr = addr
		s.logger.Info("websocket listener started", "addr", addr)
	}
	if s.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(s.gatherer))
		addr, err := s.serve(s.cfg.MetricsListen, mux)
		if err != nil {
			s.shutdownLocked(context.Background())
			return fmt.Errorf("metrics listener: %w", err)
		}
		s.metricsAddr = addr
		s.logger.Info("metrics listener started", "addr", addr)
	}
	return nil
}

func (s *Server) serve(addr string, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.servers = append(s.servers, srv)
	s.g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "addr", ln.Addr().String(), "error", err)
			return err
		}
		return nil
	})
	return ln.Addr().String(), nil
}

// Stop shuts the listeners down and waits for them to return.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownLocked(ctx)
}

func (s *Server) shutdownLocked(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	var errs error
	for _, srv := range s.servers {
		errs = multierr.Append(errs, srv.Shutdown(ctx))
	}
	s.cancel()
	errs = multierr.Append(errs, s.g.Wait())
	s.servers = nil
	s.cancel = nil
	return errs
}

// Addr returns the bound WebSocket address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// MetricsAddr returns the bound metrics address, or "" when not listening.
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}
