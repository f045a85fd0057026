// Package server exposes an environment over HTTP: a JSON control surface, a
// websocket endpoint carrying every channel, and an optional QUIC listener for
// low-latency traffic.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/session"
)

const handshakeTimeout = 10 * time.Second

type Server struct {
	cfg      config.ServerConfig
	env      *session.Environment
	logger   log.Log
	upgrader websocket.Upgrader
	limiter  *frameLimiter
	limited  atomic.Uint64

	httpServer *http.Server
	httpLn     net.Listener
	quicLn     *quic.Listener

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	workers sync.WaitGroup

	connMu sync.Mutex
	conns  map[io.Closer]struct{}
}

func NewServer(cfg config.ServerConfig, env *session.Environment, logger log.Log) *Server {
	s := &Server{
		cfg:    cfg,
		env:    env,
		logger: logger.With(log.String("component", "server")),
		conns:  make(map[io.Closer]struct{}),
	}
	s.limiter = newFrameLimiter(cfg.FrameRate, cfg.FrameBurst)
	if s.limiter != nil && env.Events() != nil {
		if _, err := s.limiter.forgetOnLogout(env.Events()); err != nil {
			s.logger.Warn("Frame limiter not bound to logouts", log.Error(err))
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, origin)
		}
	}
	return s
}

// Start listens on the configured addresses and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("%w: http %s: %v", ErrListenerFailed, s.cfg.HTTPAddr, err)
	}
	s.httpLn = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", log.Error(err))
		}
	}()

	if s.cfg.QUICAddr != "" {
		if err := s.listenQUIC(ctx); err != nil {
			_ = s.httpServer.Close()
			s.running.Store(false)
			return err
		}
	}

	s.logger.Info("Server started",
		log.String("http_addr", ln.Addr().String()),
		log.String("quic_addr", s.cfg.QUICAddr))
	return nil
}

// Stop shuts the listeners down and closes every open connection.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	if !s.running.Load() {
		return nil
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.quicLn != nil {
		if err := s.quicLn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("quic close: %w", err))
		}
	}
	s.cancel()

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.running.Store(false)
	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

// Limited counts inbound frames dropped by the per-user frame rate.
func (s *Server) Limited() uint64 { return s.limited.Load() }

// Addr is the bound HTTP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// QUICAddr is the bound QUIC address, or nil when QUIC is disabled.
func (s *Server) QUICAddr() net.Addr {
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

func (s *Server) track(c io.Closer) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c io.Closer) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}
