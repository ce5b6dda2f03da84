package collector

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/metrics"
)

// ServerConfig controls the BMP listener.
type ServerConfig struct {
	Listen          string
	MaxSessions     int
	MaxMessageBytes uint32
	ReadBufferBytes int
	IdleTimeout     time.Duration
	// RouterName maps a router address to an operator-assigned name.
	RouterName func(addr string) string
}

// Server accepts BMP sessions over TCP. Routers connect to the collector
// (RFC 7854 §3.2) and stream messages until they close the connection.
type Server struct {
	cfg    ServerConfig
	out    chan<- Batch[struct{}]
	logger *zap.Logger

	listening atomic.Bool
	addr      atomic.Value // net.Addr

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer returns a server that sends decoded events to out.
func NewServer(cfg ServerConfig, out chan<- Batch[struct{}], logger *zap.Logger) *Server {
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = 65536
	}
	return &Server{
		cfg:      cfg,
		out:      out,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Serve listens on the configured address and blocks until ctx is
// cancelled. Open sessions are closed before it returns.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.addr.Store(ln.Addr())
	s.listening.Store(true)
	s.logger.Info("BMP listener started", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	defer func() {
		s.listening.Store(false)
		s.closeAll()
		s.wg.Wait()
		s.logger.Info("BMP listener stopped")
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("failed to accept BMP connection", zap.Error(err))
			continue
		}
		s.accept(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.logger.Warn("rejecting BMP connection, session limit reached",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Int("max_sessions", s.cfg.MaxSessions),
		)
		_ = conn.Close()
		return
	}

	var name string
	if s.cfg.RouterName != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			name = s.cfg.RouterName(host)
		}
	}
	sess := newSession(conn, name, s.cfg, s.logger)
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	sess.logger.Info("BMP session opened", zap.String("remote", conn.RemoteAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sess.run(ctx, s.out)
		_ = conn.Close()

		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		metrics.ActiveSessions.Dec()
		metrics.TrackedPeers.DeleteLabelValues(sess.router)

		info := sess.Info()
		fields := []zap.Field{
			zap.Uint64("messages", info.Messages),
			zap.Uint64("bytes", info.Bytes),
			zap.Duration("duration", time.Since(info.Started)),
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			sess.logger.Warn("BMP session closed", append(fields, zap.Error(err))...)
			return
		}
		sess.logger.Info("BMP session closed", fields...)
	}()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

// Sessions returns a snapshot of the open sessions ordered by start time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// IsListening reports whether the listener is accepting connections.
func (s *Server) IsListening() bool {
	return s.listening.Load()
}

// Addr returns the bound listener address, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}
