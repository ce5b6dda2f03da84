package collector

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

// SessionInfo is a point-in-time view of a BMP session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Router   string    `json:"router"`
	Name     string    `json:"name,omitempty"`
	SysName  string    `json:"sys_name,omitempty"`
	Started  time.Time `json:"started"`
	Messages uint64    `json:"messages"`
	Errors   uint64    `json:"errors"`
	Bytes    uint64    `json:"bytes"`
	Peers    int       `json:"peers"`
	Buffered int       `json:"buffered"`
}

// Session is one BMP speaker connected over TCP. Each session owns its
// Decoder; nothing is shared between sessions.
type Session struct {
	id      string
	conn    net.Conn
	router  string
	name    string
	started time.Time
	dec     *bmp.Decoder
	logger  *zap.Logger

	readBuf     []byte
	idleTimeout time.Duration

	messages atomic.Uint64
	failures atomic.Uint64
	bytes    atomic.Uint64
	peers    atomic.Int64
	buffered atomic.Int64

	mu      sync.Mutex
	sysName string
}

func newSession(conn net.Conn, name string, cfg ServerConfig, logger *zap.Logger) *Session {
	router := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(router); err == nil {
		router = host
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("session", id), zap.String("router", router))

	opts := []bmp.Option{bmp.WithLogger(logger)}
	if cfg.MaxMessageBytes > 0 {
		opts = append(opts, bmp.WithMaxMessageLength(cfg.MaxMessageBytes))
	}
	return &Session{
		id:          id,
		conn:        conn,
		router:      router,
		name:        name,
		started:     time.Now(),
		dec:         bmp.NewDecoder(opts...),
		logger:      logger,
		readBuf:     make([]byte, cfg.ReadBufferBytes),
		idleTimeout: cfg.IdleTimeout,
	}
}

func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session counters.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	sysName := s.sysName
	s.mu.Unlock()
	return SessionInfo{
		ID:       s.id,
		Remote:   s.conn.RemoteAddr().String(),
		Router:   s.router,
		Name:     s.name,
		SysName:  sysName,
		Started:  s.started,
		Messages: s.messages.Load(),
		Errors:   s.failures.Load(),
		Bytes:    s.bytes.Load(),
		Peers:    int(s.peers.Load()),
		Buffered: int(s.buffered.Load()),
	}
}

// run reads the connection until EOF, a read error, a fatal framing error
// or ctx cancellation, sending decoded events to out.
func (s *Session) run(ctx context.Context, out chan<- Batch[struct{}]) error {
	tmpl := sink.Event{Router: s.router, Session: s.id, Source: sink.SourceTCP}
	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n, err := s.conn.Read(s.readBuf)
		if n > 0 {
			s.bytes.Add(uint64(n))
			tmpl.Received = time.Now()
			events, ferr := feed(s.dec, s.readBuf[:n], tmpl, s.logger)
			if ferr != nil {
				ev := tmpl
				ev.Err = ferr
				events = append(events, &ev)
			}
			s.observe(events)
			if len(events) > 0 {
				select {
				case out <- Batch[struct{}]{Events: events}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if s.dec.State() == bmp.StateBuffering {
					s.logger.Warn("connection closed inside a message",
						zap.Int("buffered_bytes", s.dec.Buffered()))
				}
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				return errIdleTimeout
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return err
			}
		}
	}
}

var errIdleTimeout = errors.New("collector: session idle timeout")

func (s *Session) observe(events []*sink.Event) {
	for _, ev := range events {
		if ev.Err != nil {
			s.failures.Add(1)
		}
		if ev.Message == nil {
			continue
		}
		s.messages.Add(1)
		switch m := ev.Message.(type) {
		case *bmp.Initiation:
			if name := m.SysName(); name != "" {
				s.mu.Lock()
				s.sysName = name
				s.mu.Unlock()
				s.logger.Info("bmp initiation", zap.String("sys_name", name), zap.String("sys_descr", m.SysDescr()))
			}
		case *bmp.Termination:
			reason, _ := m.Reason()
			s.logger.Info("bmp termination", zap.Uint16("reason", uint16(reason)))
		}
	}
	s.peers.Store(int64(len(s.dec.Peers())))
	s.buffered.Store(int64(s.dec.Buffered()))
}
