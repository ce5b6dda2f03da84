package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/collector"
)

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// ListenerStatus reports whether the BMP listener accepts connections.
type ListenerStatus interface {
	IsListening() bool
}

// SessionLister lists the open BMP sessions.
type SessionLister interface {
	Sessions() []collector.SessionInfo
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Options selects the components readiness depends on. Nil fields are
// components that are not configured and are left out of the checks.
type Options struct {
	Pool        *pgxpool.Pool
	RawConsumer ConsumerStatus
	Listener    ListenerStatus
	Sessions    SessionLister
}

type Server struct {
	srv         *http.Server
	dbChecker   DBChecker
	rawConsumer ConsumerStatus
	listener    ListenerStatus
	sessions    SessionLister
	logger      *zap.Logger
}

func NewServer(addr string, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		rawConsumer: opts.RawConsumer,
		listener:    opts.Listener,
		sessions:    opts.Sessions,
		logger:      logger,
	}
	if opts.Pool != nil {
		s.dbChecker = opts.Pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check PostgreSQL.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	// Check Kafka raw consumer.
	if s.rawConsumer != nil {
		if s.rawConsumer.IsJoined() {
			checks["kafka_raw"] = "ok"
		} else {
			checks["kafka_raw"] = "not_joined"
			allOK = false
		}
	}

	// Check BMP listener.
	if s.listener != nil {
		if s.listener.IsListening() {
			checks["bmp_listener"] = "ok"
		} else {
			checks["bmp_listener"] = "not_listening"
			allOK = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []collector.SessionInfo{}
	if s.sessions != nil {
		sessions = s.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}
