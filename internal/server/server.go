// Package server exposes the job queue over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/service"
	"github.com/MeKo-Tech/ocrq/internal/sink"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobService is the part of the service the server drives.
type JobService interface {
	DefaultParams() recognizer.Params
	EnqueueData(requester task.RequesterID, data []byte, params *recognizer.Params) task.Token
	Cancel(requester task.RequesterID, token task.Token) bool
	CancelAll(requester task.RequesterID) bool
	Queued(requester task.RequesterID) []task.Token
	SetListener(requester task.RequesterID, l sink.Listener)
	Stats() service.Stats
	Info() map[string]any
}

var _ JobService = (*service.Service)(nil)

// Config holds server configuration.
type Config struct {
	Host            string
	Port            int
	CORSOrigin      string
	MaxUploadBytes  int64
	Timeout         time.Duration
	ShutdownTimeout time.Duration
	JobsPerMinute   int
	BytesPerDay     int64
	Version         string
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		CORSOrigin:      "*",
		MaxUploadBytes:  50 << 20,
		Timeout:         30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	svc     JobService
	cfg     Config
	limiter *Limiter

	mu      sync.Mutex
	sockets map[*wsClient]struct{}
	current map[task.RequesterID]*wsClient
}

// New creates a server for svc.
func New(cfg Config, svc JobService) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: job service is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("server: max upload size must be positive, got %d", cfg.MaxUploadBytes)
	}
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		sockets: make(map[*wsClient]struct{}),
		current: make(map[task.RequesterID]*wsClient),
	}
	if cfg.JobsPerMinute > 0 || cfg.BytesPerDay > 0 {
		s.limiter = NewLimiter(cfg.JobsPerMinute, cfg.BytesPerDay)
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", s.healthHandler)
	s.route(mux, "GET /stats", s.statsHandler)
	s.route(mux, "GET /v1/jobs", s.queuedHandler)
	s.route(mux, "POST /v1/jobs", s.rateLimitMiddleware(s.submitHandler))
	s.route(mux, "DELETE /v1/jobs", s.cancelAllHandler)
	s.route(mux, "DELETE /v1/jobs/{token}", s.cancelHandler)
	s.route(mux, "GET /v1/ws", s.webSocketHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return requestIDMiddleware(s.corsMiddleware(mux))
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, metricsMiddleware(pattern, h))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
	}
	httpServer.RegisterOnShutdown(s.closeSockets)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting OCR server", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// attachSocket makes c its requester's listener, replacing any earlier socket.
func (s *Server) attachSocket(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
	if prev, ok := s.current[c.requester]; ok && prev != c {
		slog.Info("WebSocket replaced by a newer connection", "requester", c.requester)
	}
	s.current[c.requester] = c
	s.svc.SetListener(c.requester, c)
}

// detachSocket forgets c. Only the requester's current socket unregisters the
// listener and cancels the requester's jobs; a replaced socket leaves both to
// its successor. It reports whether c was current.
func (s *Server) detachSocket(c *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, c)
	if s.current[c.requester] != c {
		return false
	}
	delete(s.current, c.requester)
	s.svc.SetListener(c.requester, nil)
	s.svc.CancelAll(c.requester)
	return true
}

// closeSockets closes hijacked WebSocket connections, which http.Server.Shutdown
// does not track.
func (s *Server) closeSockets() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.sockets))
	for c := range s.sockets {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
