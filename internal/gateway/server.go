// Package gateway serves the commune HTTP API and websocket endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/commune/internal/auth"
	"github.com/haasonsaas/commune/internal/config"
	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/internal/ratelimit"
	"github.com/haasonsaas/commune/internal/realtime"
	"github.com/haasonsaas/commune/internal/storage"
)

const (
	limiterPruneInterval = time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

// Options carries the collaborators a Server is built from.
type Options struct {
	Config  *config.Config
	Stores  storage.StoreSet
	Auth    *auth.Service
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
	Tracer   *observability.Tracer
}

// Server is the commune gateway: an HTTP API plus a websocket endpoint in
// front of one realtime hub.
type Server struct {
	config   *config.Config
	hub      *realtime.Hub
	stores   storage.StoreSet
	auth     *auth.Service
	logger   *observability.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer

	wsLimiter   *ratelimit.Limiter
	postLimiter *ratelimit.Limiter
	upgrader    websocket.Upgrader
	handler     http.Handler

	sessionsMu sync.Mutex
	sessions   map[*wsSession]struct{}

	httpServer   *http.Server
	httpListener net.Listener
	stopPrune    context.CancelFunc
	pruneDone    chan struct{}
	startTime    time.Time
}

// NewServer creates a gateway server.
func NewServer(opts Options) (*Server, error) {
	if opts.Stores.Communities == nil || opts.Stores.Channels == nil || opts.Stores.Users == nil || opts.Stores.Messages == nil {
		return nil, errors.New("gateway: every store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:      cfg,
		stores:      opts.Stores,
		auth:        opts.Auth,
		logger:      logger,
		metrics:     opts.Metrics,
		gatherer:    gatherer,
		tracer:      opts.Tracer,
		wsLimiter:   ratelimit.NewLimiter(cfg.RateLimit),
		postLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		sessions:    make(map[*wsSession]struct{}),
	}
	s.hub = realtime.NewHub(realtime.HubConfig{
		Channels: opts.Stores.Channels,
		Users:    opts.Stores.Users,
		Messages: opts.Stores.Messages,
		Logger:   logger.Slog(),
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer.Tracer(),
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    realtime.Subprotocols,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s, nil
}

// Hub returns the realtime hub behind the server.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening on the configured address. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves HTTP on listener in the background.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.startTime = time.Now()
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pruneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPrune = cancel
	s.pruneDone = make(chan struct{})
	go s.pruneLimiters(pruneCtx)

	s.logger.Info(ctx, "starting HTTP server", "addr", listener.Addr().String())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the HTTP server down and closes every open websocket session.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info(ctx, "stopping server")
	if s.stopPrune != nil {
		s.stopPrune()
		<-s.pruneDone
	}

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("http shutdown: %w", shutdownErr)
		}
	}

	// Hijacked websocket connections are not tracked by http.Server.
	for _, session := range s.openSessions() {
		session.Close() //nolint:errcheck
	}
	return err
}

func (s *Server) pruneLimiters(ctx context.Context) {
	defer close(s.pruneDone)
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.wsLimiter.PruneIdle(limiterIdleTimeout) + s.postLimiter.PruneIdle(limiterIdleTimeout)
			if removed > 0 {
				s.logger.Debug(ctx, "pruned idle rate limit buckets", "removed", removed)
			}
		}
	}
}

func (s *Server) trackSession(session *wsSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[session] = struct{}{}
}

func (s *Server) untrackSession(session *wsSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, session)
}

func (s *Server) openSessions() []*wsSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*wsSession, 0, len(s.sessions))
	for session := range s.sessions {
		out = append(out, session)
	}
	return out
}
