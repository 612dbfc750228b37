package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/commune/internal/auth"
	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/internal/ratelimit"
	"github.com/haasonsaas/commune/internal/realtime"
	"github.com/haasonsaas/commune/pkg/models"
)

const (
	defaultPongWait  = 60 * time.Second
	defaultWriteWait = 10 * time.Second
)

// wsSession is one websocket connection. It is the realtime.Sender for its
// connection id: events are encoded with the negotiated codec and queued for
// the write loop.
type wsSession struct {
	server  *Server
	conn    *websocket.Conn
	codec   realtime.Codec
	msgType int
	send    chan []byte
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	id        string
	user      *models.User
	closeOnce sync.Once
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	_, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, routePath(r.Pattern))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		observability.RecordSpanError(span, err)
		span.End()
		s.logger.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	span.SetAttributes(
		attribute.Int("http.status_code", http.StatusSwitchingProtocols),
		attribute.String("websocket.subprotocol", conn.Subprotocol()),
	)
	span.End()

	codec := realtime.CodecFor(conn.Subprotocol())
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	sendBuffer := s.config.Server.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	session := &wsSession{
		server:  s,
		conn:    conn,
		codec:   codec,
		msgType: msgType,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		user:    user,
	}

	id, err := s.hub.OnOpen(session)
	if err != nil {
		s.logger.Error(ctx, "failed to register websocket connection", "error", err)
		session.Close() //nolint:errcheck
		return
	}
	session.id = id
	session.ctx = observability.AddConnectionID(ctx, id)
	if user != nil {
		session.ctx = observability.AddUserID(session.ctx, user.ID)
	}

	s.trackSession(session)
	defer s.untrackSession(session)

	s.logger.Info(session.ctx, "websocket connected", "subprotocol", codec.Subprotocol())
	session.run()
	s.logger.Info(session.ctx, "websocket disconnected")
}

func (s *wsSession) run() {
	defer s.finish()
	go s.writeLoop()
	s.readLoop()
}

// finish deregisters the connection from the hub and releases its limiter.
func (s *wsSession) finish() {
	s.server.hub.OnClose(s.ctx, s.id)
	s.server.wsLimiter.Reset(s.rateKey())
	s.Close() //nolint:errcheck
}

// Send queues event for delivery. A full queue is a delivery failure.
func (s *wsSession) Send(event *realtime.ServerEvent) error {
	data, err := s.codec.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Op, err)
	}
	select {
	case <-s.done:
		return fmt.Errorf("%w: connection closed", realtime.ErrDeliveryFailure)
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", realtime.ErrDeliveryFailure)
	}
}

// Close tears the connection down. It is safe to call more than once.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.timings().writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) rateKey() string {
	return ratelimit.CompositeKey("ws", s.id)
}

type sessionTimings struct {
	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration
}

func (s *wsSession) timings() sessionTimings {
	cfg := s.server.config.Server
	t := sessionTimings{pingInterval: cfg.PingInterval, pongWait: cfg.PongWait, writeWait: cfg.WriteWait}
	if t.pongWait <= 0 {
		t.pongWait = defaultPongWait
	}
	if t.pingInterval <= 0 || t.pingInterval >= t.pongWait {
		t.pingInterval = t.pongWait * 9 / 10
	}
	if t.writeWait <= 0 {
		t.writeWait = defaultWriteWait
	}
	return t
}

func (s *wsSession) readLoop() {
	if limit := s.server.config.Server.MaxMessageBytes; limit > 0 {
		s.conn.SetReadLimit(limit)
	}
	pongWait := s.timings().pongWait
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.server.logger.Debug(s.ctx, "websocket read failed", "error", err)
			}
			return
		}

		if !s.server.wsLimiter.Allow(s.rateKey()) {
			s.server.hub.SendError(s.ctx, s.id, realtime.ErrRateLimited)
			continue
		}
		// Failures are answered on the connection by the hub.
		_ = s.server.hub.DispatchAuthorized(s.ctx, s.id, s.codec, data, s.authorize) //nolint:errcheck
	}
}

// authorize pins joins to the authenticated user, when there is one.
func (s *wsSession) authorize(op realtime.ClientOperation) error {
	if s.user == nil || op.Op != realtime.OpJoinChannel {
		return nil
	}
	if op.Data.UserID != s.user.ID {
		return realtime.ErrForbidden
	}
	return nil
}

func (s *wsSession) writeLoop() {
	t := s.timings()
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(s.msgType, msg); err != nil {
				s.Close() //nolint:errcheck
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close() //nolint:errcheck
				return
			}
		}
	}
}

// checkOrigin accepts requests without an Origin header and origins on the
// allow-list. An empty allow-list accepts every origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := s.config.Server.AllowedOrigins
	if origin == "" || len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, candidate := range allowed {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.EqualFold(strings.TrimSuffix(candidate, "/"), origin) {
			return true
		}
	}
	s.logger.Warn(r.Context(), "websocket origin rejected", "origin", origin)
	return false
}
