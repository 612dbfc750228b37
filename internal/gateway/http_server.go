package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/commune/internal/auth"
)

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /community", s.traced(s.handleListCommunities))
	api.HandleFunc("GET /community/{communityId}", s.traced(s.handleGetCommunity))
	api.HandleFunc("GET /community/{first}/{second}", s.traced(s.handleCommunityResource))
	api.HandleFunc("GET /community/channels/{channelId}/messages", s.traced(s.handleListMessages))
	api.HandleFunc("POST /community/channels/{channelId}/messages", s.traced(s.handleSendMessage))
	api.HandleFunc("GET /community/channels/{channelId}/users", s.traced(s.handleChannelUsers))
	api.HandleFunc("PATCH /community/messages/{messageId}", s.traced(s.handleEditMessage))
	api.HandleFunc("DELETE /community/messages/{messageId}", s.traced(s.handleDeleteMessage))
	api.HandleFunc("PUT /users/{userId}", s.traced(s.handleUpsertUser))
	api.HandleFunc("GET /users/{userId}", s.traced(s.handleGetUser))
	// The upgrade is traced inside the handler; a span must not outlive it.
	api.HandleFunc("GET /ws", routed(s.handleWebsocket))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/", auth.Middleware(s.auth, s.logger.Slog())(api))

	return chain(mux,
		requestIDMiddleware,
		s.loggingMiddleware,
	)
}

type healthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime,omitempty"`
	Connections int    `json:"connections"`
	Channels    int    `json:"channels"`
	Active      int    `json:"activeConnections"`
	Subscribed  int    `json:"subscriptions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	status := healthStatus{
		Status:      "ok",
		Connections: s.hub.Connections(),
		Channels:    stats.Channels,
		Active:      stats.ActiveConnections,
		Subscribed:  stats.Subscriptions,
	}
	if !s.startTime.IsZero() {
		status.Uptime = time.Since(s.startTime).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, status)
}
