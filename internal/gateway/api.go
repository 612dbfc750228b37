package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/commune/internal/auth"
	"github.com/haasonsaas/commune/internal/ratelimit"
	"github.com/haasonsaas/commune/internal/realtime"
	"github.com/haasonsaas/commune/internal/storage"
	"github.com/haasonsaas/commune/pkg/models"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	maxRequestBody      = 1 << 20
)

var (
	errInvalidBody = errors.New("invalid request body")
	errNotAuthor   = errors.New("only the author can change this message")
)

// apiResponse is the envelope every API route answers with.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Pagination describes a page of channel messages.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// ChannelMessagesResponse is the payload of GET /community/channels/{channelId}/messages.
type ChannelMessagesResponse struct {
	Channel    *models.Channel   `json:"channel"`
	Messages   []*models.Message `json:"messages"`
	Pagination Pagination        `json:"pagination"`
}

// ChannelUsersResponse is the payload of GET /community/channels/{channelId}/users.
type ChannelUsersResponse struct {
	ChannelID string            `json:"channelId"`
	Users     []models.Presence `json:"users"`
	Count     int               `json:"count"`
}

type sendMessageBody struct {
	UserID      string              `json:"userId"`
	Content     string              `json:"content"`
	ContentType string              `json:"contentType,omitempty"`
	ReplyToID   string              `json:"replyToId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Mentions    []string            `json:"mentions,omitempty"`
}

type editMessageBody struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

type upsertUserBody struct {
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Username        string `json:"username,omitempty"`
	DisplayUsername string `json:"displayUsername,omitempty"`
	Image           string `json:"image,omitempty"`
}

func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultMessageLimit)
	offset := parseIntParam(r, "offset", 0)
	communities, err := s.stores.Communities.ListPublic(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to fetch communities")
		return
	}
	writeData(w, http.StatusOK, communities)
}

func (s *Server) handleGetCommunity(w http.ResponseWriter, r *http.Request) {
	community, err := s.stores.Communities.Get(r.Context(), r.PathValue("communityId"))
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to fetch community")
		return
	}
	writeData(w, http.StatusOK, community)
}

// handleCommunityResource serves GET /community/{communityId}/channels and
// GET /community/channels/{channelId}, which ServeMux cannot tell apart.
func (s *Server) handleCommunityResource(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	info := requestInfoFrom(r.Context())
	switch {
	case first == "channels":
		if info != nil {
			info.route = "/community/channels/{channelId}"
		}
		s.getChannel(w, r, second)
	case second == "channels":
		if info != nil {
			info.route = "/community/{communityId}/channels"
		}
		s.listChannels(w, r, first)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// listChannels returns the community's channels, creating the default channel
// for a known community that has none yet.
func (s *Server) listChannels(w http.ResponseWriter, r *http.Request, communityID string) {
	ctx := r.Context()
	channels, err := s.stores.Channels.ListByCommunity(ctx, communityID)
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to fetch channels")
		return
	}
	if len(channels) == 0 {
		if _, err := s.stores.Communities.Get(ctx, communityID); err == nil {
			channel, err := s.stores.Channels.GetOrCreateDefault(ctx, communityID)
			if err != nil {
				s.writeStoreError(w, r, err, "Failed to fetch channels")
				return
			}
			channels = []*models.Channel{channel}
		}
	}
	if channels == nil {
		channels = []*models.Channel{}
	}
	writeData(w, http.StatusOK, channels)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request, channelID string) {
	channel, err := s.stores.Channels.Get(r.Context(), channelID)
	if err != nil {
		s.writeStoreError(w, r, channelError(err), "Failed to fetch channel")
		return
	}
	writeData(w, http.StatusOK, channel)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := r.PathValue("channelId")

	limit := parseIntParam(r, "limit", defaultMessageLimit)
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	channel, err := s.stores.Channels.Get(ctx, channelID)
	if err != nil {
		s.writeStoreError(w, r, channelError(err), "Failed to fetch messages")
		return
	}
	messages, err := s.stores.Messages.List(ctx, channelID, limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeData(w, http.StatusOK, ChannelMessagesResponse{
		Channel:  channel,
		Messages: messages,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: len(messages) == limit,
		},
	})
}

func (s *Server) handleChannelUsers(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	users := s.hub.ActivePresences(channelID)
	writeData(w, http.StatusOK, ChannelUsersResponse{
		ChannelID: channelID,
		Users:     users,
		Count:     len(users),
	})
}

// handleSendMessage relays a message through the hub so live subscribers see
// it exactly as if it had been sent over a websocket.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := actingUser(r, body.UserID)
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to send message")
		return
	}
	if !s.postLimiter.Allow(ratelimit.CompositeKey("post", userID)) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(s.postLimiter, ratelimit.CompositeKey("post", userID))))
		writeError(w, http.StatusTooManyRequests, realtime.ErrorMessage(realtime.ErrRateLimited))
		return
	}

	msg, err := s.hub.SendMessage(r.Context(), realtime.SendMessageRequest{
		ChannelID:   r.PathValue("channelId"),
		UserID:      userID,
		Content:     body.Content,
		ContentType: body.ContentType,
		ReplyToID:   body.ReplyToID,
		Attachments: body.Attachments,
		Mentions:    body.Mentions,
	})
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to send message")
		return
	}
	writeData(w, http.StatusCreated, msg)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var body editMessageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, realtime.ErrorMessage(realtime.ErrEmptyMessage))
		return
	}
	userID, err := actingUser(r, body.UserID)
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to edit message")
		return
	}
	msg, err := s.stores.Messages.Edit(r.Context(), r.PathValue("messageId"), userID, body.Content)
	if err != nil {
		s.writeStoreError(w, r, s.authorError(r, err), "Failed to edit message")
		return
	}
	writeData(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := actingUser(r, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to delete message")
		return
	}
	msg, err := s.stores.Messages.Delete(r.Context(), r.PathValue("messageId"), userID)
	if err != nil {
		s.writeStoreError(w, r, s.authorError(r, err), "Failed to delete message")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": msg.ID})
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var body upsertUserBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := actingUser(r, r.PathValue("userId"))
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to save user")
		return
	}
	if strings.TrimSpace(body.Name) == "" && strings.TrimSpace(body.Username) == "" {
		writeError(w, http.StatusBadRequest, "name or username is required")
		return
	}
	user, err := s.stores.Users.Upsert(r.Context(), &models.User{
		ID:              userID,
		Name:            body.Name,
		Email:           body.Email,
		Username:        body.Username,
		DisplayUsername: body.DisplayUsername,
		Image:           body.Image,
	})
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to save user")
		return
	}
	writeData(w, http.StatusOK, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.stores.Users.Get(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeStoreError(w, r, err, "Failed to fetch user")
		return
	}
	writeData(w, http.StatusOK, user.Profile())
}

func channelError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return realtime.ErrChannelNotFound
	}
	return err
}

// actingUser resolves who a write is performed as. An authenticated caller
// may only act as themselves.
func actingUser(r *http.Request, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if user, ok := auth.UserFromContext(r.Context()); ok {
		if claimed != "" && claimed != user.ID {
			return "", realtime.ErrForbidden
		}
		return user.ID, nil
	}
	if claimed == "" {
		return "", errInvalidBody
	}
	return claimed, nil
}

// authorError reports a write on someone else's message as forbidden rather
// than missing.
func (s *Server) authorError(r *http.Request, err error) error {
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, getErr := s.stores.Messages.Get(r.Context(), r.PathValue("messageId")); getErr == nil {
		return errNotAuthor
	}
	return err
}

// writeStoreError maps domain errors to status codes. Unexpected errors are
// logged and answered with fallback.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, realtime.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "Channel not found")
	case errors.Is(err, realtime.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, realtime.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, realtime.ErrorMessage(err))
	case errors.Is(err, errInvalidBody):
		writeError(w, http.StatusBadRequest, "userId is required")
	case errors.Is(err, realtime.ErrForbidden), errors.Is(err, errNotAuthor):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Already exists")
	default:
		s.logger.Error(r.Context(), "api request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody
	}
	return nil
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func retryAfterSeconds(limiter *ratelimit.Limiter, key string) int {
	wait := limiter.WaitTime(key)
	seconds := int(wait.Seconds())
	if wait > 0 && seconds == 0 {
		seconds = 1
	}
	return seconds
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
