package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/internal/storage"
	"github.com/haasonsaas/commune/pkg/models"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrEmptyMessage    = errors.New("message has no content or attachments")
)

// ChannelLookup resolves channels by id.
type ChannelLookup interface {
	Get(ctx context.Context, id string) (*models.Channel, error)
}

// UserLookup resolves users by id.
type UserLookup interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// MessageWriter persists new messages.
type MessageWriter interface {
	Create(ctx context.Context, msg *models.Message) error
}

// SendMessageRequest describes a message to persist and broadcast.
type SendMessageRequest struct {
	ChannelID   string              `json:"channelId"`
	UserID      string              `json:"userId"`
	Content     string              `json:"content"`
	ContentType string              `json:"contentType,omitempty"`
	ReplyToID   string              `json:"replyToId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Mentions    []string            `json:"mentions,omitempty"`
}

// Relay persists chat messages and broadcasts them to every subscribed
// connection of the channel.
type Relay struct {
	channels    ChannelLookup
	users       UserLookup
	messages    MessageWriter
	broadcaster *Broadcaster
	tracer      trace.Tracer
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewRelay creates a relay. A nil tracer uses the global provider.
func NewRelay(channels ChannelLookup, users UserLookup, messages MessageWriter, broadcaster *Broadcaster, tracer trace.Tracer, logger *slog.Logger, metrics *observability.Metrics) *Relay {
	if tracer == nil {
		tracer = otel.Tracer("github.com/haasonsaas/commune/internal/realtime")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		channels:    channels,
		users:       users,
		messages:    messages,
		broadcaster: broadcaster,
		tracer:      tracer,
		logger:      logger.With("component", "relay"),
		metrics:     metrics,
	}
}

// SendMessage validates the channel and author, persists the message, and
// broadcasts newMessage with the author snapshot attached. Nothing is written
// or broadcast when validation fails, and nothing is broadcast when the write
// fails.
func (r *Relay) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	ctx, span := r.tracer.Start(ctx, "realtime.SendMessage",
		trace.WithAttributes(
			attribute.String("channel.id", req.ChannelID),
			attribute.String("user.id", req.UserID),
		))
	defer span.End()

	msg, err := r.sendMessage(ctx, req)
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, err
	}
	return msg, nil
}

func (r *Relay) sendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	if _, err := r.channels.Get(ctx, req.ChannelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
		}
		return nil, fmt.Errorf("lookup channel: %w", err)
	}
	user, err := r.users.Get(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, req.UserID)
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	msg := &models.Message{
		ChannelID:   req.ChannelID,
		UserID:      req.UserID,
		Content:     req.Content,
		ContentType: models.ParseContentType(req.ContentType),
		ReplyToID:   req.ReplyToID,
		Attachments: req.Attachments,
		Mentions:    req.Mentions,
	}
	if err := r.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	msg.User = user.Profile()

	result := r.broadcaster.Broadcast(ctx, req.ChannelID, NewMessageEvent(msg), AudienceSubscribed)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("broadcast.delivered", result.Delivered),
		attribute.Int("broadcast.failed", len(result.Failed)),
	)
	r.metrics.MessageRelayed(string(msg.ContentType))
	r.logger.Debug("message relayed",
		"message_id", msg.ID,
		"channel_id", msg.ChannelID,
		"delivered", result.Delivered,
	)
	return msg, nil
}
