package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/pkg/models"
)

var (
	// ErrForbidden is returned for operations the connection is not allowed to perform.
	ErrForbidden = errors.New("operation not permitted")

	// ErrRateLimited is returned when a connection sends operations too quickly.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// HubConfig wires a Hub to its collaborators.
type HubConfig struct {
	Channels ChannelLookup
	Users    UserLookup
	Messages MessageWriter
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Hub is the entry point for a transport: it owns the connection registry and
// membership state, executes client operations, and relays messages.
type Hub struct {
	registry    *Registry
	store       *MembershipStore
	broadcaster *Broadcaster
	presence    *PresenceController
	relay       *Relay
	logger      *slog.Logger
	metrics     *observability.Metrics
	newID       func() string
}

// NewHub creates a hub with empty state.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	store := NewMembershipStore(registry)
	broadcaster := NewBroadcaster(store, registry, logger, cfg.Metrics)
	presence := NewPresenceController(store, broadcaster, logger, cfg.Metrics)
	relay := NewRelay(cfg.Channels, cfg.Users, cfg.Messages, broadcaster, cfg.Tracer, logger, cfg.Metrics)

	return &Hub{
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		presence:    presence,
		relay:       relay,
		logger:      logger.With("component", "hub"),
		metrics:     cfg.Metrics,
		newID:       uuid.NewString,
	}
}

// OnOpen registers a new connection and returns its id.
func (h *Hub) OnOpen(sender Sender) (string, error) {
	connID := h.newID()
	if err := h.registry.Register(connID, sender); err != nil {
		return "", err
	}
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection opened", "connection_id", connID)
	return connID, nil
}

// Dispatch decodes a raw frame with codec and executes it. Frames that cannot
// be decoded are answered with an error event.
func (h *Hub) Dispatch(ctx context.Context, connID string, codec Codec, data []byte) error {
	return h.DispatchAuthorized(ctx, connID, codec, data, nil)
}

// Authorizer vets a decoded operation before it is executed.
type Authorizer func(op ClientOperation) error

// DispatchAuthorized is Dispatch with authorize run between decoding and
// execution. A rejected operation is answered with an error event.
func (h *Hub) DispatchAuthorized(ctx context.Context, connID string, codec Codec, data []byte, authorize Authorizer) error {
	op, err := codec.DecodeOperation(data)
	if err != nil {
		h.metrics.RecordOperation("invalid", err)
		h.SendError(ctx, connID, err)
		return err
	}
	if authorize != nil {
		if err := authorize(op); err != nil {
			h.metrics.RecordOperation(string(op.Op), err)
			h.logger.Debug("operation rejected", "connection_id", connID, "op", string(op.Op), "error", err)
			h.SendError(ctx, connID, err)
			return err
		}
	}
	return h.OnMessage(ctx, connID, op)
}

// OnMessage executes one client operation for connID. A failed operation is
// answered with an error event sent to connID only.
func (h *Hub) OnMessage(ctx context.Context, connID string, op ClientOperation) error {
	var err error
	switch op.Op {
	case OpJoinChannel:
		err = h.presence.JoinChannel(ctx, connID, op.Data.ChannelID, op.Data.UserID, op.Data.Username)
	case OpLeaveChannel:
		err = h.presence.LeaveChannel(ctx, connID, op.Data.ChannelID)
	case OpUnsubscribeChannel:
		err = h.presence.UnsubscribeChannel(ctx, connID, op.Data.ChannelID)
	default:
		err = fmt.Errorf("%w %q", ErrUnknownOperation, op.Op)
	}
	h.metrics.RecordOperation(string(op.Op), err)
	if err != nil {
		h.logger.Debug("operation failed", "connection_id", connID, "op", string(op.Op), "error", err)
		h.SendError(ctx, connID, err)
	}
	return err
}

// SendError answers connID with an error event describing err. A connection
// that cannot receive it is disconnected.
func (h *Hub) SendError(ctx context.Context, connID string, err error) {
	if sendErr := h.registry.Send(connID, ErrorEvent(ErrorMessage(err))); sendErr != nil {
		if h.registry.Has(connID) {
			h.metrics.RecordEviction()
			h.presence.HandleDisconnect(ctx, connID)
		}
	}
}

// OnClose removes every trace of connID. It is safe to call more than once.
func (h *Hub) OnClose(ctx context.Context, connID string) {
	h.presence.HandleDisconnect(ctx, connID)
}

// SendMessage persists a message and broadcasts it to the channel's subscribers.
func (h *Hub) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	return h.relay.SendMessage(ctx, req)
}

// ActivePresences returns the users currently viewing channelID.
func (h *Hub) ActivePresences(channelID string) []models.Presence {
	return h.presence.ActivePresences(channelID)
}

// Snapshot returns the channel's membership.
func (h *Hub) Snapshot(channelID string) ChannelSnapshot {
	return h.store.Snapshot(channelID)
}

// Stats returns aggregate membership counts.
func (h *Hub) Stats() MembershipStats {
	return h.store.Stats()
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	return h.registry.Len()
}

// ErrorMessage renders err as the message of an error event.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownOperation):
		return "Unknown operation"
	case errors.Is(err, ErrMalformedOperation):
		return err.Error()
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded"
	case errors.Is(err, ErrConnectionClosed):
		return "Connection closed"
	case errors.Is(err, ErrChannelNotFound):
		return "Channel not found"
	case errors.Is(err, ErrUserNotFound):
		return "User not found"
	case errors.Is(err, ErrEmptyMessage):
		return "Message content is required"
	default:
		return "Internal error"
	}
}
