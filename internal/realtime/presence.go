package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/pkg/models"
)

// ErrMalformedOperation is returned for client operations that cannot be executed.
var ErrMalformedOperation = errors.New("malformed operation")

const maxJoinAttempts = 3

// PresenceController applies join, leave, unsubscribe, and disconnect
// transitions to the membership store and announces presence changes.
type PresenceController struct {
	store       *MembershipStore
	broadcaster *Broadcaster
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewPresenceController creates a controller and installs itself as the
// broadcaster's evictor.
func NewPresenceController(store *MembershipStore, broadcaster *Broadcaster, logger *slog.Logger, metrics *observability.Metrics) *PresenceController {
	if logger == nil {
		logger = slog.Default()
	}
	c := &PresenceController{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With("component", "presence"),
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	broadcaster.SetEvictor(c)
	return c
}

// JoinChannel makes channelID the connection's active channel, subscribes it,
// records the user's presence, and announces userJoined to active members.
// A connection active elsewhere leaves that channel first.
func (c *PresenceController) JoinChannel(ctx context.Context, connID, channelID, userID, username string) error {
	if connID == "" || channelID == "" || userID == "" {
		return fmt.Errorf("%w: channelId and userId are required", ErrMalformedOperation)
	}

	var (
		presence  models.Presence
		displaced string
		err       error
	)
	for attempt := 1; ; attempt++ {
		if previous := c.store.CurrentActiveChannel(connID); previous != "" && previous != channelID {
			if err := c.LeaveChannel(ctx, connID, previous); err != nil {
				return err
			}
		}

		presence = models.Presence{UserID: userID, Username: username, JoinedAt: c.now()}
		displaced = ""
		err = c.store.WithChannel(channelID, func(tx *ChannelTx) error {
			if err := tx.SetCurrentActive(connID); err != nil {
				return err
			}
			if err := tx.AddSubscribed(connID); err != nil {
				return err
			}
			tx.AddActive(connID)
			if owner, ok := tx.PresenceOwner(connID); ok && owner != userID {
				if released, cleared := tx.ReleasePresence(connID); cleared {
					displaced = released
				}
			}
			tx.SetPresence(connID, presence)
			return nil
		})
		if errors.Is(err, errActiveElsewhere) && attempt < maxJoinAttempts {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("join channel %s: %w", channelID, err)
	}

	if displaced != "" {
		c.broadcaster.Broadcast(ctx, channelID, UserLeftEvent(channelID, displaced), AudienceActive)
	}
	c.broadcaster.Broadcast(ctx, channelID, UserJoinedEvent(channelID, presence), AudienceActive)
	c.logger.Debug("channel joined", "connection_id", connID, "channel_id", channelID, "user_id", userID)
	c.recordMembership()
	return nil
}

// LeaveChannel stops the connection viewing channelID while keeping its
// subscription. Leaving a channel the connection is not viewing is a no-op.
func (c *PresenceController) LeaveChannel(ctx context.Context, connID, channelID string) error {
	if connID == "" || channelID == "" {
		return fmt.Errorf("%w: channelId is required", ErrMalformedOperation)
	}

	var departed string
	_ = c.store.WithChannel(channelID, func(tx *ChannelTx) error {
		if !tx.IsActive(connID) {
			tx.ClearCurrentActive(connID)
			return nil
		}
		departed = deactivate(tx, connID)
		return nil
	})

	if departed != "" {
		c.broadcaster.Broadcast(ctx, channelID, UserLeftEvent(channelID, departed), AudienceActive)
	}
	c.recordMembership()
	return nil
}

// UnsubscribeChannel removes the connection from channelID entirely. If it was
// viewing the channel, its presence is removed and userLeft is announced.
func (c *PresenceController) UnsubscribeChannel(ctx context.Context, connID, channelID string) error {
	if connID == "" || channelID == "" {
		return fmt.Errorf("%w: channelId is required", ErrMalformedOperation)
	}

	var departed string
	_ = c.store.WithChannel(channelID, func(tx *ChannelTx) error {
		if tx.IsActive(connID) || tx.IsCurrentActive(connID) {
			departed = deactivate(tx, connID)
		}
		tx.RemoveSubscribed(connID)
		return nil
	})

	if departed != "" {
		c.broadcaster.Broadcast(ctx, channelID, UserLeftEvent(channelID, departed), AudienceActive)
	}
	c.recordMembership()
	return nil
}

// HandleDisconnect removes every trace of a closed connection. The connection
// is deregistered before its channels are swept, so no concurrent join can
// re-attach it. Calling it again for the same connection is a no-op.
func (c *PresenceController) HandleDisconnect(ctx context.Context, connID string) {
	if connID == "" {
		return
	}
	sender, active, subscribed := c.store.CloseConnection(connID)
	if sender == nil && active == "" && len(subscribed) == 0 {
		return
	}

	if active != "" {
		_ = c.LeaveChannel(ctx, connID, active)
	}
	for _, channelID := range subscribed {
		_ = c.UnsubscribeChannel(ctx, connID, channelID)
	}

	if sender != nil {
		c.metrics.ConnectionClosed()
		if closer, ok := sender.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	c.logger.Debug("connection closed", "connection_id", connID, "channels", len(subscribed))
	c.recordMembership()
}

// ActivePresences returns the users currently viewing channelID.
func (c *PresenceController) ActivePresences(channelID string) []models.Presence {
	return c.store.ActivePresences(channelID)
}

func (c *PresenceController) recordMembership() {
	if c.metrics == nil {
		return
	}
	stats := c.store.Stats()
	c.metrics.SetMembership(stats.Channels, stats.ActiveConnections, stats.Subscriptions)
}

// deactivate removes connID from the channel's active set and returns the
// user whose presence was cleared, if any.
func deactivate(tx *ChannelTx, connID string) string {
	tx.RemoveActive(connID)
	tx.ClearCurrentActive(connID)
	userID, cleared := tx.ReleasePresence(connID)
	if !cleared {
		return ""
	}
	return userID
}
