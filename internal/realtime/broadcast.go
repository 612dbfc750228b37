package realtime

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/commune/internal/observability"
)

// Audience selects which members of a channel receive a broadcast.
type Audience int

const (
	// AudienceActive targets connections currently viewing the channel.
	AudienceActive Audience = iota
	// AudienceSubscribed targets every subscribed connection.
	AudienceSubscribed
)

func (a Audience) String() string {
	if a == AudienceSubscribed {
		return "subscribed"
	}
	return "active"
}

// Evictor disconnects a connection whose delivery failed.
type Evictor interface {
	HandleDisconnect(ctx context.Context, connID string)
}

// BroadcastResult reports the outcome of one fan-out.
type BroadcastResult struct {
	Delivered int
	Failed    []string
}

// Broadcaster fans events out to channel members.
type Broadcaster struct {
	store    *MembershipStore
	registry *Registry
	evictor  Evictor
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewBroadcaster creates a broadcaster over the store and registry.
func NewBroadcaster(store *MembershipStore, registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
		metrics:  metrics,
	}
}

// SetEvictor installs the component that disconnects failed recipients.
// Without one, failed recipients are only removed from the registry.
func (b *Broadcaster) SetEvictor(evictor Evictor) {
	b.evictor = evictor
}

// Broadcast delivers event to the channel's audience. The audience is
// snapshotted first and delivery runs without holding any membership lock.
// Every recipient whose delivery fails is evicted once, after the loop;
// recipients already gone from the registry are skipped.
func (b *Broadcaster) Broadcast(ctx context.Context, channelID string, event *ServerEvent, audience Audience) BroadcastResult {
	var result BroadcastResult
	for _, connID := range b.store.Audience(channelID, audience) {
		if err := b.registry.Send(connID, event); err != nil {
			b.logger.Warn("delivery failed",
				"connection_id", connID,
				"channel_id", channelID,
				"op", string(event.Op),
				"error", err,
			)
			result.Failed = append(result.Failed, connID)
			continue
		}
		result.Delivered++
	}
	b.metrics.RecordBroadcast(string(event.Op), audience.String(), result.Delivered, len(result.Failed))

	for _, connID := range result.Failed {
		// An earlier eviction's userLeft fan-out may already have evicted it.
		if !b.registry.Has(connID) {
			continue
		}
		if b.evictor == nil {
			if b.registry.Deregister(connID) {
				b.metrics.RecordEviction()
			}
			continue
		}
		b.metrics.RecordEviction()
		b.evictor.HandleDisconnect(ctx, connID)
	}
	return result
}
