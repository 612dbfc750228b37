package models

import "time"

// DefaultChannelName is the channel every community gets on first access.
const DefaultChannelName = "general"

// ChannelKind identifies the behavior of a community channel.
type ChannelKind string

const (
	ChannelKindChat         ChannelKind = "chat"
	ChannelKindAnnouncement ChannelKind = "announcement"
)

// Community groups channels around a project or organization.
type Community struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary,omitempty"`
	Image     string    `json:"image,omitempty"`
	Type      string    `json:"type"`
	EntityID  string    `json:"entityId"`
	IsPublic  bool      `json:"isPublic"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Channel is a named conversation space inside a community.
type Channel struct {
	ID          string      `json:"id"`
	CommunityID string      `json:"communityId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        ChannelKind `json:"type"`
	Position    int         `json:"position"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
