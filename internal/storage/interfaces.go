package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/commune/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// CommunityStore persists communities.
type CommunityStore interface {
	Create(ctx context.Context, community *models.Community) error
	Get(ctx context.Context, id string) (*models.Community, error)
	ListPublic(ctx context.Context, limit, offset int) ([]*models.Community, error)
}

// ChannelStore persists community channels.
type ChannelStore interface {
	Create(ctx context.Context, channel *models.Channel) error
	Get(ctx context.Context, id string) (*models.Channel, error)
	ListByCommunity(ctx context.Context, communityID string) ([]*models.Channel, error)
	// GetOrCreateDefault returns the community's first channel, creating
	// "general" at position 0 when the community has none.
	GetOrCreateDefault(ctx context.Context, communityID string) (*models.Channel, error)
}

// MessageStore persists channel messages.
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	// List returns non-deleted messages newest first with the author joined in.
	List(ctx context.Context, channelID string, limit, offset int) ([]*models.Message, error)
	// Edit replaces the content of a message owned by userID.
	Edit(ctx context.Context, id, userID, content string) (*models.Message, error)
	// Delete soft-deletes a message owned by userID.
	Delete(ctx context.Context, id, userID string) (*models.Message, error)
}

// UserStore persists user accounts.
type UserStore interface {
	Upsert(ctx context.Context, user *models.User) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Communities CommunityStore
	Channels    ChannelStore
	Messages    MessageStore
	Users       UserStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
