package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/commune/pkg/models"
)

// NewMemoryStores returns a StoreSet backed by process memory.
func NewMemoryStores() StoreSet {
	users := NewMemoryUserStore()
	return StoreSet{
		Communities: NewMemoryCommunityStore(),
		Channels:    NewMemoryChannelStore(),
		Messages:    NewMemoryMessageStore(users),
		Users:       users,
	}
}

// MemoryCommunityStore provides an in-memory CommunityStore.
type MemoryCommunityStore struct {
	mu          sync.RWMutex
	communities map[string]*models.Community
}

// NewMemoryCommunityStore creates an in-memory community store.
func NewMemoryCommunityStore() *MemoryCommunityStore {
	return &MemoryCommunityStore{communities: make(map[string]*models.Community)}
}

func (s *MemoryCommunityStore) Create(ctx context.Context, community *models.Community) error {
	if community == nil || strings.TrimSpace(community.Name) == "" {
		return fmt.Errorf("community name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if community.ID == "" {
		community.ID = uuid.NewString()
	}
	if _, exists := s.communities[community.ID]; exists {
		return ErrAlreadyExists
	}
	if community.EntityID != "" {
		for _, existing := range s.communities {
			if existing.Type == community.Type && existing.EntityID == community.EntityID {
				return ErrAlreadyExists
			}
		}
	}
	stampCreated(&community.CreatedAt, &community.UpdatedAt)
	clone := *community
	s.communities[community.ID] = &clone
	return nil
}

func (s *MemoryCommunityStore) Get(ctx context.Context, id string) (*models.Community, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	community, ok := s.communities[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *community
	return &clone, nil
}

func (s *MemoryCommunityStore) ListPublic(ctx context.Context, limit, offset int) ([]*models.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Community, 0, len(s.communities))
	for _, community := range s.communities {
		if !community.IsPublic {
			continue
		}
		clone := *community
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, limit, offset), nil
}

// MemoryChannelStore provides an in-memory ChannelStore.
type MemoryChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*models.Channel
}

// NewMemoryChannelStore creates an in-memory channel store.
func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{channels: make(map[string]*models.Channel)}
}

func (s *MemoryChannelStore) Create(ctx context.Context, channel *models.Channel) error {
	if channel == nil || channel.CommunityID == "" || strings.TrimSpace(channel.Name) == "" {
		return fmt.Errorf("channel community and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(channel)
}

func (s *MemoryChannelStore) createLocked(channel *models.Channel) error {
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	if _, exists := s.channels[channel.ID]; exists {
		return ErrAlreadyExists
	}
	if channel.Type == "" {
		channel.Type = models.ChannelKindChat
	}
	stampCreated(&channel.CreatedAt, &channel.UpdatedAt)
	clone := *channel
	s.channels[channel.ID] = &clone
	return nil
}

func (s *MemoryChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *channel
	return &clone, nil
}

func (s *MemoryChannelStore) ListByCommunity(ctx context.Context, communityID string) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(communityID), nil
}

func (s *MemoryChannelStore) listLocked(communityID string) []*models.Channel {
	out := make([]*models.Channel, 0)
	for _, channel := range s.channels {
		if channel.CommunityID != communityID {
			continue
		}
		clone := *channel
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Position < out[j].Position
	})
	return out
}

func (s *MemoryChannelStore) GetOrCreateDefault(ctx context.Context, communityID string) (*models.Channel, error) {
	if communityID == "" {
		return nil, fmt.Errorf("community id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.listLocked(communityID); len(existing) > 0 {
		return existing[0], nil
	}
	channel := &models.Channel{
		CommunityID: communityID,
		Name:        models.DefaultChannelName,
		Type:        models.ChannelKindChat,
		Position:    0,
	}
	if err := s.createLocked(channel); err != nil {
		return nil, err
	}
	clone := *channel
	return &clone, nil
}

// MemoryMessageStore provides an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	users    UserStore
}

// NewMemoryMessageStore creates an in-memory message store. Authors are
// resolved through users when listing; users may be nil.
func NewMemoryMessageStore(users UserStore) *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]*models.Message),
		users:    users,
	}
}

func (s *MemoryMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ChannelID == "" || msg.UserID == "" {
		return fmt.Errorf("message channel and user are required")
	}
	msg.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.messages[msg.ID]; exists {
		return ErrAlreadyExists
	}
	stampCreated(&msg.CreatedAt, &msg.UpdatedAt)
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryMessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	msg, ok := s.messages[id]
	if ok {
		msg = cloneMessage(msg)
	}
	s.mu.RUnlock()
	if !ok || msg.IsDeleted {
		return nil, ErrNotFound
	}
	s.attachAuthor(ctx, msg)
	return msg, nil
}

func (s *MemoryMessageStore) List(ctx context.Context, channelID string, limit, offset int) ([]*models.Message, error) {
	s.mu.RLock()
	out := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.ChannelID != channelID || msg.IsDeleted {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	out = paginate(out, limit, offset)
	for _, msg := range out {
		s.attachAuthor(ctx, msg)
	}
	return out, nil
}

func (s *MemoryMessageStore) Edit(ctx context.Context, id, userID, content string) (*models.Message, error) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok || msg.IsDeleted || msg.UserID != userID {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	msg.Content = content
	msg.IsEdited = true
	msg.UpdatedAt = time.Now().UTC()
	out := cloneMessage(msg)
	s.mu.Unlock()

	s.attachAuthor(ctx, out)
	return out, nil
}

func (s *MemoryMessageStore) Delete(ctx context.Context, id, userID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.IsDeleted || msg.UserID != userID {
		return nil, ErrNotFound
	}
	msg.IsDeleted = true
	msg.UpdatedAt = time.Now().UTC()
	return cloneMessage(msg), nil
}

func (s *MemoryMessageStore) attachAuthor(ctx context.Context, msg *models.Message) {
	if s.users == nil {
		return
	}
	user, err := s.users.Get(ctx, msg.UserID)
	if err != nil {
		return
	}
	msg.User = user.Profile()
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	if msg.Mentions != nil {
		clone.Mentions = append([]string{}, msg.Mentions...)
	}
	if msg.User != nil {
		profile := *msg.User
		clone.User = &profile
	}
	return &clone
}

// MemoryUserStore provides an in-memory UserStore.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserStore creates an in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

func (s *MemoryUserStore) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Username != "" {
		for id, existing := range s.users {
			if id != user.ID && strings.EqualFold(existing.Username, user.Username) {
				return nil, ErrAlreadyExists
			}
		}
	}
	now := time.Now().UTC()
	clone := *user
	if existing, ok := s.users[user.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.users[user.ID] = &clone
	out := clone
	return &out, nil
}

func (s *MemoryUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func stampCreated(createdAt, updatedAt *time.Time) {
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}
