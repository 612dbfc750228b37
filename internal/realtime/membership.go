package realtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/haasonsaas/commune/pkg/models"
)

var (
	// ErrConnectionClosed is returned when an operation targets a connection
	// that has already been disconnected.
	ErrConnectionClosed = errors.New("connection closed")

	errActiveElsewhere = errors.New("connection is active in another channel")
)

// ConnectionSet is the part of the registry the membership store coordinates
// with when a connection closes.
type ConnectionSet interface {
	Has(connID string) bool
	Remove(connID string) (Sender, bool)
}

type connSet map[string]struct{}

type channelState struct {
	mu         sync.Mutex
	removed    bool
	active     connSet
	subscribed connSet
	presence   map[string]models.Presence // by user id
	owners     map[string]string          // connection id -> user id
}

func newChannelState() *channelState {
	return &channelState{
		active:     make(connSet),
		subscribed: make(connSet),
		presence:   make(map[string]models.Presence),
		owners:     make(map[string]string),
	}
}

// MembershipStore tracks, per channel, the connections viewing it (active),
// the connections receiving its messages (subscribed), and the users present.
// It also indexes each connection's current active channel and subscriptions.
//
// Each channel has its own lock. A channel lock may be held while taking the
// store or index locks, never the other way around.
type MembershipStore struct {
	conns ConnectionSet

	mu       sync.Mutex
	channels map[string]*channelState

	connMu       sync.Mutex
	activeByConn map[string]string
	subsByConn   map[string]connSet
}

// NewMembershipStore creates an empty store coordinating with conns.
func NewMembershipStore(conns ConnectionSet) *MembershipStore {
	return &MembershipStore{
		conns:        conns,
		channels:     make(map[string]*channelState),
		activeByConn: make(map[string]string),
		subsByConn:   make(map[string]connSet),
	}
}

// WithChannel runs fn with exclusive access to the channel's membership.
// Channels left with no active or subscribed connections are discarded when
// fn returns, and a channel with no active connections keeps no presence.
// The tx must not be used after fn returns.
func (s *MembershipStore) WithChannel(channelID string, fn func(tx *ChannelTx) error) error {
	st := s.lockChannel(channelID)
	defer s.unlockChannel(channelID, st)
	return fn(&ChannelTx{store: s, channelID: channelID, st: st})
}

func (s *MembershipStore) lockChannel(channelID string) *channelState {
	for {
		s.mu.Lock()
		st, ok := s.channels[channelID]
		if !ok {
			st = newChannelState()
			s.channels[channelID] = st
		}
		s.mu.Unlock()

		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

func (s *MembershipStore) unlockChannel(channelID string, st *channelState) {
	if len(st.active) == 0 {
		clear(st.presence)
		clear(st.owners)
	}
	if len(st.active) == 0 && len(st.subscribed) == 0 {
		st.removed = true
		s.mu.Lock()
		if s.channels[channelID] == st {
			delete(s.channels, channelID)
		}
		s.mu.Unlock()
	}
	st.mu.Unlock()
}

// readChannel runs fn under the channel lock if the channel exists.
func (s *MembershipStore) readChannel(channelID string, fn func(st *channelState)) {
	for {
		s.mu.Lock()
		st := s.channels[channelID]
		s.mu.Unlock()
		if st == nil {
			return
		}
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}
		fn(st)
		st.mu.Unlock()
		return
	}
}

// Audience returns the sorted connection ids that should receive a channel
// broadcast for the given audience.
func (s *MembershipStore) Audience(channelID string, audience Audience) []string {
	var out []string
	s.readChannel(channelID, func(st *channelState) {
		out = make([]string, 0, len(st.subscribed)+len(st.active))
		for connID := range st.active {
			out = append(out, connID)
		}
		if audience != AudienceSubscribed {
			return
		}
		for connID := range st.subscribed {
			if _, dup := st.active[connID]; !dup {
				out = append(out, connID)
			}
		}
	})
	sort.Strings(out)
	return out
}

// ActivePresences returns the users currently viewing the channel, ordered by
// join time.
func (s *MembershipStore) ActivePresences(channelID string) []models.Presence {
	out := []models.Presence{}
	s.readChannel(channelID, func(st *channelState) {
		for _, p := range st.presence {
			out = append(out, p)
		}
	})
	sortPresences(out)
	return out
}

// ChannelSnapshot is a point-in-time copy of one channel's membership.
type ChannelSnapshot struct {
	Active     []string
	Subscribed []string
	Presences  []models.Presence
}

// Snapshot copies the channel's membership. Unknown channels yield an empty snapshot.
func (s *MembershipStore) Snapshot(channelID string) ChannelSnapshot {
	snap := ChannelSnapshot{Presences: []models.Presence{}}
	s.readChannel(channelID, func(st *channelState) {
		snap.Active = setKeys(st.active)
		snap.Subscribed = setKeys(st.subscribed)
		for _, p := range st.presence {
			snap.Presences = append(snap.Presences, p)
		}
	})
	sortPresences(snap.Presences)
	return snap
}

// HasChannel reports whether the store holds any membership for the channel.
func (s *MembershipStore) HasChannel(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channelID]
	return ok
}

// CurrentActiveChannel returns the channel connID is viewing, or "".
func (s *MembershipStore) CurrentActiveChannel(connID string) string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.activeByConn[connID]
}

// SubscribedChannels returns the sorted channels connID is subscribed to.
func (s *MembershipStore) SubscribedChannels(connID string) []string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return setKeys(s.subsByConn[connID])
}

// MembershipStats summarizes the store's size.
type MembershipStats struct {
	Channels          int
	ActiveConnections int
	Subscriptions     int
}

// Stats returns the current membership sizes.
func (s *MembershipStore) Stats() MembershipStats {
	var stats MembershipStats
	s.mu.Lock()
	stats.Channels = len(s.channels)
	s.mu.Unlock()

	s.connMu.Lock()
	stats.ActiveConnections = len(s.activeByConn)
	for _, subs := range s.subsByConn {
		stats.Subscriptions += len(subs)
	}
	s.connMu.Unlock()
	return stats
}

// CloseConnection removes connID from the connection set and detaches its
// index entries in one step, so no later transaction can attach it again.
// It returns the sender that was removed (nil if the connection was already
// closed) along with the channels the connection still belongs to.
func (s *MembershipStore) CloseConnection(connID string) (sender Sender, active string, subscribed []string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	sender, _ = s.conns.Remove(connID)
	active = s.activeByConn[connID]
	delete(s.activeByConn, connID)
	subscribed = setKeys(s.subsByConn[connID])
	delete(s.subsByConn, connID)
	return sender, active, subscribed
}

// ChannelTx exposes membership primitives for a single locked channel.
type ChannelTx struct {
	store     *MembershipStore
	channelID string
	st        *channelState
}

func (tx *ChannelTx) ChannelID() string {
	return tx.channelID
}

func (tx *ChannelTx) IsActive(connID string) bool {
	_, ok := tx.st.active[connID]
	return ok
}

func (tx *ChannelTx) IsSubscribed(connID string) bool {
	_, ok := tx.st.subscribed[connID]
	return ok
}

func (tx *ChannelTx) ActiveCount() int {
	return len(tx.st.active)
}

// IsCurrentActive reports whether this channel is connID's current active channel.
func (tx *ChannelTx) IsCurrentActive(connID string) bool {
	s := tx.store
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.activeByConn[connID] == tx.channelID
}

// SetCurrentActive points connID's current active channel at this channel.
func (tx *ChannelTx) SetCurrentActive(connID string) error {
	s := tx.store
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.conns.Has(connID) {
		return ErrConnectionClosed
	}
	if current, ok := s.activeByConn[connID]; ok && current != tx.channelID {
		return errActiveElsewhere
	}
	s.activeByConn[connID] = tx.channelID
	return nil
}

// ClearCurrentActive clears connID's pointer if it references this channel.
func (tx *ChannelTx) ClearCurrentActive(connID string) {
	s := tx.store
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.activeByConn[connID] == tx.channelID {
		delete(s.activeByConn, connID)
	}
}

func (tx *ChannelTx) AddActive(connID string) {
	tx.st.active[connID] = struct{}{}
}

func (tx *ChannelTx) RemoveActive(connID string) bool {
	if _, ok := tx.st.active[connID]; !ok {
		return false
	}
	delete(tx.st.active, connID)
	return true
}

// AddSubscribed subscribes connID to the channel.
func (tx *ChannelTx) AddSubscribed(connID string) error {
	s := tx.store
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.conns.Has(connID) {
		return ErrConnectionClosed
	}
	tx.st.subscribed[connID] = struct{}{}
	subs := s.subsByConn[connID]
	if subs == nil {
		subs = make(connSet)
		s.subsByConn[connID] = subs
	}
	subs[tx.channelID] = struct{}{}
	return nil
}

func (tx *ChannelTx) RemoveSubscribed(connID string) bool {
	if _, ok := tx.st.subscribed[connID]; !ok {
		return false
	}
	delete(tx.st.subscribed, connID)

	s := tx.store
	s.connMu.Lock()
	if subs := s.subsByConn[connID]; subs != nil {
		delete(subs, tx.channelID)
		if len(subs) == 0 {
			delete(s.subsByConn, connID)
		}
	}
	s.connMu.Unlock()
	return true
}

// SetPresence records p as present on behalf of connID.
func (tx *ChannelTx) SetPresence(connID string, p models.Presence) {
	tx.st.owners[connID] = p.UserID
	tx.st.presence[p.UserID] = p
}

// PresenceOwner returns the user connID holds presence for.
func (tx *ChannelTx) PresenceOwner(connID string) (string, bool) {
	userID, ok := tx.st.owners[connID]
	return userID, ok
}

// ReleasePresence drops connID's claim on its user's presence. The presence
// record is removed only when no other connection still holds it.
func (tx *ChannelTx) ReleasePresence(connID string) (userID string, cleared bool) {
	userID, ok := tx.st.owners[connID]
	if !ok {
		return "", false
	}
	delete(tx.st.owners, connID)
	for _, other := range tx.st.owners {
		if other == userID {
			return userID, false
		}
	}
	delete(tx.st.presence, userID)
	return userID, true
}

func setKeys(set connSet) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sortPresences(ps []models.Presence) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}
