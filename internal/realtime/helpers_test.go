package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/haasonsaas/commune/internal/storage"
	"github.com/haasonsaas/commune/pkg/models"
)

var errSendFailed = errors.New("send failed")

// recordingSender captures every event delivered to one connection.
type recordingSender struct {
	mu     sync.Mutex
	events []*ServerEvent
	fail   bool
	sends  int
	closed int
}

func (r *recordingSender) Send(event *ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
	if r.fail {
		return errSendFailed
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingSender) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recordingSender) ops() []OpCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OpCode, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Op)
	}
	return out
}

func (r *recordingSender) eventsOf(op OpCode) []*ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ServerEvent
	for _, ev := range r.events {
		if ev.Op == op {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recordingSender) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

func (r *recordingSender) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHub struct {
	*Hub
	stores  storage.StoreSet
	channel *models.Channel
}

// newTestHub returns a hub backed by memory stores with one channel and the
// users alice and bob.
func newTestHub(t *testing.T) *testHub {
	t.Helper()
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	channel := &models.Channel{CommunityID: "community-1", Name: "general"}
	if err := stores.Channels.Create(ctx, channel); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	for _, u := range []*models.User{
		{ID: "alice", Name: "Alice", Username: "alice"},
		{ID: "bob", Name: "Bob", Username: "bob"},
	} {
		if _, err := stores.Users.Upsert(ctx, u); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}

	hub := NewHub(HubConfig{
		Channels: stores.Channels,
		Users:    stores.Users,
		Messages: stores.Messages,
		Logger:   discardLogger(),
	})
	return &testHub{Hub: hub, stores: stores, channel: channel}
}

func (h *testHub) open(t *testing.T) (string, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	connID, err := h.OnOpen(sender)
	if err != nil {
		t.Fatalf("OnOpen() error = %v", err)
	}
	return connID, sender
}

func (h *testHub) join(t *testing.T, connID, channelID, userID string) {
	t.Helper()
	op := ClientOperation{Op: OpJoinChannel, Data: OperationData{ChannelID: channelID, UserID: userID, Username: userID}}
	if err := h.OnMessage(context.Background(), connID, op); err != nil {
		t.Fatalf("join %s as %s: %v", channelID, userID, err)
	}
}

func (h *testHub) leave(t *testing.T, connID, channelID string) {
	t.Helper()
	op := ClientOperation{Op: OpLeaveChannel, Data: OperationData{ChannelID: channelID}}
	if err := h.OnMessage(context.Background(), connID, op); err != nil {
		t.Fatalf("leave %s: %v", channelID, err)
	}
}

func (h *testHub) unsubscribe(t *testing.T, connID, channelID string) {
	t.Helper()
	op := ClientOperation{Op: OpUnsubscribeChannel, Data: OperationData{ChannelID: channelID}}
	if err := h.OnMessage(context.Background(), connID, op); err != nil {
		t.Fatalf("unsubscribe %s: %v", channelID, err)
	}
}

func presenceUserIDs(ps []models.Presence) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.UserID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
