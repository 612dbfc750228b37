package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/commune/pkg/models"
)

func newTestStore(t *testing.T, connIDs ...string) (*MembershipStore, *Registry) {
	t.Helper()
	registry := NewRegistry()
	for _, id := range connIDs {
		if err := registry.Register(id, &recordingSender{}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	return NewMembershipStore(registry), registry
}

func TestMembershipStore_AudienceIsSortedAndScoped(t *testing.T) {
	store, _ := newTestStore(t, "c3", "c1", "c2")

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		for _, id := range []string{"c3", "c1", "c2"} {
			if err := tx.AddSubscribed(id); err != nil {
				return err
			}
		}
		tx.AddActive("c3")
		tx.AddActive("c1")
		return nil
	})

	if got := store.Audience("ch", AudienceActive); !equalStrings(got, []string{"c1", "c3"}) {
		t.Errorf("Audience(active) = %v, want [c1 c3]", got)
	}
	if got := store.Audience("ch", AudienceSubscribed); !equalStrings(got, []string{"c1", "c2", "c3"}) {
		t.Errorf("Audience(subscribed) = %v, want [c1 c2 c3]", got)
	}
	if got := store.Audience("missing", AudienceSubscribed); len(got) != 0 {
		t.Errorf("Audience(missing) = %v, want empty", got)
	}
}

func TestMembershipStore_DropsEmptyChannels(t *testing.T) {
	store, _ := newTestStore(t, "c1")

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		if err := tx.AddSubscribed("c1"); err != nil {
			return err
		}
		tx.AddActive("c1")
		tx.SetPresence("c1", models.Presence{UserID: "u1"})
		return nil
	})
	if !store.HasChannel("ch") {
		t.Fatal("channel should exist after subscribe")
	}

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		tx.RemoveActive("c1")
		return nil
	})
	if got := store.ActivePresences("ch"); len(got) != 0 {
		t.Errorf("presence should be cleared with no active connections, got %v", got)
	}
	if !store.HasChannel("ch") {
		t.Fatal("channel with a subscriber should be kept")
	}

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		tx.RemoveSubscribed("c1")
		return nil
	})
	if store.HasChannel("ch") {
		t.Fatal("empty channel should be discarded")
	}
	if subs := store.SubscribedChannels("c1"); len(subs) != 0 {
		t.Errorf("SubscribedChannels() = %v, want none", subs)
	}
}

func TestMembershipStore_ReadOnlyCallsDoNotCreateChannels(t *testing.T) {
	store, _ := newTestStore(t)
	store.Audience("ghost", AudienceActive)
	store.ActivePresences("ghost")
	store.Snapshot("ghost")
	if store.HasChannel("ghost") {
		t.Fatal("read-only calls must not create channel state")
	}
}

func TestChannelTx_PresenceSharedByTwoConnections(t *testing.T) {
	store, _ := newTestStore(t, "c1", "c2")
	p := models.Presence{UserID: "u1", JoinedAt: time.Now()}

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		tx.AddActive("c1")
		tx.AddActive("c2")
		tx.SetPresence("c1", p)
		tx.SetPresence("c2", p)
		return nil
	})

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		userID, cleared := tx.ReleasePresence("c1")
		if userID != "u1" || cleared {
			t.Errorf("ReleasePresence(c1) = %q, %v; want u1, false", userID, cleared)
		}
		tx.RemoveActive("c1")
		return nil
	})
	if got := presenceUserIDs(store.ActivePresences("ch")); !equalStrings(got, []string{"u1"}) {
		t.Fatalf("presence after first release = %v, want [u1]", got)
	}

	_ = store.WithChannel("ch", func(tx *ChannelTx) error {
		userID, cleared := tx.ReleasePresence("c2")
		if userID != "u1" || !cleared {
			t.Errorf("ReleasePresence(c2) = %q, %v; want u1, true", userID, cleared)
		}
		return nil
	})
	if got := store.ActivePresences("ch"); len(got) != 0 {
		t.Fatalf("presence after last release = %v, want empty", got)
	}
}

func TestChannelTx_RejectsClosedConnection(t *testing.T) {
	store, registry := newTestStore(t, "c1")
	registry.Deregister("c1")

	err := store.WithChannel("ch", func(tx *ChannelTx) error {
		return tx.SetCurrentActive("c1")
	})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("SetCurrentActive() error = %v, want ErrConnectionClosed", err)
	}
	err = store.WithChannel("ch", func(tx *ChannelTx) error {
		return tx.AddSubscribed("c1")
	})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("AddSubscribed() error = %v, want ErrConnectionClosed", err)
	}
	if store.HasChannel("ch") {
		t.Fatal("failed transactions should leave no channel state")
	}
}

func TestMembershipStore_CloseConnection(t *testing.T) {
	store, registry := newTestStore(t, "c1")
	_ = store.WithChannel("a", func(tx *ChannelTx) error {
		if err := tx.SetCurrentActive("c1"); err != nil {
			return err
		}
		tx.AddActive("c1")
		return tx.AddSubscribed("c1")
	})
	_ = store.WithChannel("b", func(tx *ChannelTx) error {
		return tx.AddSubscribed("c1")
	})

	sender, active, subscribed := store.CloseConnection("c1")
	if sender == nil || active != "a" || !equalStrings(subscribed, []string{"a", "b"}) {
		t.Fatalf("CloseConnection() = %v, %q, %v", sender, active, subscribed)
	}
	if registry.Has("c1") {
		t.Fatal("connection should be removed from the registry")
	}

	sender, active, subscribed = store.CloseConnection("c1")
	if sender != nil || active != "" || len(subscribed) != 0 {
		t.Fatalf("second CloseConnection() = %v, %q, %v; want zero values", sender, active, subscribed)
	}
}

func TestMembershipStore_Stats(t *testing.T) {
	store, _ := newTestStore(t, "c1", "c2")
	_ = store.WithChannel("a", func(tx *ChannelTx) error {
		if err := tx.SetCurrentActive("c1"); err != nil {
			return err
		}
		tx.AddActive("c1")
		if err := tx.AddSubscribed("c1"); err != nil {
			return err
		}
		return tx.AddSubscribed("c2")
	})
	_ = store.WithChannel("b", func(tx *ChannelTx) error {
		return tx.AddSubscribed("c2")
	})

	want := MembershipStats{Channels: 2, ActiveConnections: 1, Subscriptions: 3}
	if got := store.Stats(); got != want {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
}
