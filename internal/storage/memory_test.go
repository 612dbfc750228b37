package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/commune/pkg/models"
)

func TestMemoryCommunityStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCommunityStore()

	public := &models.Community{Name: "Go", Type: "project", EntityID: "p1", IsPublic: true}
	if err := store.Create(ctx, public); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if public.ID == "" {
		t.Fatal("Create() should assign an id")
	}
	private := &models.Community{Name: "Secret", Type: "project", EntityID: "p2"}
	if err := store.Create(ctx, private); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := &models.Community{Name: "Go again", Type: "project", EntityID: "p1"}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create() duplicate entity error = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(ctx, public.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Go" {
		t.Errorf("Get() name = %q, want %q", got.Name, "Go")
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}

	list, err := store.ListPublic(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListPublic() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != public.ID {
		t.Errorf("ListPublic() = %v, want only the public community", list)
	}
}

func TestMemoryChannelStore_GetOrCreateDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChannelStore()

	first, err := store.GetOrCreateDefault(ctx, "community-1")
	if err != nil {
		t.Fatalf("GetOrCreateDefault() error = %v", err)
	}
	if first.Name != models.DefaultChannelName || first.Position != 0 {
		t.Errorf("default channel = %+v, want general at position 0", first)
	}

	again, err := store.GetOrCreateDefault(ctx, "community-1")
	if err != nil {
		t.Fatalf("GetOrCreateDefault() error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("GetOrCreateDefault() created a second channel: %s != %s", again.ID, first.ID)
	}

	if _, err := store.GetOrCreateDefault(ctx, ""); err == nil {
		t.Error("GetOrCreateDefault() with empty community should fail")
	}
}

func TestMemoryChannelStore_ListByCommunity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChannelStore()

	for _, ch := range []*models.Channel{
		{CommunityID: "c1", Name: "random", Position: 2},
		{CommunityID: "c1", Name: "general", Position: 0},
		{CommunityID: "c1", Name: "dev", Position: 1},
		{CommunityID: "c2", Name: "other", Position: 0},
	} {
		if err := store.Create(ctx, ch); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	list, err := store.ListByCommunity(ctx, "c1")
	if err != nil {
		t.Fatalf("ListByCommunity() error = %v", err)
	}
	want := []string{"general", "dev", "random"}
	if len(list) != len(want) {
		t.Fatalf("ListByCommunity() len = %d, want %d", len(list), len(want))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("list[%d] = %q, want %q", i, list[i].Name, name)
		}
		if list[i].Type != models.ChannelKindChat {
			t.Errorf("list[%d].Type = %q, want chat", i, list[i].Type)
		}
	}
}

func TestMemoryMessageStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	if _, err := stores.Users.Upsert(ctx, &models.User{ID: "u1", Name: "Ada", Username: "ada"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		msg := &models.Message{ChannelID: "ch", UserID: "u1", Content: content, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := stores.Messages.Create(ctx, msg); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if msg.ContentType != models.ContentText {
			t.Errorf("Create() content type = %q, want text", msg.ContentType)
		}
	}

	list, err := stores.Messages.List(ctx, "ch", 2, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Content != "three" || list[1].Content != "two" {
		t.Fatalf("List() = %v, want newest first", contents(list))
	}
	if list[0].User == nil || list[0].User.Username != "ada" {
		t.Errorf("List() author = %+v, want ada", list[0].User)
	}

	edited, err := stores.Messages.Edit(ctx, list[0].ID, "u1", "THREE")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if !edited.IsEdited || edited.Content != "THREE" {
		t.Errorf("Edit() = %+v, want edited content", edited)
	}
	if _, err := stores.Messages.Edit(ctx, list[0].ID, "intruder", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Edit() by non-author error = %v, want ErrNotFound", err)
	}

	if _, err := stores.Messages.Delete(ctx, list[1].ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() by non-author error = %v, want ErrNotFound", err)
	}
	deleted, err := stores.Messages.Delete(ctx, list[1].ID, "u1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !deleted.IsDeleted {
		t.Error("Delete() should mark the message deleted")
	}
	if _, err := stores.Messages.Get(ctx, list[1].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() deleted error = %v, want ErrNotFound", err)
	}

	remaining, err := stores.Messages.List(ctx, "ch", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := contents(remaining); len(got) != 2 || got[0] != "THREE" || got[1] != "one" {
		t.Errorf("List() after delete = %v", got)
	}
}

func TestMemoryUserStore_Upsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryUserStore()

	created, err := store.Upsert(ctx, &models.User{ID: "u1", Name: "Ada", Username: "ada"})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	updated, err := store.Upsert(ctx, &models.User{ID: "u1", Name: "Ada L", Username: "ada"})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if updated.Name != "Ada L" {
		t.Errorf("Upsert() name = %q, want updated", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("Upsert() should preserve CreatedAt")
	}

	if _, err := store.Upsert(ctx, &models.User{ID: "u2", Name: "Other", Username: "ADA"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Upsert() duplicate username error = %v, want ErrAlreadyExists", err)
	}
	if _, err := store.Upsert(ctx, &models.User{}); err == nil {
		t.Error("Upsert() without id should fail")
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		name          string
		limit, offset int
		want          int
	}{
		{"no limit", 0, 0, 5},
		{"first page", 2, 0, 2},
		{"last page", 2, 4, 1},
		{"past end", 2, 10, 0},
		{"negative offset", 3, -1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paginate(items, tt.limit, tt.offset); len(got) != tt.want {
				t.Errorf("paginate() len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Content)
	}
	return out
}
