package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/SebastienMelki/tappick/internal/storage"
)

func openStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tappick.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetUser(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())
	ctx := context.Background()

	traits := map[string]any{"plan": "pro"}
	if err := m.SetUser(ctx, "user-1", traits, "alias-1"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	traits["plan"] = "free"

	u := m.User()
	if u == nil || u.UserID != "user-1" || u.Traits["plan"] != "pro" || len(u.Aliases) != 1 {
		t.Fatalf("User: got %+v", u)
	}

	u.Traits["plan"] = "mutated"
	if m.User().Traits["plan"] != "pro" {
		t.Error("User must return a copy")
	}
	if m.UserID() != "user-1" {
		t.Errorf("UserID: got %q", m.UserID())
	}
}

func TestSetUser_Empty(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())
	if err := m.SetUser(context.Background(), "", nil); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("got %v, want ErrEmptyUserID", err)
	}
	if m.User() != nil {
		t.Error("no identity expected")
	}
}

func TestReset(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	m.SetUser(ctx, "user-1", nil)
	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.User() != nil || m.UserID() != "" {
		t.Error("identity not cleared")
	}
	if _, err := store.Get(ctx, storage.KeyUserIdentity); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("persisted identity not removed: %v", err)
	}
}

func TestLoad_SurvivesRestart(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := NewManager(store).SetUser(ctx, "user-9", map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("SetUser: %v", err)
	}

	restored := NewManager(store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	u := restored.User()
	if u == nil || u.UserID != "user-9" || u.Traits["name"] != "Ada" {
		t.Errorf("restored: %+v", u)
	}
}

func TestLoad_Missing(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.User() != nil {
		t.Error("no identity expected")
	}
}
