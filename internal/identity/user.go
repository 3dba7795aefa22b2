// Package identity keeps the host-assigned user identity.
//
// The identity is persisted so it survives restarts. Reset clears it on logout
// while the device id stays intact.
package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/SebastienMelki/tappick/internal/storage"
)

// ErrEmptyUserID is returned by SetUser when no user id is given.
var ErrEmptyUserID = errors.New("identity: user id must not be empty")

// User is the current user's identification data.
type User struct {
	// UserID is the host application's user identifier.
	UserID string `json:"user_id"`

	// Traits are custom user properties (name, plan, ...).
	Traits map[string]any `json:"traits,omitempty"`

	// Aliases are alternative identifiers for identity resolution.
	Aliases []string `json:"aliases,omitempty"`
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	return &User{
		UserID:  u.UserID,
		Traits:  maps.Clone(u.Traits),
		Aliases: slices.Clone(u.Aliases),
	}
}

// Manager holds the current user identity. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	current *User
	store   storage.Store
}

// NewManager creates a Manager backed by store. Call Load to restore a
// persisted identity.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// SetUser replaces the current identity and persists it.
func (m *Manager) SetUser(ctx context.Context, userID string, traits map[string]any, aliases ...string) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	u := &User{
		UserID:  userID,
		Traits:  maps.Clone(traits),
		Aliases: slices.Clone(aliases),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storage.KeyUserIdentity, u); err != nil {
		return fmt.Errorf("persist user identity: %w", err)
	}
	m.current = u
	return nil
}

// User returns a copy of the current identity, or nil when none is set.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// UserID returns the current user id, or "".
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.UserID
}

// Reset clears the identity in memory and in storage.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	if err := m.store.Remove(ctx, storage.KeyUserIdentity); err != nil {
		return fmt.Errorf("delete user identity: %w", err)
	}
	return nil
}

// Load restores a persisted identity. A missing identity is not an error.
func (m *Manager) Load(ctx context.Context) error {
	var u User
	err := storage.GetJSON(ctx, m.store, storage.KeyUserIdentity, &u)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user identity: %w", err)
	}

	m.mu.Lock()
	m.current = &u
	m.mu.Unlock()
	return nil
}
