package fingerprint

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SebastienMelki/tappick/internal/storage"
)

// IDManager handles stable device ID generation and persistence.
// The device ID is generated on first launch, persisted to the store,
// and cached in memory for fast access.
//
// IDManager is safe for concurrent use by multiple goroutines.
type IDManager struct {
	store    storage.Store
	logger   *slog.Logger
	deviceID string
	mu       sync.RWMutex
}

// NewIDManager creates a new IDManager backed by the given store.
func NewIDManager(store storage.Store, logger *slog.Logger) *IDManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &IDManager{
		store:  store,
		logger: logger.With("component", "device-id"),
	}
}

// GetOrCreateDeviceID returns the device ID, creating and persisting one if
// it does not exist. The ID is cached in memory after the first call.
//
// The generated ID is a standard UUID v4 string.
func (m *IDManager) GetOrCreateDeviceID(ctx context.Context) string {
	m.mu.RLock()
	if m.deviceID != "" {
		id := m.deviceID
		m.mu.RUnlock()
		return id
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.deviceID != "" {
		return m.deviceID
	}

	data, err := m.store.Get(ctx, storage.KeyDeviceID)
	if err == nil && len(data) > 0 {
		m.deviceID = string(data)
		return m.deviceID
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to load device id, generating a new one", "error", err)
	}

	m.deviceID = uuid.New().String()
	if err := m.store.Set(ctx, storage.KeyDeviceID, []byte(m.deviceID)); err != nil {
		// The ID still works in memory for this process.
		m.logger.Warn("failed to persist device id", "error", err)
	}

	return m.deviceID
}

// RegenerateDeviceID creates a new device ID, persists it, and returns it.
// This is used for a full privacy reset.
func (m *IDManager) RegenerateDeviceID(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deviceID = uuid.New().String()
	if err := m.store.Set(ctx, storage.KeyDeviceID, []byte(m.deviceID)); err != nil {
		m.logger.Warn("failed to persist regenerated device id", "error", err)
	}

	return m.deviceID
}
