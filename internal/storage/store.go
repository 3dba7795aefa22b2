// Package storage provides the byte-oriented key/value persistence used by the
// SDK, plus a capped JSON list built on top of it for the failed-event queue.
//
// Three backends implement Store: SQLite (the default on device, pure Go via
// modernc.org/sqlite), Redis (hosts that share state across processes), and an
// in-memory map used by tests and by hosts that opt out of persistence.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("storage: key not found")

// Keys persisted by the SDK.
const (
	KeyDeviceFingerprint = "device_fingerprint"
	KeyDeviceID          = "device_id"
	KeySessionID         = "session_id"
	KeyUserIdentity      = "user_identity"
	KeyAttribution       = "attribution"
	KeyInstallUTM        = "install_utm"
	KeyFailedEvents      = "failed_events"
	KeyFirstLaunch       = "first_launch"
	KeyInstallTimestamp  = "install_timestamp"
	KeyLastEventSync     = "last_event_sync"
)

// Store is a byte-oriented key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// GetJSON loads key and decodes it into v. It returns ErrNotFound unchanged so
// callers can distinguish a missing value from a corrupt one.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
