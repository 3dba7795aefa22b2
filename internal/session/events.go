package session

import "time"

// Lifecycle event names.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
)

// StartProperties returns the properties of a session_start event.
func StartProperties(sessionID string) map[string]any {
	return map[string]any{
		"session_id": sessionID,
	}
}

// EndProperties returns the properties of a session_end event.
func EndProperties(sessionID string, duration time.Duration) map[string]any {
	return map[string]any{
		"session_id":  sessionID,
		"duration_ms": duration.Milliseconds(),
	}
}
