package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SebastienMelki/tappick/internal/utm"
)

// ReferrerMatch is the deterministic match answer for a referrer token.
type ReferrerMatch struct {
	Success        bool            `json:"success"`
	LinkID         string          `json:"linkId"`
	ShortCode      string          `json:"shortCode"`
	DeepLinkURL    string          `json:"deepLinkUrl"`
	DeepLinkData   json.RawMessage `json:"deepLinkData,omitempty"`
	Platform       string          `json:"platform"`
	AlreadyClaimed bool            `json:"alreadyClaimed,omitempty"`
	ClaimedAt      string          `json:"claimedAt,omitempty"`
	UTM            *utm.Params     `json:"utm,omitempty"`
}

// DeepLink returns the destination URI, preferring deepLinkUrl. deepLinkData
// may carry the URI either as a bare string or as an object with a url field.
func (m *ReferrerMatch) DeepLink() string {
	if m.DeepLinkURL != "" {
		return m.DeepLinkURL
	}
	if len(m.DeepLinkData) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.DeepLinkData, &s); err == nil {
		return s
	}

	var obj struct {
		URL         string `json:"url"`
		DeepLinkURL string `json:"deepLinkUrl"`
	}
	if err := json.Unmarshal(m.DeepLinkData, &obj); err == nil {
		if obj.DeepLinkURL != "" {
			return obj.DeepLinkURL
		}
		return obj.URL
	}
	return ""
}

// ClaimedTime parses ClaimedAt. The zero time is returned if it is absent or
// not RFC 3339.
func (m *ReferrerMatch) ClaimedTime() time.Time {
	t, err := time.Parse(time.RFC3339, m.ClaimedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FingerprintMatch is the probabilistic match answer, normalized from either
// the wrapped or the flat response shape.
type FingerprintMatch struct {
	Found          bool            `json:"found"`
	Confidence     string          `json:"confidence"`
	Score          float64         `json:"score"`
	DeepLinkURL    string          `json:"deepLinkUrl"`
	LinkID         string          `json:"linkId"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	WebFingerprint json.RawMessage `json:"webFingerprint,omitempty"`
	UTM            *utm.Params     `json:"utm,omitempty"`
}

type fingerprintMatchWire struct {
	Success *bool             `json:"success"`
	Match   *FingerprintMatch `json:"match"`
	FingerprintMatch
}

// DecodeFingerprintMatch decodes a probabilistic match body. The wrapped shape
// ({success, match:{...}}) takes precedence; a body without a match object is
// read as the flat shape ({found, confidence, ...}). A wrapped body with
// success=false decodes as not found.
func DecodeFingerprintMatch(data []byte) (FingerprintMatch, error) {
	var wire fingerprintMatchWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return FingerprintMatch{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if wire.Match != nil {
		if wire.Success != nil && !*wire.Success {
			return FingerprintMatch{}, nil
		}
		return *wire.Match, nil
	}

	m := wire.FingerprintMatch
	if wire.Success != nil && !*wire.Success {
		m.Found = false
	}
	return m, nil
}

// InstallRequest reports an install, with the attribution outcome when there
// was an actionable match.
type InstallRequest struct {
	Fingerprint     string      `json:"fingerprint"`
	DeviceID        string      `json:"deviceId"`
	Platform        string      `json:"platform"`
	AppVersion      string      `json:"appVersion,omitempty"`
	DeferredLinkID  string      `json:"deferredLinkId,omitempty"`
	MatchMethod     string      `json:"matchMethod,omitempty"`
	MatchConfidence string      `json:"matchConfidence,omitempty"`
	MatchScore      *float64    `json:"matchScore,omitempty"`
	UTM             *utm.Params `json:"utm,omitempty"`
}

// Event is one analytics event on the wire.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"sessionId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	LinkID      string         `json:"linkId,omitempty"`
}

// EventBatch is the body of an event batch send.
type EventBatch struct {
	Events      []Event `json:"events"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	SessionID   string  `json:"sessionId,omitempty"`
}

// ShortLink is the resolution of a short code.
type ShortLink struct {
	Success     bool        `json:"success"`
	Route       string      `json:"route"`
	Destination string      `json:"destination"`
	UTM         *utm.Params `json:"utm,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}
