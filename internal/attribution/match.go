// Package attribution decides whether this install came from a tracked link.
//
// Matching is deterministic first (an install-referrer token looked up on the
// backend) and probabilistic second (a device fingerprint scored by the
// backend). Deterministic matches are always trusted; probabilistic matches
// are only actionable at high or medium confidence.
package attribution

import (
	"strings"
	"time"

	"github.com/SebastienMelki/tappick/internal/utm"
)

// Method is how a match was obtained.
type Method string

// Match methods.
const (
	MethodReferrer    Method = "referrer"
	MethodFingerprint Method = "fingerprint"
)

// Confidence is the backend's confidence tier for a fingerprint match.
type Confidence string

// Confidence tiers.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// ParseConfidence maps a backend value to a tier. Unknown values are none.
func ParseConfidence(s string) Confidence {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c
	default:
		return ConfidenceNone
	}
}

// Match is the result of one attribution attempt. The zero value is "no match".
type Match struct {
	Success     bool           `json:"success"`
	Method      Method         `json:"method,omitempty"`
	Confidence  Confidence     `json:"confidence,omitempty"`
	Score       float64        `json:"score,omitempty"`
	LinkID      string         `json:"linkId,omitempty"`
	ShortCode   string         `json:"shortCode,omitempty"`
	DeepLinkURL string         `json:"deepLinkUrl,omitempty"`
	UTM         utm.Params     `json:"utm"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// AlreadyClaimed is set when the link was consumed by an earlier install.
	// Such a match is informational only.
	AlreadyClaimed bool       `json:"alreadyClaimed,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`

	MatchedAt time.Time `json:"matchedAt"`
}

// IsAcceptableConfidence reports whether the match is trustworthy enough to
// act on. Referrer matches always are; fingerprint matches need high or
// medium confidence.
func (m Match) IsAcceptableConfidence() bool {
	switch m.Method {
	case MethodReferrer:
		return true
	case MethodFingerprint:
		return m.Confidence == ConfidenceHigh || m.Confidence == ConfidenceMedium
	default:
		return false
	}
}

// Actionable reports whether the host should treat this install as attributed:
// a successful, unclaimed match of acceptable confidence.
func (m Match) Actionable() bool {
	return m.Success && !m.AlreadyClaimed && m.IsAcceptableConfidence()
}

// Outcome is a short label for metrics and logs.
func (m Match) Outcome() string {
	switch {
	case m.AlreadyClaimed:
		return "already_claimed"
	case m.Actionable():
		return "matched"
	case m.Success:
		return "low_confidence"
	default:
		return "no_match"
	}
}
