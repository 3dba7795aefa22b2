package tappick

import (
	"github.com/SebastienMelki/tappick/internal/attribution"
	"github.com/SebastienMelki/tappick/internal/deeplink"
	"github.com/SebastienMelki/tappick/internal/fingerprint"
	"github.com/SebastienMelki/tappick/internal/identity"
	"github.com/SebastienMelki/tappick/internal/referrer"
	"github.com/SebastienMelki/tappick/internal/storage"
	"github.com/SebastienMelki/tappick/internal/transport"
	"github.com/SebastienMelki/tappick/internal/utm"
)

// Re-exported types making up the public API.
type (
	Attribution      = attribution.Match
	MatchMethod      = attribution.Method
	Confidence       = attribution.Confidence
	DeepLinkData     = deeplink.Data
	Navigator        = deeplink.Navigator
	NavigatorFunc    = deeplink.NavigatorFunc
	Route            = deeplink.Route
	RouteTarget      = deeplink.RouteTarget
	NamedRoute       = deeplink.NamedRoute
	CustomAction     = deeplink.CustomAction
	MatchMode        = deeplink.MatchMode
	DeviceAttributes = fingerprint.Attributes
	Collector        = fingerprint.Collector
	CollectorFunc    = fingerprint.CollectorFunc
	Fingerprint      = fingerprint.DeviceFingerprint
	ReferrerProvider = referrer.Provider
	ReferrerFunc     = referrer.ProviderFunc
	Store            = storage.Store
	EventSender      = transport.EventSender
	User             = identity.User
	UTM              = utm.Params
)

// Route match modes.
const (
	MatchPrefix = deeplink.MatchPrefix
	MatchExact  = deeplink.MatchExact
)

// Attribution methods and confidence tiers.
const (
	MethodReferrer    = attribution.MethodReferrer
	MethodFingerprint = attribution.MethodFingerprint

	ConfidenceHigh   = attribution.ConfidenceHigh
	ConfidenceMedium = attribution.ConfidenceMedium
	ConfidenceLow    = attribution.ConfidenceLow
	ConfidenceNone   = attribution.ConfidenceNone
)
