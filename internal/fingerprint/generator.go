package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SebastienMelki/tappick/internal/storage"
)

// FallbackPrefix marks a fingerprint that could not be derived from device
// attributes. Such fingerprints are not reproducible.
const FallbackPrefix = "fallback_"

// DeviceFingerprint is an immutable snapshot of the device attributes and the
// hash derived from them.
type DeviceFingerprint struct {
	Platform   string    `json:"platform"`
	Model      string    `json:"model"`
	OSVersion  string    `json:"osVersion"`
	Timezone   int       `json:"timezone"`
	Locale     string    `json:"locale"`
	UserAgent  string    `json:"userAgent"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"deviceId,omitempty"`
	AppVersion string    `json:"appVersion,omitempty"`

	// Hash is the hex SHA-256 digest of the canonical attribute string, or a
	// FallbackPrefix value when attribute collection failed.
	Hash string `json:"fingerprint"`

	// Degraded is set when Hash is a fallback value.
	Degraded bool `json:"degraded,omitempty"`
}

// Generator produces device fingerprints. Each call to Generate collects the
// attributes afresh; only the stable device ID is reused across calls.
type Generator struct {
	collector Collector
	ids       *IDManager
	store     storage.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewGenerator creates a Generator. ids and store may be nil, in which case no
// device ID is attached and nothing is persisted.
func NewGenerator(collector Collector, ids *IDManager, store storage.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		collector: collector,
		ids:       ids,
		store:     store,
		logger:    logger.With("component", "fingerprint"),
		now:       time.Now,
	}
}

// Generate returns a fingerprint for the current device. It never fails: when
// attributes cannot be collected it returns a degraded fallback fingerprint.
func (g *Generator) Generate(ctx context.Context) DeviceFingerprint {
	now := g.now().UTC()

	attrs, err := g.collect()
	if err != nil {
		g.logger.Warn("attribute collection failed, using fallback fingerprint", "error", err)
		return DeviceFingerprint{
			Timestamp: now,
			Hash:      fallbackHash(now),
			Degraded:  true,
		}
	}

	var deviceID string
	if g.ids != nil {
		deviceID = g.ids.GetOrCreateDeviceID(ctx)
	}

	hashed := attrs.Map()
	if deviceID != "" {
		hashed["deviceId"] = deviceID
	}

	fp := DeviceFingerprint{
		Platform:   attrs.Platform,
		Model:      attrs.Model,
		OSVersion:  attrs.OSVersion,
		Timezone:   attrs.TimezoneOffset,
		Locale:     attrs.Locale,
		UserAgent:  attrs.UserAgent,
		Timestamp:  now,
		DeviceID:   deviceID,
		AppVersion: attrs.AppVersion,
		Hash:       Hash(hashed),
	}

	if g.store != nil {
		if err := storage.SetJSON(ctx, g.store, storage.KeyDeviceFingerprint, fp); err != nil {
			g.logger.Warn("failed to persist fingerprint", "error", err)
		}
	}

	return fp
}

// collect calls the collector, converting a panic into an error.
func (g *Generator) collect() (attrs Attributes, err error) {
	if g.collector == nil {
		return Attributes{}, fmt.Errorf("no attribute collector configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	return g.collector.Collect()
}

// Hash returns the hex SHA-256 digest of Canonical(attrs).
func Hash(attrs map[string]any) string {
	sum := sha256.Sum256([]byte(Canonical(attrs)))
	return hex.EncodeToString(sum[:])
}

// Canonical renders attrs as "key=value&" pairs with keys sorted
// lexicographically. Values that are maps are flattened one level as
// "parent.child=value&" with the child keys sorted as well. Nil values and
// empty strings are omitted so a missing attribute and an empty one hash
// identically.
func Canonical(attrs map[string]any) string {
	var b strings.Builder
	for _, key := range sortedKeys(attrs) {
		switch v := attrs[key].(type) {
		case map[string]any:
			for _, sub := range sortedKeys(v) {
				writePair(&b, key+"."+sub, v[sub])
			}
		case map[string]string:
			subKeys := make([]string, 0, len(v))
			for k := range v {
				subKeys = append(subKeys, k)
			}
			sort.Strings(subKeys)
			for _, sub := range subKeys {
				writePair(&b, key+"."+sub, v[sub])
			}
		default:
			writePair(&b, key, v)
		}
	}
	return b.String()
}

func writePair(b *strings.Builder, key string, value any) {
	s, ok := formatValue(value)
	if !ok {
		return
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(s)
	b.WriteByte('&')
}

func formatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		// fmt prints nested maps with sorted keys, so this stays deterministic.
		return fmt.Sprint(x), true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fallbackHash derives a non-reproducible fingerprint from a timestamp.
func fallbackHash(t time.Time) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(t.UnixNano(), 10)))
	return FallbackPrefix + hex.EncodeToString(sum[:])[:16]
}
