package fingerprint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SebastienMelki/tappick/internal/storage"
)

func testAttributes() Attributes {
	return Attributes{
		Platform:       "android",
		Model:          "Pixel 8",
		OSVersion:      "14",
		TimezoneOffset: 120,
		Locale:         "de-DE",
		UserAgent:      "Mozilla/5.0 (Linux; Android 14)",
		AppVersion:     "3.2.1",
		Screen:         &Screen{Width: 1080, Height: 2400, Density: 2.625},
	}
}

func TestCanonical_SortsKeysAndNestedKeys(t *testing.T) {
	attrs := map[string]any{
		"b":      "2",
		"a":      "1",
		"screen": map[string]any{"width": 10, "height": 20},
		"empty":  "",
		"nil":    nil,
	}

	got := Canonical(attrs)
	want := "a=1&b=2&screen.height=20&screen.width=10&"
	if got != want {
		t.Errorf("Canonical: got %q, want %q", got, want)
	}
}

func TestHash_IndependentOfInsertionOrder(t *testing.T) {
	keys := []string{"platform", "model", "osVersion", "timezone", "locale", "userAgent"}
	values := map[string]any{
		"platform":  "ios",
		"model":     "iPhone15,2",
		"osVersion": "17.2",
		"timezone":  -300,
		"locale":    "en-US",
		"userAgent": "ua",
	}

	forward := make(map[string]any)
	for _, k := range keys {
		forward[k] = values[k]
	}
	backward := make(map[string]any)
	for i := len(keys) - 1; i >= 0; i-- {
		backward[keys[i]] = values[keys[i]]
	}

	if Hash(forward) != Hash(backward) {
		t.Fatal("hash differs across insertion order")
	}
	if len(Hash(forward)) != 64 {
		t.Errorf("hash length: got %d, want 64", len(Hash(forward)))
	}

	backward["locale"] = "en-GB"
	if Hash(forward) == Hash(backward) {
		t.Fatal("different attribute sets must hash differently")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	store := storage.NewMemoryStore()
	ids := NewIDManager(store, nil)
	gen := NewGenerator(NewPlatformCollector(testAttributes()), ids, store, nil)

	ctx := context.Background()
	first := gen.Generate(ctx)
	second := gen.Generate(ctx)

	if first.Hash != second.Hash {
		t.Errorf("hash not stable across calls: %s vs %s", first.Hash, second.Hash)
	}
	if first.Degraded {
		t.Error("fingerprint should not be degraded")
	}
	if first.DeviceID == "" {
		t.Error("device id should be attached")
	}
	if first.Platform != "android" || first.Timezone != 120 || first.AppVersion != "3.2.1" {
		t.Errorf("attributes not copied: %+v", first)
	}

	var persisted DeviceFingerprint
	if err := storage.GetJSON(ctx, store, storage.KeyDeviceFingerprint, &persisted); err != nil {
		t.Fatalf("fingerprint not persisted: %v", err)
	}
	if persisted.Hash != first.Hash {
		t.Errorf("persisted hash: got %s, want %s", persisted.Hash, first.Hash)
	}
}

func TestGenerate_SameAttributesAcrossGenerators(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	a := NewGenerator(NewPlatformCollector(testAttributes()), NewIDManager(store, nil), nil, nil).Generate(ctx)
	b := NewGenerator(NewPlatformCollector(testAttributes()), NewIDManager(store, nil), nil, nil).Generate(ctx)

	if a.Hash != b.Hash {
		t.Fatal("generators sharing a persisted device id must agree")
	}
}

func TestGenerate_FallbackOnError(t *testing.T) {
	gen := NewGenerator(CollectorFunc(func() (Attributes, error) {
		return Attributes{}, errors.New("permission denied")
	}), nil, nil, nil)
	gen.now = func() time.Time { return time.Unix(1700000000, 0) }

	fp := gen.Generate(context.Background())

	if !fp.Degraded {
		t.Error("fingerprint should be degraded")
	}
	if !strings.HasPrefix(fp.Hash, FallbackPrefix) {
		t.Fatalf("hash %q missing prefix %q", fp.Hash, FallbackPrefix)
	}
	if len(fp.Hash) != len(FallbackPrefix)+16 {
		t.Errorf("fallback length: got %d, want %d", len(fp.Hash), len(FallbackPrefix)+16)
	}
}

func TestGenerate_FallbackOnPanic(t *testing.T) {
	gen := NewGenerator(CollectorFunc(func() (Attributes, error) {
		panic("native bridge crashed")
	}), nil, nil, nil)

	fp := gen.Generate(context.Background())
	if !fp.Degraded || !strings.HasPrefix(fp.Hash, FallbackPrefix) {
		t.Fatalf("expected degraded fallback, got %+v", fp)
	}
}

func TestGenerate_NoCollector(t *testing.T) {
	fp := NewGenerator(nil, nil, nil, nil).Generate(context.Background())
	if !fp.Degraded {
		t.Fatal("missing collector should produce a degraded fingerprint")
	}
}

func TestIDManager_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first := NewIDManager(store, nil).GetOrCreateDeviceID(ctx)
	second := NewIDManager(store, nil).GetOrCreateDeviceID(ctx)
	if first == "" || first != second {
		t.Fatalf("device id not persisted: %q vs %q", first, second)
	}

	m := NewIDManager(store, nil)
	regenerated := m.RegenerateDeviceID(ctx)
	if regenerated == first {
		t.Fatal("RegenerateDeviceID returned the old id")
	}
	if got := m.GetOrCreateDeviceID(ctx); got != regenerated {
		t.Errorf("GetOrCreateDeviceID after regenerate: got %q, want %q", got, regenerated)
	}
}

func TestPlatformCollector_ReturnsCopy(t *testing.T) {
	c := NewPlatformCollector(testAttributes())

	got, _ := c.Collect()
	got.Screen.Width = 1

	again, _ := c.Collect()
	if again.Screen.Width != 1080 {
		t.Fatal("Collect leaked internal screen pointer")
	}
}
