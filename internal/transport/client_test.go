package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SebastienMelki/tappick/internal/fingerprint"
)

func TestNewClient(t *testing.T) {
	c := NewClient("https://example.com/", "test-key")

	if c.baseURL != "https://example.com" {
		t.Errorf("baseURL: got %q, want %q", c.baseURL, "https://example.com")
	}
	if c.apiKey != "test-key" {
		t.Errorf("apiKey: got %q, want %q", c.apiKey, "test-key")
	}
	if c.userAgent != "TappickSDK/1.0.0 Go" {
		t.Errorf("userAgent: got %q, want %q", c.userAgent, "TappickSDK/1.0.0 Go")
	}
}

func TestMatchReferrer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/v1/attribution/referrer/tok 1" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("X-API-Key: got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("User-Agent: got %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprint(w, `{"success":true,"linkId":"lnk_1","shortCode":"summer","deepLinkData":{"url":"myapp://product/42"},"platform":"android","alreadyClaimed":true,"claimedAt":"2024-05-01T10:00:00Z"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key")
	m, err := c.MatchReferrer(context.Background(), "tok 1")
	if err != nil {
		t.Fatalf("MatchReferrer: %v", err)
	}
	if !m.Success || m.LinkID != "lnk_1" || !m.AlreadyClaimed {
		t.Errorf("unexpected match: %+v", m)
	}
	if got := m.DeepLink(); got != "myapp://product/42" {
		t.Errorf("DeepLink: got %q", got)
	}
	if m.ClaimedTime().IsZero() {
		t.Error("ClaimedTime should parse")
	}
}

func TestReferrerMatch_DeepLinkVariants(t *testing.T) {
	tests := []struct {
		name string
		m    ReferrerMatch
		want string
	}{
		{"url field wins", ReferrerMatch{DeepLinkURL: "a://x", DeepLinkData: json.RawMessage(`"b://y"`)}, "a://x"},
		{"data string", ReferrerMatch{DeepLinkData: json.RawMessage(`"b://y"`)}, "b://y"},
		{"data object deepLinkUrl", ReferrerMatch{DeepLinkData: json.RawMessage(`{"deepLinkUrl":"c://z"}`)}, "c://z"},
		{"data number", ReferrerMatch{DeepLinkData: json.RawMessage(`42`)}, ""},
		{"none", ReferrerMatch{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.DeepLink(); got != tt.want {
				t.Errorf("DeepLink: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeFingerprintMatch_WrappedAndFlatAgree(t *testing.T) {
	wrapped := `{"success":true,"match":{"found":true,"confidence":"medium","score":0.74,"deepLinkUrl":"myapp://p/1","linkId":"lnk_9","metadata":{"campaign":"x"}}}`
	flat := `{"found":true,"confidence":"medium","score":0.74,"deepLinkUrl":"myapp://p/1","linkId":"lnk_9","metadata":{"campaign":"x"}}`

	a, err := DecodeFingerprintMatch([]byte(wrapped))
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	b, err := DecodeFingerprintMatch([]byte(flat))
	if err != nil {
		t.Fatalf("flat: %v", err)
	}

	if a.Found != b.Found || a.Confidence != b.Confidence || a.Score != b.Score ||
		a.DeepLinkURL != b.DeepLinkURL || a.LinkID != b.LinkID {
		t.Errorf("shapes disagree:\nwrapped %+v\nflat    %+v", a, b)
	}
	if !a.Found || a.Confidence != "medium" || a.Metadata["campaign"] != "x" {
		t.Errorf("unexpected decode: %+v", a)
	}
}

func TestDecodeFingerprintMatch_Unsuccessful(t *testing.T) {
	m, err := DecodeFingerprintMatch([]byte(`{"success":false,"match":{"found":true,"confidence":"high"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Found {
		t.Error("success=false must decode as not found")
	}

	m, err = DecodeFingerprintMatch([]byte(`{"success":false,"found":true}`))
	if err != nil || m.Found {
		t.Errorf("flat success=false: got (%+v, %v)", m, err)
	}
}

func TestDecodeFingerprintMatch_Malformed(t *testing.T) {
	_, err := DecodeFingerprintMatch([]byte(`{"found":`))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
}

func TestMatchFingerprint_SendsFingerprint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/attribution/match" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type: got %q", r.Header.Get("Content-Type"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		for _, key := range []string{"platform", "model", "osVersion", "timezone", "locale", "userAgent", "timestamp", "deviceId"} {
			if _, ok := body[key]; !ok {
				t.Errorf("body missing %q", key)
			}
		}
		fmt.Fprint(w, `{"found":true,"confidence":"high","score":0.93,"linkId":"lnk_2"}`)
	}))
	defer server.Close()

	fp := fingerprint.DeviceFingerprint{
		Platform:  "ios",
		Model:     "iPhone15,2",
		OSVersion: "17.2",
		Timezone:  -300,
		Locale:    "en-US",
		UserAgent: "ua",
		Timestamp: time.Now(),
		DeviceID:  "dev-1",
		Hash:      "abc",
	}

	m, err := NewClient(server.URL, "k").MatchFingerprint(context.Background(), fp)
	if err != nil {
		t.Fatalf("MatchFingerprint: %v", err)
	}
	if !m.Found || m.Confidence != "high" || m.LinkID != "lnk_2" {
		t.Errorf("unexpected match: %+v", m)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		client    bool
		transient bool
	}{
		{http.StatusBadRequest, true, false},
		{http.StatusNotFound, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, false, true},
		{http.StatusServiceUnavailable, false, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer server.Close()

			err := NewClient(server.URL, "k").TrackInstall(context.Background(), InstallRequest{})
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Fatalf("got %v, want StatusError %d", err, tt.status)
			}
			if IsClientError(err) != tt.client {
				t.Errorf("IsClientError: got %v, want %v", IsClientError(err), tt.client)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient: got %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewClient(url, "k").SendEvents(context.Background(), EventBatch{Events: []Event{{ID: "1", Type: "x"}}})
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !IsTransient(err) {
		t.Errorf("network error should be transient: %v", err)
	}
}

func TestSendEvents(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path != "/api/v1/events/batch" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		var batch EventBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(batch.Events) != 2 || batch.Events[0].Type != "app_open" || batch.SessionID != "s1" {
			t.Errorf("unexpected batch: %+v", batch)
		}
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "k")
	if err := c.SendEvents(context.Background(), EventBatch{}); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if atomic.LoadInt32(&requests) != 0 {
		t.Fatal("empty batch must not hit the network")
	}

	err := c.SendEvents(context.Background(), EventBatch{
		Events:    []Event{{ID: "1", Type: "app_open"}, {ID: "2", Type: "purchase"}},
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("SendEvents: %v", err)
	}
}

func TestSendEvents_Unsuccessful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false}`)
	}))
	defer server.Close()

	err := NewClient(server.URL, "k").SendEvents(context.Background(), EventBatch{Events: []Event{{ID: "1"}}})
	if !errors.Is(err, ErrUnsuccessful) {
		t.Fatalf("got %v, want ErrUnsuccessful", err)
	}
}

func TestResolveShortCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/links/tappick-test/resolve" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.URL.Query().Get("platform") != "android" {
			t.Errorf("platform: got %q", r.URL.Query().Get("platform"))
		}
		fmt.Fprint(w, `{"success":true,"route":"/product/42","destination":"myapp://product/42","utm":{"source":"email"}}`)
	}))
	defer server.Close()

	link, err := NewClient(server.URL, "k").ResolveShortCode(context.Background(), "tappick-test", "android")
	if err != nil {
		t.Fatalf("ResolveShortCode: %v", err)
	}
	if link.Route != "/product/42" || link.Destination != "myapp://product/42" {
		t.Errorf("unexpected link: %+v", link)
	}
	if link.UTM == nil || link.UTM.Source != "email" {
		t.Errorf("utm: got %+v", link.UTM)
	}
}

func TestDecodeErrorOnMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>gateway</html>`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k").MatchReferrer(context.Background(), "t")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
	if IsTransient(err) {
		t.Error("decode errors are not transient")
	}
}
