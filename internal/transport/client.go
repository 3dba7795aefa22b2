// Package transport talks to the attribution backend: referrer and
// fingerprint matching, install tracking, short-code resolution and event
// batch delivery over HTTP JSON, plus an alternate event sink on NATS
// JetStream.
//
// The client performs a single attempt per call. Retrying is the caller's
// decision; IsTransient classifies the returned errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SebastienMelki/tappick/internal/fingerprint"
)

// DefaultUserAgent identifies the SDK to the backend.
const DefaultUserAgent = "TappickSDK/1.0.0 Go"

// DefaultTimeout bounds a single HTTP request when no client is supplied.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a non-2xx body is kept on a StatusError.
const maxErrorBody = 512

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 1 << 20

// EventSender delivers event batches.
type EventSender interface {
	SendEvents(ctx context.Context, batch EventBatch) error
}

// Client is the backend HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client.
//
// baseURL is the backend root (e.g., "https://api.tappick.io"); a trailing
// slash is trimmed. apiKey is sent as X-API-Key on every request.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  DefaultUserAgent,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// MatchReferrer looks up a deterministic match for a referrer token. The
// response is returned as-is; the caller interprets success and
// alreadyClaimed.
func (c *Client) MatchReferrer(ctx context.Context, token string) (*ReferrerMatch, error) {
	var resp ReferrerMatch
	path := "/api/v1/attribution/referrer/" + url.PathEscape(token)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MatchFingerprint submits a fingerprint for probabilistic matching.
func (c *Client) MatchFingerprint(ctx context.Context, fp fingerprint.DeviceFingerprint) (FingerprintMatch, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/v1/attribution/match", fp, &raw); err != nil {
		return FingerprintMatch{}, err
	}
	return DecodeFingerprintMatch(raw)
}

// TrackInstall reports an install.
func (c *Client) TrackInstall(ctx context.Context, req InstallRequest) error {
	var resp successResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/attribution/install", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return ErrUnsuccessful
	}
	return nil
}

// SendEvents delivers an event batch.
func (c *Client) SendEvents(ctx context.Context, batch EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}

	var resp successResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/batch", batch, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return ErrUnsuccessful
	}

	c.logger.Debug("event batch delivered", "events", len(batch.Events))
	return nil
}

// ResolveShortCode resolves a short link code for platform.
func (c *Client) ResolveShortCode(ctx context.Context, code, platform string) (*ShortLink, error) {
	path := "/api/v1/links/" + url.PathEscape(code) + "/resolve"
	if platform != "" {
		path += "?" + url.Values{"platform": {platform}}.Encode()
	}

	var resp ShortLink
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrUnsuccessful
	}
	return &resp, nil
}

// do performs one request. body is JSON-encoded when non-nil; a 2xx response
// is decoded into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("backend rejected request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
