package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds the connection settings of the JetStream event sink.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string `json:"url" env:"URL" envDefault:"nats://localhost:4222"`

	// Name is the client connection name for monitoring
	Name string `json:"name" env:"CLIENT_NAME" envDefault:"tappick-sdk"`

	// MaxReconnects is the maximum number of reconnection attempts
	MaxReconnects int `json:"max_reconnects" env:"MAX_RECONNECTS" envDefault:"60"`

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration `json:"reconnect_wait" env:"RECONNECT_WAIT" envDefault:"2s"`

	// Timeout is the connection timeout
	Timeout time.Duration `json:"timeout" env:"TIMEOUT" envDefault:"5s"`

	// SubjectPrefix is the first token of the publish subject.
	SubjectPrefix string `json:"subject_prefix" env:"SUBJECT_PREFIX" envDefault:"events"`
}

// NATSSender publishes event batches to JetStream as JSON, one message per
// batch, on "<prefix>.<app_id>.batch".
type NATSSender struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewNATSSender connects to NATS and returns a sender for appID.
func NewNATSSender(ctx context.Context, cfg NATSConfig, appID string, logger *slog.Logger) (*NATSSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-sender")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("connected to NATS",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	s := NewNATSSenderFromJetStream(js, BatchSubject(cfg.SubjectPrefix, appID), logger)
	s.conn = conn
	return s, nil
}

// NewNATSSenderFromJetStream creates a sender on an existing JetStream context.
// The caller keeps ownership of the underlying connection.
func NewNATSSenderFromJetStream(js jetstream.JetStream, subject string, logger *slog.Logger) *NATSSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSender{
		js:      js,
		subject: subject,
		logger:  logger,
	}
}

// BatchSubject returns the publish subject for appID. NATS token separators
// and wildcards in appID are replaced with underscores.
func BatchSubject(prefix, appID string) string {
	if prefix == "" {
		prefix = "events"
	}
	app := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, appID)
	if app == "" {
		app = "unknown"
	}
	return prefix + "." + app + ".batch"
}

// Subject returns the subject batches are published on.
func (s *NATSSender) Subject() string {
	return s.subject
}

// SendEvents publishes batch and waits for the JetStream ack.
func (s *NATSSender) SendEvents(ctx context.Context, batch EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	if s.conn != nil && !s.conn.IsConnected() {
		return fmt.Errorf("%w, status: %s", ErrNotConnected, s.conn.Status())
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	ack, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(batchMsgID(batch)))
	if err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Debug("event batch published",
		"subject", s.subject,
		"events", len(batch.Events),
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	)
	return nil
}

// batchMsgID identifies a batch by its first and last event ids and size, so
// JetStream drops a resend of the same batch but not a regrouped one.
func batchMsgID(batch EventBatch) string {
	first := batch.Events[0].ID
	last := batch.Events[len(batch.Events)-1].ID
	return fmt.Sprintf("%s-%s-%d", first, last, len(batch.Events))
}

// Close drains the connection opened by NewNATSSender. It is a no-op for
// senders built on a caller-owned JetStream context.
func (s *NATSSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
