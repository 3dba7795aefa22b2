package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeJetStream records publishes. Methods not overridden panic via the nil
// embedded interface.
type fakeJetStream struct {
	jetstream.JetStream

	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failWith error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return &jetstream.PubAck{Stream: "TAPPICK_EVENTS", Sequence: uint64(len(f.subjects))}, nil
}

func TestBatchSubject(t *testing.T) {
	tests := []struct {
		prefix, app, want string
	}{
		{"events", "myapp", "events.myapp.batch"},
		{"", "myapp", "events.myapp.batch"},
		{"events", "com.example.app", "events.com_example_app.batch"},
		{"events", "", "events.unknown.batch"},
		{"sdk", "a*b>c", "sdk.a_b_c.batch"},
	}
	for _, tt := range tests {
		if got := BatchSubject(tt.prefix, tt.app); got != tt.want {
			t.Errorf("BatchSubject(%q, %q) = %q, want %q", tt.prefix, tt.app, got, tt.want)
		}
	}
}

func TestNATSSender_SendEvents(t *testing.T) {
	js := &fakeJetStream{}
	s := NewNATSSenderFromJetStream(js, "events.myapp.batch", nil)

	batch := EventBatch{
		Events:    []Event{{ID: "01A", Type: "app_open"}, {ID: "01B", Type: "purchase"}},
		SessionID: "s1",
	}
	if err := s.SendEvents(context.Background(), batch); err != nil {
		t.Fatalf("SendEvents: %v", err)
	}

	if len(js.subjects) != 1 || js.subjects[0] != "events.myapp.batch" {
		t.Fatalf("subjects: got %v", js.subjects)
	}
	var got EventBatch
	if err := json.Unmarshal(js.payloads[0], &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(got.Events) != 2 || got.Events[1].Type != "purchase" {
		t.Errorf("payload batch: %+v", got)
	}

	if err := s.SendEvents(context.Background(), EventBatch{}); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(js.subjects) != 1 {
		t.Error("empty batch must not be published")
	}
}

func TestNATSSender_PublishError(t *testing.T) {
	cause := errors.New("no responders")
	s := NewNATSSenderFromJetStream(&fakeJetStream{failWith: cause}, "events.x.batch", nil)

	err := s.SendEvents(context.Background(), EventBatch{Events: []Event{{ID: "1"}}})
	if !errors.Is(err, cause) {
		t.Fatalf("got %v, want wrapped publish error", err)
	}
	if !IsTransient(err) {
		t.Error("publish failures should be transient")
	}
}

func TestBatchMsgID(t *testing.T) {
	a := EventBatch{Events: []Event{{ID: "1"}, {ID: "2"}}}
	b := EventBatch{Events: []Event{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	if batchMsgID(a) == batchMsgID(b) {
		t.Error("regrouped batches must not share a message id")
	}
	if batchMsgID(a) != batchMsgID(EventBatch{Events: []Event{{ID: "1"}, {ID: "2"}}}) {
		t.Error("identical batches must share a message id")
	}
}
