package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublishWithoutEndpointSucceeds(t *testing.T) {
	p := NewPublisher("test")
	if err := p.Publish(context.Background(), EventEscrowCreated, map[string]any{"request_id": "req_1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishDeliversToWebhook(t *testing.T) {
	var received Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Event-Type"); got != EventWinnerSelected {
			t.Errorf("X-Event-Type = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher("test")
	p.RegisterEndpoint(EventWinnerSelected, srv.URL)

	err := p.Publish(context.Background(), EventWinnerSelected, map[string]any{
		"request_id": "req_1",
		"bidder":     "alice",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if received.EventType != EventWinnerSelected || received.Source != "test" {
		t.Errorf("unexpected envelope: %+v", received)
	}
	if received.Data["request_id"] != "req_1" {
		t.Errorf("data = %+v", received.Data)
	}
	if received.EventID == "" || received.IdempotencyKey == "" {
		t.Error("envelope missing event id or idempotency key")
	}
}

func TestPublishSurvivesDeadWebhook(t *testing.T) {
	p := NewPublisher("test")
	p.RegisterEndpoint(EventEscrowRefunded, "http://127.0.0.1:1/unreachable")

	// Delivery is best-effort; a dead endpoint never fails the operation.
	if err := p.Publish(context.Background(), EventEscrowRefunded, map[string]any{"request_id": "req_1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
