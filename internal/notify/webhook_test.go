package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sampleEvent(outcome string) SessionEvent {
	return SessionEvent{
		SessionID:     "2024-03-09_21-04-05",
		Outcome:       outcome,
		Duration:      31*time.Minute + 4*time.Second,
		LiveCaptures:  1204,
		EOGAttempts:   3,
		PostgameBytes: 48213,
		Player:        "Faker#KR1",
	}
}

// TestCapturedPayload_Format tests the green post-game embed
func TestCapturedPayload_Format(t *testing.T) {
	payload := NewCapturedPayload(sampleEvent(OutcomeCaptured))

	if len(payload.Embeds) != 1 {
		t.Fatalf("Expected 1 embed, got %d", len(payload.Embeds))
	}
	embed := payload.Embeds[0]

	if !strings.Contains(embed.Title, "Post-game Captured") {
		t.Errorf("Expected title to contain 'Post-game Captured', got: %s", embed.Title)
	}
	if embed.Color != 5763719 {
		t.Errorf("Expected green color (5763719), got: %d", embed.Color)
	}

	values := make(map[string]string)
	for _, f := range embed.Fields {
		values[f.Name] = f.Value
	}
	want := map[string]string{
		"Session":       "2024-03-09_21-04-05",
		"Live Captures": "1,204",
		"Post-game":     "48 kB",
		"Attempts":      "3",
		"Duration":      "31m 4s",
		"Player":        "Faker#KR1",
	}
	for name, value := range want {
		if values[name] != value {
			t.Errorf("Field %q: expected %q, got %q", name, value, values[name])
		}
	}
}

func TestCapturedPayload_NoPlayer(t *testing.T) {
	ev := sampleEvent(OutcomeCaptured)
	ev.Player = ""
	for _, f := range NewCapturedPayload(ev).Embeds[0].Fields {
		if f.Name == "Player" {
			t.Error("Expected no Player field when player is unknown")
		}
	}
}

// TestAbandonedPayload_Format tests the red abandoned embed
func TestAbandonedPayload_Format(t *testing.T) {
	payload := NewAbandonedPayload(sampleEvent(OutcomeAbandoned))
	embed := payload.Embeds[0]

	if embed.Color != 15158332 {
		t.Errorf("Expected red color (15158332), got: %d", embed.Color)
	}
	if embed.Footer == nil || embed.Footer.Text == "" {
		t.Error("Expected footer with a hint")
	}
	if !strings.Contains(embed.Title, "Abandoned") {
		t.Errorf("Expected title to contain 'Abandoned', got: %s", embed.Title)
	}
}

func TestNotifySession_Sends(t *testing.T) {
	var received WebhookPayload
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL)
	if err := client.NotifySession(context.Background(), sampleEvent(OutcomeCaptured)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("Expected application/json, got %s", contentType)
	}
	if len(received.Embeds) != 1 || received.Embeds[0].Color != colorGreen {
		t.Errorf("Unexpected payload received: %+v", received)
	}
}

func TestNotifySession_UnknownOutcome(t *testing.T) {
	client := NewWebhookClient("http://127.0.0.1:1")
	if err := client.NotifySession(context.Background(), sampleEvent("open")); err == nil {
		t.Error("Expected error for unknown outcome")
	}
}

func TestNotifySession_RateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL)
	if err := client.NotifySession(context.Background(), sampleEvent(OutcomeAbandoned)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestNotifySession_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewWebhookClient(server.URL).NotifySession(context.Background(), sampleEvent(OutcomeCaptured))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Expected status 400 error, got %v", err)
	}
}
