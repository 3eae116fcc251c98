package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
)

const (
	// Colors for Discord embeds
	colorRed   = 15158332 // 0xE74C3C - abandoned sessions
	colorGreen = 5763719  // 0x57F287 - captured sessions

	defaultWebhookTimeout = 10 * time.Second

	// Max attempts when rate limited
	maxRetries = 3
)

// Outcomes carried by SessionEvent
const (
	OutcomeCaptured  = "captured"
	OutcomeAbandoned = "abandoned"
)

// SessionEvent summarizes a finished match session
type SessionEvent struct {
	SessionID     string
	Outcome       string
	Duration      time.Duration
	LiveCaptures  int
	EOGAttempts   int
	PostgameBytes int
	Player        string
}

// WebhookPayload represents a Discord webhook message
type WebhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed represents a Discord embed
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// NewCapturedPayload creates a payload for a session whose post-game stats were saved
func NewCapturedPayload(ev SessionEvent) WebhookPayload {
	fields := []EmbedField{
		{Name: "Session", Value: ev.SessionID, Inline: true},
		{Name: "Live Captures", Value: humanize.Comma(int64(ev.LiveCaptures)), Inline: true},
		{Name: "Post-game", Value: humanize.Bytes(uint64(ev.PostgameBytes)), Inline: true},
		{Name: "Attempts", Value: strconv.Itoa(ev.EOGAttempts), Inline: true},
		{Name: "Duration", Value: formatDuration(ev.Duration), Inline: true},
	}
	if ev.Player != "" {
		fields = append(fields, EmbedField{Name: "Player", Value: ev.Player, Inline: true})
	}

	return WebhookPayload{
		Embeds: []Embed{
			{
				Title:  "✅ Post-game Captured",
				Color:  colorGreen,
				Fields: fields,
			},
		},
	}
}

// NewAbandonedPayload creates a payload for a session that timed out waiting for post-game stats
func NewAbandonedPayload(ev SessionEvent) WebhookPayload {
	return WebhookPayload{
		Embeds: []Embed{
			{
				Title: "⚠️ Session Abandoned",
				Color: colorRed,
				Fields: []EmbedField{
					{Name: "Session", Value: ev.SessionID, Inline: true},
					{Name: "Live Captures", Value: humanize.Comma(int64(ev.LiveCaptures)), Inline: true},
					{Name: "Attempts", Value: strconv.Itoa(ev.EOGAttempts), Inline: true},
				},
				Footer: &EmbedFooter{
					Text: "Post-game stats never became available. Is the client running?",
				},
			},
		},
	}
}

// WebhookClient sends notifications to Discord webhooks
type WebhookClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewWebhookClient creates a new WebhookClient
func NewWebhookClient(webhookURL string) *WebhookClient {
	return &WebhookClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultWebhookTimeout,
		},
	}
}

// NotifySession sends the embed matching the event outcome
func (c *WebhookClient) NotifySession(ctx context.Context, ev SessionEvent) error {
	switch ev.Outcome {
	case OutcomeCaptured:
		return c.sendPayload(ctx, NewCapturedPayload(ev))
	case OutcomeAbandoned:
		return c.sendPayload(ctx, NewAbandonedPayload(ev))
	default:
		return fmt.Errorf("unknown session outcome %q", ev.Outcome)
	}
}

// sendPayload sends a webhook payload with retry on rate limiting
func (c *WebhookClient) sendPayload(ctx context.Context, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "POST", c.webhookURL, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		resp.Body.Close()

		// Discord returns 204 No Content
		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := time.Second
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				waitDuration = time.Duration(seconds) * time.Second
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook request failed after %d retries", maxRetries)
}

// formatDuration formats a duration as "Xm Ys" (e.g., 31m 4s)
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
