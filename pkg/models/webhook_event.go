package models

import "time"

// WebhookEvent is an inbound provider callback, persisted write-ahead before
// any processing so redelivery and debugging remain possible even if
// processing fails. Processed flips to true exactly once, when the
// reconciler matches and applies (or correctly no-ops) the event; unmatched
// events stay processed=false and are surfaced for diagnosis, never dropped.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Payload    []byte    `json:"payload"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookEventSummary is the parsed admin view of a webhook event.
type WebhookEventSummary struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status,omitempty"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}
