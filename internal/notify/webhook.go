// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package notify is the downstream consumer side of the event bus:
// webhook delivery of violations and debounced server-down alerts.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Payload is the JSON body sent to the webhook endpoint.
type Payload struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// Webhook posts JSON payloads to a single configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook sender. An empty url disables delivery;
// Send becomes a no-op.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an endpoint is configured.
func (w *Webhook) Enabled() bool { return w.url != "" }

// Send posts one payload.
func (w *Webhook) Send(ctx context.Context, eventType string, data any) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(Payload{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "sharewatch",
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
