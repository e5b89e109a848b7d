// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Lifecycle event types published on the bus for downstream consumers.
const (
	EventSessionStarted      = "session:started"
	EventSessionUpdated      = "session:updated"
	EventSessionStopped      = "session:stopped"
	EventViolationNew        = "violation:new"
	EventFallbackActivated   = "fallback:activated"
	EventFallbackDeactivated = "fallback:deactivated"
)

// Event is the envelope for every message published on the bus.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload in an event envelope. Marshal failures are
// not possible for the payload types used in this module, but the error
// is surfaced anyway so callers can log it.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// FallbackEvent is the payload of fallback:activated and
// fallback:deactivated events.
type FallbackEvent struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
}
