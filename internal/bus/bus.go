// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package bus is the typed message-passing layer between the session
// core and downstream consumers. Producers and consumers are decoupled
// by topic and event type, not by sharing an emitter.
//
// Two transports are provided: an in-process Watermill gochannel bus
// (tests, single-binary deployments) and NATS JetStream (durable,
// multi-consumer deployments).
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/models"
)

// Topics. NATS subject tokens cannot contain ':', so event types map
// onto dotted topics; the envelope's Type field carries the exact
// lifecycle event name.
const (
	TopicSessions    = "playback.sessions"
	TopicViolations  = "playback.violations"
	TopicConnections = "playback.connections"
)

// TopicForEvent returns the topic an event type is published on.
func TopicForEvent(eventType string) string {
	switch eventType {
	case models.EventSessionStarted, models.EventSessionUpdated, models.EventSessionStopped:
		return TopicSessions
	case models.EventViolationNew:
		return TopicViolations
	case models.EventFallbackActivated, models.EventFallbackDeactivated:
		return TopicConnections
	}
	return TopicSessions
}

// Publisher publishes lifecycle events.
type Publisher interface {
	PublishEvent(ctx context.Context, event *models.Event) error
	Close() error
}

// Subscriber delivers messages for a topic. Messages must be Acked or
// Nacked by the consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// Publish is a convenience wrapper: envelope the payload and publish it
// on the event type's topic.
func Publish(ctx context.Context, p Publisher, eventType string, payload any) error {
	event, err := models.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	return p.PublishEvent(ctx, event)
}

// DecodeEvent unmarshals a transported message back into an envelope.
func DecodeEvent(msg *message.Message) (*models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &event, nil
}

func marshalEvent(event *models.Event) (*message.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("event_type", event.Type)
	return msg, nil
}
