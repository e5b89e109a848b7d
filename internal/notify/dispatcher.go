// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/models"
)

// Dispatcher consumes violation and connection events off the bus and
// turns them into webhook deliveries. Server-down alerts are debounced
// so a stream flap never pages anyone. Implements suture.Service.
type Dispatcher struct {
	sub      bus.Subscriber
	webhook  *Webhook
	cfg      config.NotifyConfig
	debounce *Debouncer
	logger   zerolog.Logger
}

// NewDispatcher wires the consumer. The webhook may be disabled; the
// dispatcher then only drains its subscriptions.
func NewDispatcher(sub bus.Subscriber, webhook *Webhook, cfg config.NotifyConfig, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		sub:     sub,
		webhook: webhook,
		cfg:     cfg,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
	d.debounce = NewDebouncer(cfg.ServerDownDelay, d.serverDown)
	return d
}

// Serve consumes events until the context ends. Pending debounced
// alerts are canceled on shutdown without firing.
func (d *Dispatcher) Serve(ctx context.Context) error {
	defer d.debounce.Stop()

	violations, err := d.sub.Subscribe(ctx, bus.TopicViolations)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicViolations, err)
	}
	connections, err := d.sub.Subscribe(ctx, bus.TopicConnections)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicConnections, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-violations:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		case msg, ok := <-connections:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) String() string { return "notify-dispatcher" }

func (d *Dispatcher) handle(ctx context.Context, msg *message.Message) {
	event, err := bus.DecodeEvent(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("undecodable event dropped")
		msg.Ack()
		return
	}

	switch event.Type {
	case models.EventViolationNew:
		d.onViolation(ctx, event)
	case models.EventFallbackActivated:
		if fe, err := decodeFallback(event); err == nil {
			d.debounce.Down(fe.ServerID, fe.ServerName)
		}
	case models.EventFallbackDeactivated:
		if fe, err := decodeFallback(event); err == nil {
			d.debounce.Up(fe.ServerID)
		}
	}
	msg.Ack()
}

func (d *Dispatcher) onViolation(ctx context.Context, event *models.Event) {
	if !d.cfg.NotifyViolations || !d.webhook.Enabled() {
		return
	}
	var v models.Violation
	if err := json.Unmarshal(event.Payload, &v); err != nil {
		d.logger.Error().Err(err).Msg("undecodable violation payload")
		return
	}
	if err := d.webhook.Send(ctx, models.EventViolationNew, v); err != nil {
		d.logger.Error().Err(err).Str("violation_id", v.ID).Msg("violation webhook failed")
	}
}

// serverDown fires after the debounce window with no recovery.
func (d *Dispatcher) serverDown(serverID, serverName string) {
	d.logger.Warn().
		Str("server_id", serverID).
		Str("server_name", serverName).
		Msg("server down past debounce window")

	if !d.cfg.NotifyServerState || !d.webhook.Enabled() {
		return
	}
	payload := models.FallbackEvent{ServerID: serverID, ServerName: serverName}
	if err := d.webhook.Send(context.Background(), "server_down", payload); err != nil {
		d.logger.Error().Err(err).Str("server_id", serverID).Msg("server-down webhook failed")
	}
}

func decodeFallback(event *models.Event) (*models.FallbackEvent, error) {
	var fe models.FallbackEvent
	if err := json.Unmarshal(event.Payload, &fe); err != nil {
		return nil, fmt.Errorf("decode fallback payload: %w", err)
	}
	return &fe, nil
}
