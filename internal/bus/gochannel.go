// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/sharewatch/sharewatch/internal/models"
)

// GoChannelBus is an in-process pub/sub bus. Suitable for tests and
// single-binary deployments where no external broker is configured.
type GoChannelBus struct {
	pubsub *gochannel.GoChannel
}

// NewGoChannelBus creates an in-process bus. Subscribers joining after
// a publish do not receive earlier messages.
func NewGoChannelBus(logger watermill.LoggerAdapter) *GoChannelBus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &GoChannelBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

// PublishEvent implements Publisher.
func (b *GoChannelBus) PublishEvent(ctx context.Context, event *models.Event) error {
	msg, err := marshalEvent(event)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(TopicForEvent(event.Type), msg)
}

// Subscribe implements Subscriber.
func (b *GoChannelBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down; pending deliveries are dropped.
func (b *GoChannelBus) Close() error {
	return b.pubsub.Close()
}
