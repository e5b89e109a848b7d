// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/sharewatch/sharewatch/internal/models"
)

// NATSConfig configures the JetStream-backed bus.
type NATSConfig struct {
	URL            string
	DurableName    string
	QueueGroup     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	AckWaitTimeout time.Duration
	CloseTimeout   time.Duration
}

// DefaultNATSConfig returns production defaults for a local embedded
// server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://127.0.0.1:4222",
		DurableName:    "sharewatch",
		QueueGroup:     "sharewatch",
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		AckWaitTimeout: 30 * time.Second,
		CloseTimeout:   30 * time.Second,
	}
}

// NATSBus publishes and subscribes over NATS JetStream with message-id
// deduplication. It implements Publisher and Subscriber.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewNATSBus connects a JetStream publisher and subscriber. Reconnects
// are handled by the NATS client; publish failures during an outage
// surface to the caller and are retried by the next cycle.
func NewNATSBus(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSBus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
			},
		},
	}, logger)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSBus{publisher: pub, subscriber: sub}, nil
}

// PublishEvent implements Publisher. The envelope id doubles as the
// Nats-Msg-Id so redeliveries deduplicate server-side.
func (b *NATSBus) PublishEvent(ctx context.Context, event *models.Event) error {
	msg, err := marshalEvent(event)
	if err != nil {
		return err
	}
	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}
	return b.publisher.Publish(TopicForEvent(event.Type), msg)
}

// Subscribe implements Subscriber.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Close closes the publisher then the subscriber.
func (b *NATSBus) Close() error {
	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
