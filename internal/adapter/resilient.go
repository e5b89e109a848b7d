// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package adapter

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/sharewatch/sharewatch/internal/logging"
	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
)

// ResilienceConfig tunes the wrapper around a vendor client.
type ResilienceConfig struct {
	RateLimitPerSec   float64
	BreakerMaxFails   uint32
	BreakerOpenPeriod time.Duration
}

// resilientClient wraps a vendor client with a rate limiter and a
// circuit breaker so one misbehaving server cannot soak the
// coordinator in timeouts.
type resilientClient struct {
	inner   Client
	cb      *gobreaker.CircuitBreaker[[]models.RawSession]
	limiter *rate.Limiter
}

// WithResilience wraps a client. A zero rate limit disables limiting.
func WithResilience(inner Client, cfg ResilienceConfig) Client {
	serverID := inner.Server().ID

	cb := gobreaker.NewCircuitBreaker[[]models.RawSession](gobreaker.Settings{
		Name:        "adapter-" + serverID,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerStateChanges.WithLabelValues(serverID, to.String()).Inc()
			logging.Info().
				Str("server_id", serverID).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("adapter breaker state change")
		},
	})

	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}

	return &resilientClient{inner: inner, cb: cb, limiter: limiter}
}

func (c *resilientClient) Server() models.Server { return c.inner.Server() }

func (c *resilientClient) Ping(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.cb.Execute(func() ([]models.RawSession, error) {
		return nil, c.inner.Ping(ctx)
	})
	return err
}

func (c *resilientClient) FetchSessions(ctx context.Context) ([]models.RawSession, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.cb.Execute(func() ([]models.RawSession, error) {
		return c.inner.FetchSessions(ctx)
	})
}

func (c *resilientClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
