// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package adapter talks to the upstream media servers. Each vendor
// client normalizes its API responses into models.RawSession so the
// rest of the pipeline never sees vendor payloads.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/sharewatch/sharewatch/internal/models"
)

// Client fetches the active sessions of one media server.
type Client interface {
	Server() models.Server
	Ping(ctx context.Context) error
	FetchSessions(ctx context.Context) ([]models.RawSession, error)
}

// EventStreamer is the optional push capability. StreamEvents blocks
// until the stream drops or the context is canceled; notify fires once
// on a successful handshake and then on every playback activity, so
// the caller can trigger an immediate poll.
type EventStreamer interface {
	StreamEvents(ctx context.Context, notify func()) error
}

// New builds the vendor client for a server.
func New(server models.Server, timeout time.Duration) (Client, error) {
	switch server.Type {
	case models.ServerTypePlex:
		return NewPlexClient(server, timeout), nil
	case models.ServerTypeJellyfin, models.ServerTypeEmby:
		return NewEmbyStyleClient(server, timeout), nil
	}
	return nil, fmt.Errorf("unsupported server type %q", server.Type)
}

// Streamer unwraps the push capability of a client, looking through
// the resilience wrapper.
func Streamer(c Client) (EventStreamer, bool) {
	if rc, ok := c.(*resilientClient); ok {
		c = rc.inner
	}
	s, ok := c.(EventStreamer)
	return s, ok
}
