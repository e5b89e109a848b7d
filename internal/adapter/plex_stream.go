// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package adapter

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReadDeadline     = 90 * time.Second
)

// plexNotification mirrors the envelope Plex pushes on
// /:/websockets/notifications.
type plexNotification struct {
	NotificationContainer struct {
		Type string `json:"type"`
	} `json:"NotificationContainer"`
}

// StreamEvents connects to the Plex notification WebSocket and invokes
// notify on every playback notification. It returns when the stream
// drops or the context ends; the caller owns reconnection policy.
func (c *PlexClient) StreamEvents(ctx context.Context, notify func()) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  wsHandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go pingLoop(ctx, conn, done)

	// First notify doubles as the connected signal and primes a poll to
	// catch up on anything missed while the stream was down.
	notify()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		var n plexNotification
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		switch n.NotificationContainer.Type {
		case "playing", "transcodeSession.update", "transcodeSession.end":
			notify()
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// websocketURL converts the server base URL to the notification
// endpoint: ws(s)://host/:/websockets/notifications?X-Plex-Token=...
func (c *PlexClient) websocketURL() (string, error) {
	parsed, err := url.Parse(c.server.URL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}

	ws := url.URL{
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   "/:/websockets/notifications",
	}
	q := ws.Query()
	q.Set("X-Plex-Token", c.server.Token)
	ws.RawQuery = q.Encode()
	return ws.String(), nil
}
