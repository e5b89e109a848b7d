// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/models"
)

// ticksPerMillisecond converts the 100ns ticks Jellyfin and Emby report
// into milliseconds.
const ticksPerMillisecond = 10_000

// EmbyStyleClient reads active sessions from a Jellyfin or Emby server.
// The two expose the same /Sessions surface and the same X-Emby-Token
// authentication.
type EmbyStyleClient struct {
	server     models.Server
	httpClient *http.Client
}

// NewEmbyStyleClient builds a client for a Jellyfin or Emby server.
func NewEmbyStyleClient(server models.Server, timeout time.Duration) *EmbyStyleClient {
	server.URL = strings.TrimSuffix(server.URL, "/")
	return &EmbyStyleClient{
		server:     server,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Server returns the server this client talks to.
func (c *EmbyStyleClient) Server() models.Server { return c.server }

// embySession mirrors the subset of GET /Sessions both vendors share.
type embySession struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceID       string `json:"DeviceId"`
	DeviceName     string `json:"DeviceName"`
	RemoteEndPoint string `json:"RemoteEndPoint"`

	// LastPausedDate is the vendor's precise pause timestamp, present
	// on newer Jellyfin releases while a session is paused.
	LastPausedDate *time.Time `json:"LastPausedDate,omitempty"`

	NowPlayingItem *struct {
		ID           string `json:"Id"`
		Name         string `json:"Name"`
		Type         string `json:"Type"`
		RunTimeTicks int64  `json:"RunTimeTicks"`
		Width        int    `json:"Width"`
		Height       int    `json:"Height"`
	} `json:"NowPlayingItem"`

	PlayState *struct {
		PositionTicks int64 `json:"PositionTicks"`
		IsPaused      bool  `json:"IsPaused"`
	} `json:"PlayState"`
}

// Ping verifies connectivity and the API key.
func (c *EmbyStyleClient) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "/System/Info")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s ping returned status %d", c.server.Type, resp.StatusCode)
	}
	return nil
}

// FetchSessions returns sessions with active playback, normalized.
// Idle sessions (no NowPlayingItem) are not playback and are dropped.
//
// Endpoint: GET /Sessions
func (c *EmbyStyleClient) FetchSessions(ctx context.Context) ([]models.RawSession, error) {
	resp, err := c.doRequest(ctx, "/Sessions")
	if err != nil {
		return nil, fmt.Errorf("%s sessions request failed: %w", c.server.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s sessions returned status %d: %s",
			c.server.Type, resp.StatusCode, string(body))
	}

	var sessions []embySession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode %s sessions: %w", c.server.Type, err)
	}

	out := make([]models.RawSession, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		if s.NowPlayingItem == nil {
			continue
		}
		out = append(out, normalizeEmbySession(s))
	}
	return out, nil
}

func normalizeEmbySession(s *embySession) models.RawSession {
	raw := models.RawSession{
		SessionKey:      s.ID,
		RatingKey:       s.NowPlayingItem.ID,
		UserExternalID:  s.UserID,
		Username:        s.UserName,
		State:           models.StatePlaying,
		TotalDurationMs: s.NowPlayingItem.RunTimeTicks / ticksPerMillisecond,
		MediaTitle:      s.NowPlayingItem.Name,
		MediaType:       strings.ToLower(s.NowPlayingItem.Type),
		DeviceID:        s.DeviceID,
		Platform:        s.Client,
		Player:          s.DeviceName,
		IPAddress:       geo.NormalizeIP(s.RemoteEndPoint),
	}
	raw.Local = geo.IsPrivateIP(raw.IPAddress)

	if s.PlayState != nil {
		raw.ProgressMs = s.PlayState.PositionTicks / ticksPerMillisecond
		if s.PlayState.IsPaused {
			raw.State = models.StatePaused
			raw.PausedAt = s.LastPausedDate
		}
	}
	if s.NowPlayingItem.Height > 0 {
		raw.VideoResolution = fmt.Sprintf("%dp", s.NowPlayingItem.Height)
	}
	return raw
}

func (c *EmbyStyleClient) doRequest(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server.URL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.server.Token)
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}
