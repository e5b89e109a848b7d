// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/models"
)

// PlexClient reads active sessions from a Plex Media Server.
type PlexClient struct {
	server     models.Server
	httpClient *http.Client
}

// NewPlexClient builds a Plex client for one server.
func NewPlexClient(server models.Server, timeout time.Duration) *PlexClient {
	server.URL = strings.TrimSuffix(server.URL, "/")
	return &PlexClient{
		server:     server,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Server returns the server this client talks to.
func (c *PlexClient) Server() models.Server { return c.server }

// plexSessionsResponse mirrors GET /status/sessions.
type plexSessionsResponse struct {
	MediaContainer struct {
		Size     int           `json:"size"`
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

type plexSession struct {
	SessionKey string `json:"sessionKey"`
	RatingKey  string `json:"ratingKey"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	ViewOffset int64  `json:"viewOffset"`
	Duration   int64  `json:"duration"`

	User *struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
	} `json:"User"`

	Player *struct {
		Address   string `json:"address"`
		MachineID string `json:"machineIdentifier"`
		Platform  string `json:"platform"`
		Product   string `json:"product"`
		State     string `json:"state"`
		Local     bool   `json:"local"`
	} `json:"Player"`

	Media []struct {
		VideoResolution string `json:"videoResolution"`
	} `json:"Media"`
}

// Ping verifies connectivity and the token.
func (c *PlexClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server.URL+"/identity", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.server.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex ping returned status %d", resp.StatusCode)
	}
	return nil
}

// FetchSessions returns the currently active sessions, normalized.
//
// Endpoint: GET /status/sessions
func (c *PlexClient) FetchSessions(ctx context.Context) ([]models.RawSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server.URL+"/status/sessions", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.server.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex sessions request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plex sessions returned status %d", resp.StatusCode)
	}

	var parsed plexSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode plex sessions: %w", err)
	}

	out := make([]models.RawSession, 0, len(parsed.MediaContainer.Metadata))
	for i := range parsed.MediaContainer.Metadata {
		out = append(out, normalizePlexSession(&parsed.MediaContainer.Metadata[i]))
	}
	return out, nil
}

func normalizePlexSession(s *plexSession) models.RawSession {
	raw := models.RawSession{
		SessionKey:      sessionKeyOrFallback(s.SessionKey, s.RatingKey),
		RatingKey:       s.RatingKey,
		State:           models.StatePlaying,
		ProgressMs:      s.ViewOffset,
		TotalDurationMs: s.Duration,
		MediaTitle:      s.Title,
		MediaType:       s.Type,
	}

	if s.User != nil {
		raw.UserExternalID = s.User.ID.String()
		raw.Username = s.User.Title
	}
	if s.Player != nil {
		if s.Player.State == "paused" {
			raw.State = models.StatePaused
		}
		raw.DeviceID = s.Player.MachineID
		raw.Platform = s.Player.Platform
		raw.Player = s.Player.Product
		raw.IPAddress = geo.NormalizeIP(s.Player.Address)
		raw.Local = s.Player.Local
	}
	if len(s.Media) > 0 {
		raw.VideoResolution = s.Media[0].VideoResolution
	}
	return raw
}

// Some Plex builds omit sessionKey on freshly started sessions. The
// rating key stands in until the next poll fills it.
func sessionKeyOrFallback(sessionKey, ratingKey string) string {
	if sessionKey != "" {
		return sessionKey
	}
	return ratingKey
}
