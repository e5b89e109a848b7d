// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sharewatch/sharewatch/internal/models"
)

func TestPlexFetchSessionsNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Plex-Token") != "tok" {
			t.Error("missing plex token header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"MediaContainer":{"size":2,"Metadata":[
			{"sessionKey":"12","ratingKey":"9001","type":"movie","title":"Heat",
			 "viewOffset":120000,"duration":10200000,
			 "User":{"id":42,"title":"alice"},
			 "Player":{"address":"203.0.113.7","machineIdentifier":"dev-1",
				"platform":"iOS","product":"Plex for iOS","state":"paused","local":false},
			 "Media":[{"videoResolution":"1080"}]},
			{"sessionKey":"13","ratingKey":"9002","type":"episode","title":"Pilot",
			 "viewOffset":5000,"duration":2700000,
			 "User":{"id":43,"title":"bob"},
			 "Player":{"address":"192.168.1.20","machineIdentifier":"dev-2",
				"platform":"tvOS","product":"Plex for Apple TV","state":"playing","local":true}}
		]}}`))
	}))
	defer srv.Close()

	c := NewPlexClient(models.Server{
		ID: "srv1", Type: models.ServerTypePlex, URL: srv.URL, Token: "tok",
	}, 5*time.Second)

	sessions, err := c.FetchSessions(context.Background())
	if err != nil {
		t.Fatalf("FetchSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}

	s := sessions[0]
	if s.SessionKey != "12" || s.RatingKey != "9001" {
		t.Errorf("keys = %q/%q", s.SessionKey, s.RatingKey)
	}
	if s.State != models.StatePaused {
		t.Errorf("state = %q, want paused", s.State)
	}
	if s.UserExternalID != "42" || s.Username != "alice" {
		t.Errorf("user = %q/%q", s.UserExternalID, s.Username)
	}
	if s.ProgressMs != 120000 || s.TotalDurationMs != 10200000 {
		t.Errorf("progress = %d/%d", s.ProgressMs, s.TotalDurationMs)
	}
	if s.IPAddress != "203.0.113.7" || s.Local {
		t.Errorf("network = %q local=%v", s.IPAddress, s.Local)
	}
	if s.VideoResolution != "1080" {
		t.Errorf("resolution = %q", s.VideoResolution)
	}
	if s.PausedAt != nil {
		t.Error("plex sessions carry no vendor pause timestamp")
	}

	if sessions[1].State != models.StatePlaying || !sessions[1].Local {
		t.Errorf("second session = %+v", sessions[1])
	}
}

func TestEmbyStyleFetchSessionsNormalizes(t *testing.T) {
	pausedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Emby-Token") != "key" {
			t.Error("missing emby token header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"Id":"sess-a","UserId":"u-1","UserName":"carol","Client":"Jellyfin Web",
			 "DeviceId":"d-1","DeviceName":"Firefox","RemoteEndPoint":"198.51.100.4:54012",
			 "LastPausedDate":"2026-03-01T12:00:00Z",
			 "NowPlayingItem":{"Id":"item-1","Name":"Dune","Type":"Movie",
				"RunTimeTicks":93000000000,"Width":3840,"Height":2160},
			 "PlayState":{"PositionTicks":600000000,"IsPaused":true}},
			{"Id":"sess-idle","UserId":"u-2","UserName":"dan","Client":"Jellyfin Web",
			 "DeviceId":"d-2","DeviceName":"Chrome","RemoteEndPoint":"10.0.0.5:1234"}
		]`))
	}))
	defer srv.Close()

	c := NewEmbyStyleClient(models.Server{
		ID: "srv2", Type: models.ServerTypeJellyfin, URL: srv.URL, Token: "key",
	}, 5*time.Second)

	sessions, err := c.FetchSessions(context.Background())
	if err != nil {
		t.Fatalf("FetchSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 (idle sessions dropped)", len(sessions))
	}

	s := sessions[0]
	if s.SessionKey != "sess-a" || s.RatingKey != "item-1" {
		t.Errorf("keys = %q/%q", s.SessionKey, s.RatingKey)
	}
	if s.State != models.StatePaused {
		t.Errorf("state = %q, want paused", s.State)
	}
	if s.ProgressMs != 60000 {
		t.Errorf("progress = %d, want 60000 (ticks / 10000)", s.ProgressMs)
	}
	if s.TotalDurationMs != 9300000 {
		t.Errorf("duration = %d, want 9300000", s.TotalDurationMs)
	}
	if s.IPAddress != "198.51.100.4" {
		t.Errorf("ip = %q, want port stripped", s.IPAddress)
	}
	if s.Local {
		t.Error("public IP should not be local")
	}
	if s.PausedAt == nil || !s.PausedAt.Equal(pausedAt) {
		t.Errorf("paused at = %v, want %v", s.PausedAt, pausedAt)
	}
	if s.VideoResolution != "2160p" {
		t.Errorf("resolution = %q", s.VideoResolution)
	}
	if s.MediaType != "movie" {
		t.Errorf("media type = %q", s.MediaType)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(models.Server{Type: "kodi"}, time.Second)
	if err == nil {
		t.Error("expected error for unsupported server type")
	}
}

type failingClient struct {
	server models.Server
	calls  int
}

func (f *failingClient) Server() models.Server          { return f.server }
func (f *failingClient) Ping(ctx context.Context) error { return nil }
func (f *failingClient) FetchSessions(ctx context.Context) ([]models.RawSession, error) {
	f.calls++
	return nil, errors.New("boom")
}

func TestResilienceBreakerOpens(t *testing.T) {
	inner := &failingClient{server: models.Server{ID: "srv1"}}
	c := WithResilience(inner, ResilienceConfig{
		BreakerMaxFails:   3,
		BreakerOpenPeriod: time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = c.FetchSessions(ctx)
	}

	if inner.calls != 3 {
		t.Errorf("upstream calls = %d, want 3 before the breaker opened", inner.calls)
	}
}

func TestStreamerUnwrapsResilience(t *testing.T) {
	plex := NewPlexClient(models.Server{ID: "p", Type: models.ServerTypePlex,
		URL: "http://localhost:32400", Token: "t"}, time.Second)
	wrapped := WithResilience(plex, ResilienceConfig{BreakerMaxFails: 1, BreakerOpenPeriod: time.Second})

	if _, ok := Streamer(wrapped); !ok {
		t.Error("wrapped plex client should expose its streamer")
	}

	jelly := NewEmbyStyleClient(models.Server{ID: "j", Type: models.ServerTypeJellyfin,
		URL: "http://localhost:8096", Token: "t"}, time.Second)
	if _, ok := Streamer(jelly); ok {
		t.Error("jellyfin client has no push channel")
	}
}
