// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/logging"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/registry"
	"github.com/sharewatch/sharewatch/internal/store"
)

type fakeCoordinator struct {
	states    map[string]models.ConnectionState
	triggered bool
}

func (f *fakeCoordinator) States() map[string]models.ConnectionState { return f.states }
func (f *fakeCoordinator) TriggerPoll()                              { f.triggered = true }

func newTestServer(t *testing.T, coord Coordinator) (*httptest.Server, *store.DB, *registry.Registry) {
	t.Helper()
	db, err := store.New(config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg, err := registry.Open("")
	if err != nil {
		t.Fatalf("open in-memory registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	s := New(config.APIConfig{Timeout: 5 * time.Second}, db, reg, coord, logging.NewTestLogger(io.Discard))
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	return ts, db, reg
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	coord := &fakeCoordinator{states: map[string]models.ConnectionState{
		"srv1": models.ConnConnected,
		"srv2": models.ConnFallback,
	}}
	ts, _, reg := newTestServer(t, coord)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := reg.Put(ctx, &models.ActiveSession{
			ID:         uuid.NewString(),
			ServerID:   "srv1",
			SessionKey: uuid.NewString(),
			IdentityID: "alice",
			State:      models.StatePlaying,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var resp statusResponse
	if code := getJSON(t, ts.URL+"/api/v1/status", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Servers["srv2"] != models.ConnFallback {
		t.Errorf("srv2 state = %q", resp.Servers["srv2"])
	}
	if resp.ActiveSessions["srv1"] != 3 || resp.Total != 3 {
		t.Errorf("active counts = %v total %d, want srv1:3", resp.ActiveSessions, resp.Total)
	}
}

func TestViolationListAndAcknowledge(t *testing.T) {
	ts, db, _ := newTestServer(t, nil)
	ctx := context.Background()

	user, err := db.ResolveUser(ctx, "srv1", "ext1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	v := models.Violation{
		ID:           uuid.NewString(),
		RuleID:       uuid.NewString(),
		RuleType:     models.RuleTypeConcurrentStreams,
		ServerUserID: user.ID,
		SessionID:    uuid.NewString(),
		Severity:     models.SeverityWarning,
		Summary:      "3 concurrent streams",
		CreatedAt:    time.Now(),
	}
	if err := db.RecordViolations(ctx, []models.Violation{v}, user.ID, 10); err != nil {
		t.Fatal(err)
	}

	var list []models.Violation
	if code := getJSON(t, ts.URL+"/api/v1/violations?unacknowledged=true", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list) != 1 || list[0].ID != v.ID {
		t.Fatalf("list = %+v, want the recorded violation", list)
	}

	resp, err := http.Post(ts.URL+"/api/v1/violations/"+v.ID+"/ack?by=admin", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}

	list = nil
	getJSON(t, ts.URL+"/api/v1/violations?unacknowledged=true", &list)
	if len(list) != 0 {
		t.Errorf("acknowledged violation still listed as outstanding")
	}

	resp, err = http.Post(ts.URL+"/api/v1/violations/"+uuid.NewString()+"/ack", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown violation ack status = %d, want 404", resp.StatusCode)
	}
}

func TestIdentityTrust(t *testing.T) {
	ts, db, _ := newTestServer(t, nil)
	ctx := context.Background()

	if code := getJSON(t, ts.URL+"/api/v1/users/nobody/trust", nil); code != http.StatusNotFound {
		t.Fatalf("unknown identity status = %d", code)
	}

	user, err := db.ResolveUser(ctx, "srv1", "ext1", "Alice")
	if err != nil {
		t.Fatal(err)
	}

	var resp trustResponse
	if code := getJSON(t, ts.URL+"/api/v1/users/"+user.IdentityID+"/trust", &resp); code != http.StatusOK {
		t.Fatalf("trust status = %d", code)
	}
	if resp.Score != 100 {
		t.Errorf("fresh identity score = %d, want 100", resp.Score)
	}
	if len(resp.Accounts) != 1 {
		t.Errorf("accounts = %d, want 1", len(resp.Accounts))
	}
}

func TestTriggerPoll(t *testing.T) {
	coord := &fakeCoordinator{}
	ts, _, _ := newTestServer(t, coord)

	resp, err := http.Post(ts.URL+"/api/v1/poll", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	if !coord.triggered {
		t.Error("TriggerPoll never reached the coordinator")
	}
}
