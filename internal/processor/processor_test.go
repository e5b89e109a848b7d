// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package processor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/logging"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/registry"
	"github.com/sharewatch/sharewatch/internal/store"
	"github.com/sharewatch/sharewatch/internal/trust"
)

var testServer = models.Server{ID: "srv1", Name: "den", Type: models.ServerTypePlex}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *recordingPublisher) PublishEvent(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) countByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestProcessor(t *testing.T) (*Processor, *store.DB, *registry.Registry) {
	return newTestProcessorWith(t, nil)
}

func newTestProcessorWith(t *testing.T, pub bus.Publisher) (*Processor, *store.DB, *registry.Registry) {
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

	logger := logging.NewTestLogger(io.Discard)
	applier := trust.NewApplier(db, pub, logger)
	p := New(db, reg, pub, nil, applier, Config{
		StaleTimeout:      5 * time.Minute,
		MinPlayTimeMs:     1000,
		WatchThreshold:    0.85,
		ResumeThresholdMs: 60_000,
		RecentWindow:      24 * time.Hour,
	}, logger)
	return p, db, reg
}

func rawSession(key, ratingKey string) models.RawSession {
	return models.RawSession{
		SessionKey:      key,
		RatingKey:       ratingKey,
		UserExternalID:  "ext1",
		Username:        "Alice",
		State:           models.StatePlaying,
		TotalDurationMs: 3_600_000,
		MediaTitle:      "The Long Haul",
		MediaType:       "movie",
		DeviceID:        "dev1",
		Platform:        "Roku",
		Player:          "Roku Ultra",
		IPAddress:       "192.168.1.50",
		Local:           true,
	}
}

func TestPollStartsAndStopsSession(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	active, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if active.State != models.StatePlaying {
		t.Errorf("state = %q, want playing", active.State)
	}
	if active.GeoCountry != "Local Network" {
		t.Errorf("local session country = %q, want sentinel", active.GeoCountry)
	}

	rec.ProgressMs = 600_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if err := p.ProcessPoll(ctx, testServer, nil, t0.Add(11*time.Minute)); err != nil {
		t.Fatalf("empty poll: %v", err)
	}

	if _, err := reg.Get(ctx, "srv1", "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("stopped session still registered, err = %v", err)
	}

	row, err := db.GetSession(ctx, active.ID)
	if err != nil {
		t.Fatalf("closed session missing from history: %v", err)
	}
	if row.StoppedAt == nil {
		t.Fatal("StoppedAt not set")
	}
	if row.Watched {
		t.Error("10 minutes of a 60 minute film should not count as watched")
	}
	if row.DurationMs != 11*60_000 {
		t.Errorf("duration = %d, want %d", row.DurationMs, 11*60_000)
	}
}

func TestShortSessionDiscarded(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	active, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.ProcessPoll(ctx, testServer, nil, t0.Add(500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetSession(ctx, active.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("sub-threshold session should be discarded, err = %v", err)
	}
}

func TestPauseTimeExcludedFromDuration(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	active, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	rec.State = models.StatePaused
	rec.ProgressMs = 60_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(1*time.Minute)); err != nil {
		t.Fatal(err)
	}

	rec.State = models.StatePlaying
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(3*time.Minute)); err != nil {
		t.Fatal(err)
	}

	rec.ProgressMs = 480_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(9*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessPoll(ctx, testServer, nil, t0.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	row, err := db.GetSession(ctx, active.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.PausedDurationMs != 2*60_000 {
		t.Errorf("paused = %d, want %d", row.PausedDurationMs, 2*60_000)
	}
	if row.DurationMs != 8*60_000 {
		t.Errorf("duration = %d, want wall time minus pause = %d", row.DurationMs, 8*60_000)
	}
}

func TestMediaChangeUnderReusedSessionKey(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "ep1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	first, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	next := rawSession("s1", "ep2")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{next}, t0.Add(45*time.Minute)); err != nil {
		t.Fatal(err)
	}

	second, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatalf("successor session not registered: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("media change must open a new session")
	}
	if second.RatingKey != "ep2" {
		t.Errorf("successor rating key = %q, want ep2", second.RatingKey)
	}
	if second.ReferenceID == nil || *second.ReferenceID != first.ID {
		t.Errorf("successor should chain to %s, got %v", first.ID, second.ReferenceID)
	}

	row, err := db.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("superseded session missing from history: %v", err)
	}
	if row.StoppedAt == nil {
		t.Error("superseded session should be closed")
	}
}

func TestQualityChangeSupersedesSession(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	first, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	// Transcode restart: same viewer and content under a fresh key.
	restarted := rawSession("s2", "r1")
	restarted.VideoResolution = "720p"
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec, restarted}, t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Get(ctx, "srv1", "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("superseded session still active, err = %v", err)
	}
	second, err := reg.Get(ctx, "srv1", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ReferenceID == nil || *second.ReferenceID != first.ID {
		t.Errorf("quality change should chain to %s, got %v", first.ID, second.ReferenceID)
	}

	row, err := db.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.StoppedAt == nil {
		t.Error("superseded session should be closed")
	}
}

func TestResumeGroupsWithRecentStop(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	first, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	rec.ProgressMs = 1_200_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(20*time.Minute)); err != nil {
		t.Fatal(err)
	}
	stopAt := t0.Add(21 * time.Minute)
	if err := p.ProcessPoll(ctx, testServer, nil, stopAt); err != nil {
		t.Fatal(err)
	}

	resumed := rawSession("s9", "r1")
	resumed.ProgressMs = 1_200_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{resumed}, stopAt.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get(ctx, "srv1", "s9")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferenceID == nil || *got.ReferenceID != first.ID {
		t.Errorf("resume within threshold should chain to %s, got %v", first.ID, got.ReferenceID)
	}
}

func TestResumeAfterThresholdStartsFresh(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	rec.ProgressMs = 1_200_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	stopAt := t0.Add(20 * time.Minute)
	if err := p.ProcessPoll(ctx, testServer, nil, stopAt); err != nil {
		t.Fatal(err)
	}

	resumed := rawSession("s9", "r1")
	resumed.ProgressMs = 1_200_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{resumed}, stopAt.Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get(ctx, "srv1", "s9")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferenceID != nil {
		t.Errorf("gap past threshold should start a fresh chain, got ref %v", got.ReferenceID)
	}
}

func TestSweepStaleClosesAtLastSeen(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	rec.ProgressMs = 360_000
	lastSeen := t0.Add(6 * time.Minute)
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, lastSeen); err != nil {
		t.Fatal(err)
	}
	active, err := reg.Get(ctx, "srv1", "s1")
	if err != nil {
		t.Fatal(err)
	}

	// Not yet stale.
	if err := p.SweepStale(ctx, lastSeen.Add(4*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(ctx, "srv1", "s1"); err != nil {
		t.Fatalf("session swept before timeout: %v", err)
	}

	if err := p.SweepStale(ctx, lastSeen.Add(6*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(ctx, "srv1", "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("stale session still registered, err = %v", err)
	}

	row, err := db.GetSession(ctx, active.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.StoppedAt == nil || !row.StoppedAt.Equal(lastSeen) {
		t.Errorf("stale session should close at last-seen %v, got %v", lastSeen, row.StoppedAt)
	}
}

func TestStartCommitsSessionWithItsViolations(t *testing.T) {
	p, db, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rule := &models.Rule{
		Type: models.RuleTypeConcurrentStreams,
		Params: models.ConcurrentStreamsParams{
			MaxStreams: 1,
			Severity:   models.SeverityWarning,
		},
		IsActive: true,
	}
	if err := db.UpsertRule(ctx, rule); err != nil {
		t.Fatal(err)
	}

	first := rawSession("s1", "r1")
	second := rawSession("s2", "r2")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{first, second}, t0); err != nil {
		t.Fatal(err)
	}

	offending, err := reg.Get(ctx, "srv1", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetSession(ctx, offending.ID); err != nil {
		t.Fatalf("offending session missing from history: %v", err)
	}

	user, err := db.ResolveUser(ctx, "srv1", "ext1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	violations, err := db.ListViolations(ctx, store.ViolationFilter{ServerUserID: user.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].SessionID != offending.ID {
		t.Errorf("violation bound to %q, want %q", violations[0].SessionID, offending.ID)
	}
	if user.TrustScore != 90 {
		t.Errorf("trust after warning = %d, want 90", user.TrustScore)
	}
}

func TestProgressOnlyUpdatePublishesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	p, _, _ := newTestProcessorWith(t, pub)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	rec := rawSession("s1", "r1")
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0); err != nil {
		t.Fatal(err)
	}
	if n := pub.countByType(models.EventSessionStarted); n != 1 {
		t.Fatalf("started events = %d, want 1", n)
	}

	// State stays playing, only the position moves.
	rec.ProgressMs = 600_000
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n := pub.countByType(models.EventSessionUpdated); n != 1 {
		t.Errorf("progress-only poll published %d updated events, want 1", n)
	}

	// Nothing changed, nothing to announce.
	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{rec}, t0.Add(11*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n := pub.countByType(models.EventSessionUpdated); n != 1 {
		t.Errorf("unchanged poll published %d updated events, want 1", n)
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	bad := rawSession("s1", "r1")
	bad.UserExternalID = ""
	good := rawSession("s2", "r2")

	if err := p.ProcessPoll(ctx, testServer, []models.RawSession{bad, good}, t0); err != nil {
		t.Fatalf("malformed record should not fail the cycle: %v", err)
	}

	if _, err := reg.Get(ctx, "srv1", "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Error("malformed record should not register a session")
	}
	if _, err := reg.Get(ctx, "srv1", "s2"); err != nil {
		t.Errorf("well-formed record should register: %v", err)
	}
}
