// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package processor reconciles poll snapshots against the active
// session registry: it opens, updates, chains and closes sessions,
// runs rule evaluation on every start, and emits lifecycle events.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/registry"
	"github.com/sharewatch/sharewatch/internal/rules"
	"github.com/sharewatch/sharewatch/internal/store"
	"github.com/sharewatch/sharewatch/internal/tracker"
	"github.com/sharewatch/sharewatch/internal/trust"
)

// Config tunes the session lifecycle.
type Config struct {
	StaleTimeout      time.Duration
	MinPlayTimeMs     int64
	WatchThreshold    float64
	ResumeThresholdMs int64
	RecentWindow      time.Duration
}

// Processor drives session state for all servers. All methods are safe
// for concurrent use across servers; per-identity work is serialized
// through the registry's identity locks.
type Processor struct {
	db        *store.DB
	reg       *registry.Registry
	publisher bus.Publisher
	resolver  geo.Resolver
	applier   *trust.Applier
	cfg       Config
	logger    zerolog.Logger
}

// New wires a processor. publisher and resolver may be nil.
func New(db *store.DB, reg *registry.Registry, publisher bus.Publisher, resolver geo.Resolver, applier *trust.Applier, cfg Config, logger zerolog.Logger) *Processor {
	return &Processor{
		db:        db,
		reg:       reg,
		publisher: publisher,
		resolver:  resolver,
		applier:   applier,
		cfg:       cfg,
		logger:    logger.With().Str("component", "processor").Logger(),
	}
}

// ProcessPoll reconciles one poll snapshot for a server. Sessions in
// the snapshot but not the registry start; sessions in both update;
// registry sessions missing from the snapshot stop. One bad record
// never aborts the rest of the cycle.
func (p *Processor) ProcessPoll(ctx context.Context, server models.Server, snapshot []models.RawSession, now time.Time) error {
	existing, err := p.reg.ListByServer(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	byKey := make(map[string]*models.ActiveSession, len(existing))
	for i := range existing {
		byKey[existing[i].SessionKey] = &existing[i]
	}

	var errs []error
	seen := make(map[string]bool, len(snapshot))
	for i := range snapshot {
		rec := &snapshot[i]
		if rec.SessionKey == "" || rec.UserExternalID == "" {
			metrics.MalformedRecordsSkipped.WithLabelValues(server.ID).Inc()
			p.logger.Warn().
				Str("server_id", server.ID).
				Str("session_key", rec.SessionKey).
				Str("user", rec.Username).
				Msg("skipping malformed session record")
			continue
		}
		seen[rec.SessionKey] = true

		if ex, ok := byKey[rec.SessionKey]; ok {
			if err := p.handleUpdate(ctx, server, ex, rec, now); err != nil {
				errs = append(errs, err)
			}
		} else {
			if err := p.handleStart(ctx, server, rec, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for i := range existing {
		ex := &existing[i]
		if !seen[ex.SessionKey] {
			if err := p.stopSession(ctx, ex, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if remaining, err := p.reg.ListByServer(ctx, server.ID); err == nil {
		metrics.ActiveSessions.WithLabelValues(server.ID).Set(float64(len(remaining)))
	}

	return errors.Join(errs...)
}

// handleStart opens a session. The identity lock makes concurrent
// starts of the same session single-flight: the loser re-reads the
// registry and downgrades to an update.
func (p *Processor) handleStart(ctx context.Context, server models.Server, rec *models.RawSession, now time.Time) error {
	user, err := p.db.ResolveUser(ctx, server.ID, rec.UserExternalID, rec.Username)
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", rec.UserExternalID, err)
	}

	unlock, err := p.reg.LockIdentity(ctx, user.IdentityID)
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", user.IdentityID, err)
	}
	defer unlock()

	if ex, err := p.reg.Get(ctx, server.ID, rec.SessionKey); err == nil {
		return p.handleUpdate(ctx, server, ex, rec, now)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("registry read: %w", err)
	}

	return p.openSession(ctx, server, user, rec, nil, now)
}

// openSession creates the active session, resolves its chain links,
// persists it, evaluates rules, and publishes session:started.
// presetRef pins the reference chain for media-change successors.
func (p *Processor) openSession(ctx context.Context, server models.Server, user *models.ServerUser, rec *models.RawSession, presetRef *string, now time.Time) error {
	active := &models.ActiveSession{
		ID:              uuid.NewString(),
		ServerID:        server.ID,
		SessionKey:      rec.SessionKey,
		RatingKey:       rec.RatingKey,
		ServerUserID:    user.ID,
		IdentityID:      user.IdentityID,
		Username:        user.Username,
		State:           models.StatePlaying,
		StartedAt:       now,
		LastSeenAt:      now,
		ProgressMs:      rec.ProgressMs,
		TotalDurationMs: rec.TotalDurationMs,
		ReferenceID:     presetRef,
		MediaTitle:      rec.MediaTitle,
		MediaType:       rec.MediaType,
		DeviceID:        rec.DeviceID,
		Platform:        rec.Platform,
		Player:          rec.Player,
		IPAddress:       rec.IPAddress,
		Local:           rec.Local,
		VideoResolution: rec.VideoResolution,
	}
	tracker.ApplyStateTransition(active, rec.State, rec.PausedAt, now)

	p.enrichLocation(ctx, active)

	identityActive, err := p.reg.ListByIdentity(ctx, user.IdentityID)
	if err != nil {
		return fmt.Errorf("list identity sessions: %w", err)
	}

	if active.ReferenceID == nil {
		userActive := make([]models.ActiveSession, 0, len(identityActive))
		for _, s := range identityActive {
			if s.ServerUserID == user.ID {
				userActive = append(userActive, s)
			}
		}
		if superseded := tracker.FindQualityChange(rec, userActive); superseded != nil {
			root := superseded.ChainRoot()
			active.ReferenceID = &root
			p.logger.Debug().
				Str("session_id", active.ID).
				Str("superseded", superseded.ID).
				Msg("quality change detected")
			if err := p.stopSession(ctx, superseded, now); err != nil {
				return err
			}
		}
	}

	if active.ReferenceID == nil && rec.RatingKey != "" {
		prior, err := p.db.LatestSessionForContent(ctx, user.IdentityID, rec.RatingKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load prior session: %w", err)
		}
		if err == nil {
			active.ReferenceID = tracker.ShouldGroupWithPrevious(
				rec.ProgressMs, now, prior, p.cfg.ResumeThresholdMs)
		}
	}

	// The row, its violations and the trust debit commit as one
	// write. On failure the session was never created and the next
	// cycle retries the start from scratch.
	verdicts := p.evaluate(ctx, active, user, now)
	if p.applier != nil {
		if err := p.applier.ApplySession(ctx, openRow(active), user.ID, verdicts); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	} else if err := p.db.InsertSession(ctx, openRow(active)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := p.reg.Put(ctx, active); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	p.logger.Info().
		Str("server_id", server.ID).
		Str("session_id", active.ID).
		Str("user", active.Username).
		Str("title", active.MediaTitle).
		Msg("session started")

	p.publish(ctx, models.EventSessionStarted, active)
	return nil
}

// handleUpdate advances an existing session. A rating-key change under
// the same session key closes the old session and opens a chained
// successor.
func (p *Processor) handleUpdate(ctx context.Context, server models.Server, ex *models.ActiveSession, rec *models.RawSession, now time.Time) error {
	if tracker.IsMediaChange(ex, rec) {
		root := ex.ChainRoot()
		p.logger.Debug().
			Str("session_id", ex.ID).
			Str("old_rating_key", ex.RatingKey).
			Str("new_rating_key", rec.RatingKey).
			Msg("media change under reused session key")
		if err := p.stopSession(ctx, ex, now); err != nil {
			return err
		}
		user, err := p.db.ResolveUser(ctx, server.ID, rec.UserExternalID, rec.Username)
		if err != nil {
			return fmt.Errorf("resolve user %s: %w", rec.UserExternalID, err)
		}
		return p.openSession(ctx, server, user, rec, &root, now)
	}

	stateChanged := ex.State != rec.State
	progressChanged := ex.ProgressMs != rec.ProgressMs
	tracker.ApplyStateTransition(ex, rec.State, rec.PausedAt, now)

	ex.LastSeenAt = now
	ex.ProgressMs = rec.ProgressMs
	if rec.TotalDurationMs > 0 {
		ex.TotalDurationMs = rec.TotalDurationMs
	}
	if rec.VideoResolution != "" {
		ex.VideoResolution = rec.VideoResolution
	}
	if rec.IPAddress != "" && rec.IPAddress != ex.IPAddress {
		ex.IPAddress = rec.IPAddress
		ex.Local = rec.Local
		p.enrichLocation(ctx, ex)
	}

	if err := p.reg.Put(ctx, ex); err != nil {
		return fmt.Errorf("update session %s: %w", ex.ID, err)
	}

	// Consumers track playback position, so progress movement alone
	// is an update worth announcing.
	if stateChanged || progressChanged {
		p.publish(ctx, models.EventSessionUpdated, ex)
	}
	return nil
}

// stopSession finalizes and removes an active session. Sessions below
// the minimum play time are dropped from history instead of closed.
func (p *Processor) stopSession(ctx context.Context, ex *models.ActiveSession, stoppedAt time.Time) error {
	res := tracker.FinalizeStop(ex, stoppedAt)
	watched := tracker.IsWatched(ex.ProgressMs, ex.TotalDurationMs, p.cfg.WatchThreshold)

	if !tracker.MeetsMinimumPlayTime(res.DurationMs, p.cfg.MinPlayTimeMs) {
		if err := p.db.DiscardSession(ctx, ex.ID); err != nil {
			return err
		}
		p.logger.Debug().
			Str("session_id", ex.ID).
			Int64("duration_ms", res.DurationMs).
			Msg("session below minimum play time, discarded")
	} else {
		if err := p.db.CloseSession(ctx, ex.ID, stoppedAt, res.DurationMs, res.PausedDurationMs, ex.ProgressMs, watched); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("close session %s: %w", ex.ID, err)
		}
		if err := p.db.IncrementSessionCount(ctx, ex.ServerUserID); err != nil {
			p.logger.Error().Err(err).Str("server_user_id", ex.ServerUserID).
				Msg("failed to bump session count")
		}
	}

	if err := p.reg.Delete(ctx, ex.ServerID, ex.SessionKey); err != nil {
		return fmt.Errorf("deregister session %s: %w", ex.ID, err)
	}

	p.logger.Info().
		Str("session_id", ex.ID).
		Str("user", ex.Username).
		Int64("duration_ms", res.DurationMs).
		Bool("watched", watched).
		Bool("cap_applied", res.CapApplied).
		Msg("session stopped")

	stopped := openRow(ex)
	stopped.StoppedAt = &stoppedAt
	stopped.DurationMs = res.DurationMs
	stopped.PausedDurationMs = res.PausedDurationMs
	stopped.Watched = watched
	p.publish(ctx, models.EventSessionStopped, stopped)
	return nil
}

// SweepStale force-stops sessions not seen within the stale timeout.
// The last-seen time, not the sweep time, closes the session so a dead
// stream does not inflate watch duration.
func (p *Processor) SweepStale(ctx context.Context, now time.Time) error {
	all, err := p.reg.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for sweep: %w", err)
	}

	var errs []error
	for i := range all {
		ex := &all[i]
		if !tracker.IsStale(ex.LastSeenAt, now, p.cfg.StaleTimeout) {
			continue
		}
		p.logger.Warn().
			Str("session_id", ex.ID).
			Time("last_seen", ex.LastSeenAt).
			Msg("force-stopping stale session")
		if err := p.stopSession(ctx, ex, ex.LastSeenAt); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.StaleSessionsSwept.Inc()
	}
	return errors.Join(errs...)
}

// evaluate runs the rule engine for a freshly started session and
// returns the verdicts to persist alongside it. Detection failures are
// logged and yield no verdicts, never a failed session start.
func (p *Processor) evaluate(ctx context.Context, active *models.ActiveSession, user *models.ServerUser, now time.Time) []rules.Verdict {
	start := time.Now()
	defer func() {
		metrics.RuleEvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	ruleSet, err := p.db.ListActiveRules(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to load rules")
		return nil
	}
	if len(ruleSet) == 0 {
		return nil
	}

	recent, err := p.db.RecentSessionsByIdentity(ctx, user.IdentityID, now.Add(-p.cfg.RecentWindow))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to load recent sessions")
		return nil
	}
	identityActive, err := p.reg.ListByIdentity(ctx, user.IdentityID)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to load identity sessions")
		return nil
	}

	return rules.Evaluate(active, rules.Window{
		Recent: recent,
		Active: identityActive,
	}, ruleSet, now)
}

// enrichLocation fills the geo fields. Private and vendor-flagged local
// addresses get the local-network sentinel and never coordinates.
func (p *Processor) enrichLocation(ctx context.Context, s *models.ActiveSession) {
	s.GeoCity, s.GeoRegion, s.GeoCountry = "", "", ""
	s.Latitude, s.Longitude = nil, nil

	if s.IPAddress == "" {
		return
	}
	if s.Local || geo.IsPrivateIP(s.IPAddress) {
		s.Local = true
		s.GeoCountry = geo.LocalNetworkCountry
		return
	}
	if p.resolver == nil {
		return
	}

	loc, err := p.resolver.Lookup(ctx, s.IPAddress)
	if err != nil {
		p.logger.Warn().Err(err).Str("ip", s.IPAddress).Msg("geo lookup failed")
		return
	}
	s.GeoCity = loc.City
	s.GeoRegion = loc.Region
	s.GeoCountry = loc.Country
	s.Latitude = loc.Latitude
	s.Longitude = loc.Longitude
}

func (p *Processor) publish(ctx context.Context, eventType string, payload any) {
	if p.publisher == nil {
		return
	}
	if err := bus.Publish(ctx, p.publisher, eventType, payload); err != nil {
		metrics.EventPublishErrors.Inc()
		p.logger.Error().Err(err).Str("event_type", eventType).
			Msg("failed to publish event")
	} else {
		metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

// openRow projects an active session onto its historical row.
func openRow(a *models.ActiveSession) *models.Session {
	return &models.Session{
		ID:               a.ID,
		ServerID:         a.ServerID,
		SessionKey:       a.SessionKey,
		RatingKey:        a.RatingKey,
		ServerUserID:     a.ServerUserID,
		IdentityID:       a.IdentityID,
		Username:         a.Username,
		StartedAt:        a.StartedAt,
		ProgressMs:       a.ProgressMs,
		TotalDurationMs:  a.TotalDurationMs,
		PausedDurationMs: a.PausedDurationMs,
		ReferenceID:      a.ReferenceID,
		MediaTitle:       a.MediaTitle,
		MediaType:        a.MediaType,
		DeviceID:         a.DeviceID,
		Platform:         a.Platform,
		Player:           a.Player,
		IPAddress:        a.IPAddress,
		Local:            a.Local,
		GeoCity:          a.GeoCity,
		GeoCountry:       a.GeoCountry,
		Latitude:         a.Latitude,
		Longitude:        a.Longitude,
	}
}
