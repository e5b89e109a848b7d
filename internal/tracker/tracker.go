// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package tracker reconstructs watch duration, pause/resume, and
// session-grouping semantics from noisy, duplicate-prone server events.
// Everything in this package is a pure function over session records;
// no I/O, no clocks. Callers pass "now" explicitly.
package tracker

import (
	"time"

	"github.com/sharewatch/sharewatch/internal/models"
)

// Defaults for the tracker's configurable thresholds.
const (
	// DefaultStaleTimeout force-stops a session that has not been seen
	// for longer than this.
	DefaultStaleTimeout = 5 * time.Minute

	// DefaultMinPlayTimeMs is the floor below which a closed session is
	// not persisted as watch history. 0 disables filtering.
	DefaultMinPlayTimeMs int64 = 2 * 60 * 1000

	// DefaultWatchThreshold is the progress/total ratio at which a
	// session counts as watched.
	DefaultWatchThreshold = 0.85

	// DefaultContinuedThresholdMs is the gap within which a new session
	// groups with a just-stopped one as a resume.
	DefaultContinuedThresholdMs int64 = 60 * 1000

	// resumeCeiling is the absolute upper bound on resume grouping,
	// regardless of the configured threshold.
	resumeCeiling = 24 * time.Hour

	// pauseDriftAllowance compensates for missed pause events: when the
	// computed duration exceeds known progress by more than this, the
	// excess is folded back into paused time. The 60s constant is
	// carried from the original pause model and should be revisited if
	// that model is replaced.
	pauseDriftAllowance int64 = 60 * 1000
)

// ApplyStateTransition mutates the pause-tracking fields of an open
// session for a playback state change observed at now.
//
// playing -> paused records the pause start; paused -> playing folds the
// closed interval into PausedDurationMs. No other transition touches
// these fields, so PausedDurationMs is monotonically non-decreasing.
//
// pausedAt, when non-nil, is a vendor-reported precise pause timestamp
// used in place of the poll-observed time.
func ApplyStateTransition(s *models.ActiveSession, newState models.PlaybackState, pausedAt *time.Time, now time.Time) {
	switch {
	case s.State == models.StatePlaying && newState == models.StatePaused:
		t := now
		if pausedAt != nil && pausedAt.Before(now) {
			t = *pausedAt
		}
		s.LastPausedAt = &t
	case s.State == models.StatePaused && newState == models.StatePlaying:
		if s.LastPausedAt != nil {
			s.PausedDurationMs += now.Sub(*s.LastPausedAt).Milliseconds()
			s.LastPausedAt = nil
		}
	}
	s.State = newState
}

// StopResult is the outcome of finalizing a session at stop time.
type StopResult struct {
	DurationMs       int64
	PausedDurationMs int64
	CapApplied       bool
}

// FinalizeStop computes the final watch duration for a session stopping
// at stoppedAt. Any still-open pause interval is folded into the paused
// total first.
//
// Sanity cap: when progress is known and the computed duration exceeds
// progress by more than the drift allowance, duration is clamped to
// progress + allowance and the excess moves into paused time. This
// compensates for pause events the server never delivered.
func FinalizeStop(s *models.ActiveSession, stoppedAt time.Time) StopResult {
	paused := s.PausedDurationMs
	if s.LastPausedAt != nil {
		paused += stoppedAt.Sub(*s.LastPausedAt).Milliseconds()
	}

	duration := stoppedAt.Sub(s.StartedAt).Milliseconds() - paused
	if duration < 0 {
		duration = 0
	}

	capApplied := false
	if s.ProgressMs > 0 && duration > s.ProgressMs+pauseDriftAllowance {
		excess := duration - (s.ProgressMs + pauseDriftAllowance)
		duration = s.ProgressMs + pauseDriftAllowance
		paused += excess
		capApplied = true
	}

	return StopResult{
		DurationMs:       duration,
		PausedDurationMs: paused,
		CapApplied:       capApplied,
	}
}

// IsStale reports whether a session is force-stoppable: strictly more
// than timeout has passed since it was last seen. Exactly at the
// threshold is not stale.
func IsStale(lastSeenAt, now time.Time, timeout time.Duration) bool {
	return now.Sub(lastSeenAt) > timeout
}

// MeetsMinimumPlayTime reports whether a closed session qualifies as
// watch history. A floor of 0 disables filtering.
func MeetsMinimumPlayTime(durationMs, floorMs int64) bool {
	if floorMs <= 0 {
		return true
	}
	return durationMs >= floorMs
}

// IsWatched reports whether playback progressed far enough to count as
// a completed watch. Missing progress or total duration means false.
func IsWatched(progressMs, totalDurationMs int64, threshold float64) bool {
	if progressMs <= 0 || totalDurationMs <= 0 {
		return false
	}
	return float64(progressMs)/float64(totalDurationMs) >= threshold
}

// IsMediaChange reports whether an incoming poll record represents the
// vendor reusing a session key for new content (auto-played next
// episode). Both content ids must be known for the comparison to hold.
func IsMediaChange(existing *models.ActiveSession, incoming *models.RawSession) bool {
	if existing.SessionKey != incoming.SessionKey {
		return false
	}
	if existing.RatingKey == "" || incoming.RatingKey == "" {
		return false
	}
	return existing.RatingKey != incoming.RatingKey
}

// FindQualityChange returns the existing unstopped session that an
// incoming session supersedes via a quality change: same user and
// content under a different session key. Returns nil when no such
// session exists.
func FindQualityChange(incoming *models.RawSession, userActive []models.ActiveSession) *models.ActiveSession {
	for i := range userActive {
		existing := &userActive[i]
		if existing.SessionKey == incoming.SessionKey {
			continue
		}
		if existing.RatingKey != "" && existing.RatingKey == incoming.RatingKey {
			return existing
		}
	}
	return nil
}

// ShouldGroupWithPrevious decides whether a new session continues a
// prior one, returning the reference-chain root to link to, or nil for
// a genuinely new session.
//
// A new session groups with a prior iff:
//   - the prior actually stopped,
//   - the gap since that stop is within continuedThresholdMs and always
//     within an absolute 24h ceiling,
//   - the prior was not already watched, and
//   - the new starting position is at or past the prior's last known
//     position (a monotonic resume, not a rewatch from the start).
func ShouldGroupWithPrevious(newStartPositionMs int64, now time.Time, prior *models.Session, continuedThresholdMs int64) *string {
	if prior == nil || prior.StoppedAt == nil {
		return nil
	}
	if prior.Watched {
		return nil
	}

	gap := now.Sub(*prior.StoppedAt)
	if gap < 0 || gap.Milliseconds() > continuedThresholdMs || gap > resumeCeiling {
		return nil
	}

	if newStartPositionMs < prior.ProgressMs {
		return nil
	}

	root := prior.ID
	if prior.ReferenceID != nil {
		root = *prior.ReferenceID
	}
	return &root
}
