// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package rules evaluates detection rules against a candidate session
// plus a recent-session window for the same identity. Evaluation is
// pure: no I/O, no clocks; the caller supplies the window and "now".
//
// Five rule types are supported: impossible_travel,
// simultaneous_locations, device_velocity, concurrent_streams, and
// geo_restriction. Each produces a verdict with severity and an
// evidence payload for audit and notification purposes.
//
// Multiple simultaneous verdicts are not deduplicated or capped;
// trust-score penalties stack additively per violation instance.
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/models"
)

// Window is the evaluation context for one candidate: the identity's
// recent closed sessions plus its currently unstopped sessions. Active
// includes the candidate itself once registered.
type Window struct {
	// Recent holds closed sessions for the identity, any order.
	Recent []models.Session

	// Active holds currently unstopped sessions for the identity.
	Active []models.ActiveSession
}

// Verdict is one rule-evaluation outcome that constitutes a violation.
type Verdict struct {
	Rule     models.Rule
	Severity models.Severity
	Summary  string
	Evidence json.RawMessage
}

// Evaluate runs every applicable active rule against the candidate.
// Rules scoped to another account and inactive rules are skipped. A
// single rule failing to marshal evidence does not abort the others.
func Evaluate(candidate *models.ActiveSession, w Window, ruleSet []models.Rule, now time.Time) []Verdict {
	var verdicts []Verdict
	for _, rule := range ruleSet {
		if !rule.IsActive || !rule.AppliesTo(candidate.ServerUserID) {
			continue
		}
		if v := evaluateRule(rule, candidate, w, now); v != nil {
			verdicts = append(verdicts, *v)
		}
	}
	return verdicts
}

// evaluateRule dispatches on the params variant. The tagged union keeps
// this switch exhaustive: a new rule type will not compile without a
// case here.
func evaluateRule(rule models.Rule, candidate *models.ActiveSession, w Window, now time.Time) *Verdict {
	switch params := rule.Params.(type) {
	case models.ImpossibleTravelParams:
		return evaluateImpossibleTravel(rule, params, candidate, w)
	case models.SimultaneousLocationsParams:
		return evaluateSimultaneousLocations(rule, params, candidate, w)
	case models.DeviceVelocityParams:
		return evaluateDeviceVelocity(rule, params, candidate, w, now)
	case models.ConcurrentStreamsParams:
		return evaluateConcurrentStreams(rule, params, candidate, w)
	case models.GeoRestrictionParams:
		return evaluateGeoRestriction(rule, params, candidate)
	}
	return nil
}

// severityOr returns the configured severity, or the rule type's
// default when the params left it unset.
func severityOr(s models.Severity, fallback models.Severity) models.Severity {
	if s == "" {
		return fallback
	}
	return s
}

// newestFirst returns the closed sessions sorted by stop time
// descending, skipping sessions that never stopped.
func newestFirst(recent []models.Session) []models.Session {
	sorted := make([]models.Session, 0, len(recent))
	for _, s := range recent {
		if s.StoppedAt != nil {
			sorted = append(sorted, s)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StoppedAt.After(*sorted[j].StoppedAt)
	})
	return sorted
}

// mustEvidence marshals an evidence payload. The payload types in this
// package cannot fail to marshal; a failure would indicate memory
// corruption, so it degrades to an empty object rather than dropping
// the verdict.
func mustEvidence(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"evidence_error":%q}`, err.Error()))
	}
	return data
}
