// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package rules

import (
	"fmt"

	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/models"
)

// SimultaneousLocationPair is one offending pair of concurrent sessions.
type SimultaneousLocationPair struct {
	SessionKey string  `json:"session_key"`
	City       string  `json:"city,omitempty"`
	Country    string  `json:"country,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	DistanceKm float64 `json:"distance_km"`
}

// SimultaneousLocationsEvidence is the audit payload for
// simultaneous_locations verdicts.
type SimultaneousLocationsEvidence struct {
	CandidateCity    string                     `json:"candidate_city,omitempty"`
	CandidateCountry string                     `json:"candidate_country,omitempty"`
	MinDistanceKm    float64                    `json:"min_distance_km"`
	Pairs            []SimultaneousLocationPair `json:"pairs"`
}

// evaluateSimultaneousLocations computes the pairwise distance between
// the candidate and every other unstopped session for the identity.
// Sessions without coordinates (local network) never participate.
func evaluateSimultaneousLocations(rule models.Rule, params models.SimultaneousLocationsParams, candidate *models.ActiveSession, w Window) *Verdict {
	if !candidate.HasCoordinates() {
		return nil
	}

	var pairs []SimultaneousLocationPair
	for i := range w.Active {
		other := &w.Active[i]
		if other.ID == candidate.ID || other.SessionKey == candidate.SessionKey && other.ServerID == candidate.ServerID {
			continue
		}
		if !other.HasCoordinates() {
			continue
		}

		distanceKm := geo.HaversineKm(
			*candidate.Latitude, *candidate.Longitude,
			*other.Latitude, *other.Longitude,
		)
		if distanceKm >= params.MinDistanceKm {
			pairs = append(pairs, SimultaneousLocationPair{
				SessionKey: other.SessionKey,
				City:       other.GeoCity,
				Country:    other.GeoCountry,
				Latitude:   *other.Latitude,
				Longitude:  *other.Longitude,
				DistanceKm: round2(distanceKm),
			})
		}
	}

	if len(pairs) == 0 {
		return nil
	}

	return &Verdict{
		Rule:     rule,
		Severity: severityOr(params.Severity, models.SeverityHigh),
		Summary: fmt.Sprintf("user %s is streaming simultaneously from %d locations at least %.0f km apart",
			candidate.Username, len(pairs)+1, params.MinDistanceKm),
		Evidence: mustEvidence(SimultaneousLocationsEvidence{
			CandidateCity:    candidate.GeoCity,
			CandidateCountry: candidate.GeoCountry,
			MinDistanceKm:    params.MinDistanceKm,
			Pairs:            pairs,
		}),
	}
}
