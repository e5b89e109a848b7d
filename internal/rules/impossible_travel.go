// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/models"
)

// ImpossibleTravelEvidence is the audit payload for impossible_travel
// verdicts.
type ImpossibleTravelEvidence struct {
	FromSessionID    string    `json:"from_session_id"`
	FromCity         string    `json:"from_city,omitempty"`
	FromCountry      string    `json:"from_country,omitempty"`
	FromLatitude     float64   `json:"from_latitude"`
	FromLongitude    float64   `json:"from_longitude"`
	FromStoppedAt    time.Time `json:"from_stopped_at"`
	ToCity           string    `json:"to_city,omitempty"`
	ToCountry        string    `json:"to_country,omitempty"`
	ToLatitude       float64   `json:"to_latitude"`
	ToLongitude      float64   `json:"to_longitude"`
	ToStartedAt      time.Time `json:"to_started_at"`
	DistanceKm       float64   `json:"distance_km"`
	ElapsedMinutes   float64   `json:"elapsed_minutes"`
	RequiredSpeedKmh float64   `json:"required_speed_kmh"`
	MaxSpeedKmh      float64   `json:"max_speed_kmh"`
}

// evaluateImpossibleTravel compares the candidate against the most
// recent qualifying prior session: one with known coordinates on a
// different device. Local-network sessions (null coordinates) are
// excluded on either side of the comparison.
func evaluateImpossibleTravel(rule models.Rule, params models.ImpossibleTravelParams, candidate *models.ActiveSession, w Window) *Verdict {
	if !candidate.HasCoordinates() {
		return nil
	}

	var prior *models.Session
	for _, s := range newestFirst(w.Recent) {
		if !s.HasCoordinates() {
			continue
		}
		if s.DeviceID != "" && s.DeviceID == candidate.DeviceID {
			continue
		}
		prior = &s
		break
	}
	if prior == nil {
		return nil
	}

	elapsed := candidate.StartedAt.Sub(*prior.StoppedAt)
	if elapsed < 0 {
		// Out-of-order observation; a later cycle will see it in order.
		return nil
	}

	distanceKm := geo.HaversineKm(
		*prior.Latitude, *prior.Longitude,
		*candidate.Latitude, *candidate.Longitude,
	)

	// Epsilon floor prevents division by zero for near-simultaneous
	// observations without changing any realistic speed comparison.
	elapsedHours := elapsed.Hours()
	if math.Abs(elapsedHours) < 1e-9 {
		elapsedHours = 0.001
	}
	speedKmh := distanceKm / elapsedHours

	if speedKmh <= params.MaxSpeedKmh {
		return nil
	}

	return &Verdict{
		Rule:     rule,
		Severity: severityOr(params.Severity, models.SeverityHigh),
		Summary: fmt.Sprintf("user %s moved %.0f km in %.0f minutes (requires %.0f km/h, limit %.0f)",
			candidate.Username, distanceKm, elapsed.Minutes(), speedKmh, params.MaxSpeedKmh),
		Evidence: mustEvidence(ImpossibleTravelEvidence{
			FromSessionID:    prior.ID,
			FromCity:         prior.GeoCity,
			FromCountry:      prior.GeoCountry,
			FromLatitude:     *prior.Latitude,
			FromLongitude:    *prior.Longitude,
			FromStoppedAt:    *prior.StoppedAt,
			ToCity:           candidate.GeoCity,
			ToCountry:        candidate.GeoCountry,
			ToLatitude:       *candidate.Latitude,
			ToLongitude:      *candidate.Longitude,
			ToStartedAt:      candidate.StartedAt,
			DistanceKm:       round2(distanceKm),
			ElapsedMinutes:   round2(elapsed.Minutes()),
			RequiredSpeedKmh: round2(speedKmh),
			MaxSpeedKmh:      params.MaxSpeedKmh,
		}),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
