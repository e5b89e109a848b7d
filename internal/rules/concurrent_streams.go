// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package rules

import (
	"fmt"

	"github.com/sharewatch/sharewatch/internal/models"
)

// ConcurrentStreamsEvidence is the audit payload for concurrent_streams
// verdicts.
type ConcurrentStreamsEvidence struct {
	ActiveStreams int      `json:"active_streams"`
	MaxStreams    int      `json:"max_streams"`
	SessionKeys   []string `json:"session_keys"`
}

// evaluateConcurrentStreams counts currently unstopped sessions for the
// identity, location-agnostic. The candidate counts whether or not the
// registry write landed before evaluation.
func evaluateConcurrentStreams(rule models.Rule, params models.ConcurrentStreamsParams, candidate *models.ActiveSession, w Window) *Verdict {
	keys := make(map[string]struct{}, len(w.Active)+1)
	for i := range w.Active {
		keys[w.Active[i].ServerID+"/"+w.Active[i].SessionKey] = struct{}{}
	}
	keys[candidate.ServerID+"/"+candidate.SessionKey] = struct{}{}

	count := len(keys)
	if count <= params.MaxStreams {
		return nil
	}

	list := make([]string, 0, count)
	for k := range keys {
		list = append(list, k)
	}

	return &Verdict{
		Rule:     rule,
		Severity: severityOr(params.Severity, models.SeverityWarning),
		Summary: fmt.Sprintf("user %s has %d concurrent streams (limit %d)",
			candidate.Username, count, params.MaxStreams),
		Evidence: mustEvidence(ConcurrentStreamsEvidence{
			ActiveStreams: count,
			MaxStreams:    params.MaxStreams,
			SessionKeys:   list,
		}),
	}
}
