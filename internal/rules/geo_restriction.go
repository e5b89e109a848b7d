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

// GeoRestrictionEvidence is the audit payload for geo_restriction
// verdicts.
type GeoRestrictionEvidence struct {
	Country   string                    `json:"country"`
	City      string                    `json:"city,omitempty"`
	IPAddress string                    `json:"ip_address,omitempty"`
	Mode      models.GeoRestrictionMode `json:"mode"`
	Countries []string                  `json:"countries"`
}

// evaluateGeoRestriction checks the candidate's country against the
// configured allowlist or blocklist. The "Local Network" sentinel is
// always exempt, even when explicitly present in a blocklist.
func evaluateGeoRestriction(rule models.Rule, params models.GeoRestrictionParams, candidate *models.ActiveSession) *Verdict {
	country := candidate.GeoCountry
	if country == "" || country == geo.LocalNetworkCountry {
		return nil
	}

	inList := false
	for _, c := range params.Countries {
		if c == country {
			inList = true
			break
		}
	}

	var violates bool
	switch params.Mode {
	case models.GeoModeAllowlist:
		violates = !inList
	case models.GeoModeBlocklist:
		violates = inList
	default:
		return nil
	}
	if !violates {
		return nil
	}

	return &Verdict{
		Rule:     rule,
		Severity: severityOr(params.Severity, models.SeverityWarning),
		Summary: fmt.Sprintf("user %s streamed from restricted country %s (%s mode)",
			candidate.Username, country, params.Mode),
		Evidence: mustEvidence(GeoRestrictionEvidence{
			Country:   country,
			City:      candidate.GeoCity,
			IPAddress: candidate.IPAddress,
			Mode:      params.Mode,
			Countries: params.Countries,
		}),
	}
}
