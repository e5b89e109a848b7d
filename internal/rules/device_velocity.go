// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/models"
)

// DeviceVelocityEvidence is the audit payload for device_velocity
// verdicts. UniqueIPCount is the distinct-source count regardless of
// grouping mode.
type DeviceVelocityEvidence struct {
	UniqueIPCount int       `json:"uniqueIpCount"`
	Sources       []string  `json:"sources"`
	WindowHours   int       `json:"window_hours"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	GroupByDevice bool      `json:"group_by_device"`
	MaxIPs        int       `json:"max_ips"`
}

// evaluateDeviceVelocity counts distinct sources seen for the identity
// within the rolling window. The default source is the IP address; with
// GroupByDevice set, the device id is the source (falling back to IP
// when absent) so one device churning IPs counts once. With
// ExcludePrivateIPs set, private/loopback/link-local addresses are
// dropped before counting.
func evaluateDeviceVelocity(rule models.Rule, params models.DeviceVelocityParams, candidate *models.ActiveSession, w Window, now time.Time) *Verdict {
	window := time.Duration(params.WindowHours) * time.Hour
	windowStart := now.Add(-window)

	sources := make(map[string]struct{})

	observe := func(ip, deviceID string, seenAt time.Time) {
		if seenAt.Before(windowStart) {
			return
		}
		ip = geo.NormalizeIP(ip)
		if params.ExcludePrivateIPs && geo.IsPrivateIP(ip) {
			return
		}
		source := ip
		if params.GroupByDevice && deviceID != "" {
			source = "device:" + deviceID
		}
		if source == "" {
			return
		}
		sources[source] = struct{}{}
	}

	for _, s := range w.Recent {
		observe(s.IPAddress, s.DeviceID, s.StartedAt)
	}
	for i := range w.Active {
		observe(w.Active[i].IPAddress, w.Active[i].DeviceID, w.Active[i].LastSeenAt)
	}
	observe(candidate.IPAddress, candidate.DeviceID, now)

	count := len(sources)
	if count <= params.MaxIPs {
		return nil
	}

	list := make([]string, 0, count)
	for s := range sources {
		list = append(list, s)
	}
	sort.Strings(list)

	noun := "IPs"
	if params.GroupByDevice {
		noun = "devices"
	}

	return &Verdict{
		Rule:     rule,
		Severity: severityOr(params.Severity, models.SeverityWarning),
		Summary: fmt.Sprintf("user %s used %d unique %s in %dh (limit %d)",
			candidate.Username, count, noun, params.WindowHours, params.MaxIPs),
		Evidence: mustEvidence(DeviceVelocityEvidence{
			UniqueIPCount: count,
			Sources:       list,
			WindowHours:   params.WindowHours,
			WindowStart:   windowStart,
			WindowEnd:     now,
			GroupByDevice: params.GroupByDevice,
			MaxIPs:        params.MaxIPs,
		}),
	}
}
