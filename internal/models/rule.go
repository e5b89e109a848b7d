// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// RuleType identifies the type of detection rule.
type RuleType string

const (
	RuleTypeImpossibleTravel      RuleType = "impossible_travel"
	RuleTypeSimultaneousLocations RuleType = "simultaneous_locations"
	RuleTypeDeviceVelocity        RuleType = "device_velocity"
	RuleTypeConcurrentStreams     RuleType = "concurrent_streams"
	RuleTypeGeoRestriction        RuleType = "geo_restriction"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Penalty returns the fixed trust-score debit for a severity.
func (s Severity) Penalty() int {
	switch s {
	case SeverityHigh:
		return 20
	case SeverityWarning:
		return 10
	case SeverityLow:
		return 5
	}
	return 0
}

// RuleParams is the tagged union of per-rule-type parameters. Exactly
// one concrete variant exists per RuleType, so rule dispatch is
// exhaustive at compile time.
type RuleParams interface {
	RuleType() RuleType
}

// ImpossibleTravelParams configures the impossible_travel rule.
type ImpossibleTravelParams struct {
	// MaxSpeedKmh is the maximum plausible travel speed.
	MaxSpeedKmh float64  `json:"max_speed_kmh"`
	Severity    Severity `json:"severity"`
}

func (ImpossibleTravelParams) RuleType() RuleType { return RuleTypeImpossibleTravel }

// SimultaneousLocationsParams configures the simultaneous_locations rule.
type SimultaneousLocationsParams struct {
	// MinDistanceKm is the minimum pairwise distance between concurrent
	// sessions to count as distinct locations.
	MinDistanceKm float64  `json:"min_distance_km"`
	Severity      Severity `json:"severity"`
}

func (SimultaneousLocationsParams) RuleType() RuleType { return RuleTypeSimultaneousLocations }

// DeviceVelocityParams configures the device_velocity rule.
type DeviceVelocityParams struct {
	// MaxIPs is the maximum distinct sources allowed within the window.
	MaxIPs      int `json:"max_ips"`
	WindowHours int `json:"window_hours"`

	// GroupByDevice counts distinct device ids (falling back to IP when
	// the device id is absent) instead of distinct IPs, so a device's
	// IP churn does not inflate the count.
	GroupByDevice bool `json:"group_by_device"`

	// ExcludePrivateIPs drops private/loopback/link-local addresses
	// from the count before comparison.
	ExcludePrivateIPs bool     `json:"exclude_private_ips"`
	Severity          Severity `json:"severity"`
}

func (DeviceVelocityParams) RuleType() RuleType { return RuleTypeDeviceVelocity }

// ConcurrentStreamsParams configures the concurrent_streams rule.
type ConcurrentStreamsParams struct {
	MaxStreams int      `json:"max_streams"`
	Severity   Severity `json:"severity"`
}

func (ConcurrentStreamsParams) RuleType() RuleType { return RuleTypeConcurrentStreams }

// GeoRestrictionMode selects allowlist or blocklist evaluation.
type GeoRestrictionMode string

const (
	GeoModeAllowlist GeoRestrictionMode = "allowlist"
	GeoModeBlocklist GeoRestrictionMode = "blocklist"
)

// GeoRestrictionParams configures the geo_restriction rule. The sentinel
// country "Local Network" is always exempt, even when listed.
type GeoRestrictionParams struct {
	Mode      GeoRestrictionMode `json:"mode"`
	Countries []string           `json:"countries"`
	Severity  Severity           `json:"severity"`
}

func (GeoRestrictionParams) RuleType() RuleType { return RuleTypeGeoRestriction }

// Rule is one detection rule. ServerUserID scopes the rule to a single
// account; nil means the rule is global.
type Rule struct {
	ID           string     `json:"id"`
	Type         RuleType   `json:"type"`
	Params       RuleParams `json:"params"`
	ServerUserID *string    `json:"server_user_id,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AppliesTo reports whether the rule applies to the given account:
// global rules apply to everyone, scoped rules only to their account.
func (r *Rule) AppliesTo(serverUserID string) bool {
	return r.ServerUserID == nil || *r.ServerUserID == serverUserID
}

// DecodeRuleParams unmarshals the raw parameter payload for the given
// rule type into its concrete variant.
func DecodeRuleParams(ruleType RuleType, raw json.RawMessage) (RuleParams, error) {
	switch ruleType {
	case RuleTypeImpossibleTravel:
		var p ImpossibleTravelParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode impossible_travel params: %w", err)
		}
		return p, nil
	case RuleTypeSimultaneousLocations:
		var p SimultaneousLocationsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode simultaneous_locations params: %w", err)
		}
		return p, nil
	case RuleTypeDeviceVelocity:
		var p DeviceVelocityParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode device_velocity params: %w", err)
		}
		return p, nil
	case RuleTypeConcurrentStreams:
		var p ConcurrentStreamsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode concurrent_streams params: %w", err)
		}
		return p, nil
	case RuleTypeGeoRestriction:
		var p GeoRestrictionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode geo_restriction params: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown rule type: %s", ruleType)
}

// EncodeRuleParams marshals a params variant for persistence.
func EncodeRuleParams(p RuleParams) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", p.RuleType(), err)
	}
	return data, nil
}
