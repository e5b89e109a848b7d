// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Violation records one rule-evaluation verdict against a session.
// Created once, never mutated except acknowledgement.
type Violation struct {
	ID           string   `json:"id"`
	RuleID       string   `json:"rule_id"`
	RuleType     RuleType `json:"rule_type"`
	ServerUserID string   `json:"server_user_id"`
	SessionID    string   `json:"session_id"`
	Severity     Severity `json:"severity"`

	// Evidence is the audit payload describing what the rule saw, e.g.
	// the set of IPs or locations considered.
	Evidence json.RawMessage `json:"evidence,omitempty"`

	Summary        string     `json:"summary"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
