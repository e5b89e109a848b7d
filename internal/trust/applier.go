// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package trust turns rule verdicts into persisted violations and
// trust-score debits, and runs the slow recovery job.
package trust

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/rules"
	"github.com/sharewatch/sharewatch/internal/store"
)

// Applier records verdicts atomically and publishes violation events
// once the write has committed.
type Applier struct {
	db        *store.DB
	publisher bus.Publisher
	logger    zerolog.Logger
}

// NewApplier wires an applier. publisher may be nil when eventing is
// disabled.
func NewApplier(db *store.DB, publisher bus.Publisher, logger zerolog.Logger) *Applier {
	return &Applier{
		db:        db,
		publisher: publisher,
		logger:    logger.With().Str("component", "trust").Logger(),
	}
}

// Apply persists the verdicts against a session. Penalties stack
// additively within the batch and the account score never drops below
// zero. Violations and the debit commit in one transaction; events go
// out only after the commit, so a crash cannot publish a violation
// that was never stored.
func (a *Applier) Apply(ctx context.Context, serverUserID, sessionID string, verdicts []rules.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	violations, penalty := buildViolations(serverUserID, sessionID, verdicts)
	if err := a.db.RecordViolations(ctx, violations, serverUserID, penalty); err != nil {
		return fmt.Errorf("record violations: %w", err)
	}

	a.report(ctx, violations, serverUserID, sessionID)
	return nil
}

// ApplySession persists a newly started session and its verdicts as one
// atomic write. The session row never commits without its violations
// and debit, so a failure here leaves no session to compensate; the
// caller treats the start as not having happened and retries on the
// next cycle.
func (a *Applier) ApplySession(ctx context.Context, session *models.Session, serverUserID string, verdicts []rules.Verdict) error {
	violations, penalty := buildViolations(serverUserID, session.ID, verdicts)
	if err := a.db.InsertSessionWithViolations(ctx, session, violations, serverUserID, penalty); err != nil {
		return fmt.Errorf("persist session with violations: %w", err)
	}

	a.report(ctx, violations, serverUserID, session.ID)
	return nil
}

func buildViolations(serverUserID, sessionID string, verdicts []rules.Verdict) ([]models.Violation, int) {
	violations := make([]models.Violation, 0, len(verdicts))
	penalty := 0
	for _, v := range verdicts {
		violations = append(violations, models.Violation{
			RuleID:       v.Rule.ID,
			RuleType:     v.Rule.Type,
			ServerUserID: serverUserID,
			SessionID:    sessionID,
			Severity:     v.Severity,
			Evidence:     v.Evidence,
			Summary:      v.Summary,
		})
		penalty += v.Severity.Penalty()
	}
	return violations, penalty
}

// report logs and publishes committed violations.
func (a *Applier) report(ctx context.Context, violations []models.Violation, serverUserID, sessionID string) {
	if len(violations) == 0 {
		return
	}
	metrics.TrustScoreUpdates.WithLabelValues("debit").Inc()
	for i := range violations {
		v := &violations[i]
		metrics.ViolationsTotal.WithLabelValues(string(v.RuleType), string(v.Severity)).Inc()

		a.logger.Warn().
			Str("rule_type", string(v.RuleType)).
			Str("severity", string(v.Severity)).
			Str("server_user_id", serverUserID).
			Str("session_id", sessionID).
			Msg("violation recorded")

		if a.publisher != nil {
			if err := bus.Publish(ctx, a.publisher, models.EventViolationNew, v); err != nil {
				metrics.EventPublishErrors.Inc()
				a.logger.Error().Err(err).Str("violation_id", v.ID).
					Msg("failed to publish violation event")
			}
		}
	}
}

// IdentityScore returns the aggregate trust score for an identity.
func (a *Applier) IdentityScore(ctx context.Context, identityID string) (int, error) {
	users, err := a.db.UsersByIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}
	return store.IdentityTrustScore(users), nil
}
