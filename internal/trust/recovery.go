// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package trust

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/store"
)

// RecoveryJob slowly restores trust scores for accounts that have kept
// clean. Every interval it credits each account below the cap by a
// fixed number of points. Implements suture.Service.
type RecoveryJob struct {
	db       *store.DB
	interval time.Duration
	points   int
	logger   zerolog.Logger
}

// NewRecoveryJob builds the recovery job.
func NewRecoveryJob(db *store.DB, interval time.Duration, points int, logger zerolog.Logger) *RecoveryJob {
	return &RecoveryJob{
		db:       db,
		interval: interval,
		points:   points,
		logger:   logger.With().Str("component", "trust-recovery").Logger(),
	}
}

// Serve runs until the context is canceled.
func (j *RecoveryJob) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *RecoveryJob) runOnce(ctx context.Context) {
	n, err := j.db.RecoverTrust(ctx, j.points)
	if err != nil {
		j.logger.Error().Err(err).Msg("trust recovery pass failed")
		return
	}
	if n > 0 {
		metrics.TrustScoreUpdates.WithLabelValues("recovery").Inc()
		j.logger.Info().Int64("accounts", n).Int("points", j.points).
			Msg("trust recovery pass complete")
	}
}

func (j *RecoveryJob) String() string { return "trust-recovery" }
