// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package models defines the core data types shared across ShareWatch:
// media servers and their accounts, active and historical playback
// sessions, detection rules, and violations.
//
// Ownership rules:
//   - The active-session registry is the sole owner of "currently open"
//     session truth; the historical store owns closed sessions.
//   - A historical Session is immutable once StoppedAt is set, except for
//     the media-change path which closes one session and opens a linked
//     successor.
package models
