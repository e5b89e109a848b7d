// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package models

import "time"

// PlaybackState is the playback state of an open session.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// RawSession is the normalized record produced by a media adapter from
// one vendor session. Per-vendor API parsing is a black box behind the
// adapter; everything downstream works on this shape.
type RawSession struct {
	SessionKey string `json:"session_key"`

	// RatingKey is the vendor content identifier. Some vendors reuse
	// the session key across auto-played episodes, so a RatingKey change
	// under the same SessionKey means a media change.
	RatingKey string `json:"rating_key"`

	UserExternalID string `json:"user_external_id"`
	Username       string `json:"username"`

	State           PlaybackState `json:"state"`
	ProgressMs      int64         `json:"progress_ms"`
	TotalDurationMs int64         `json:"total_duration_ms"`

	MediaTitle string `json:"media_title"`
	MediaType  string `json:"media_type"`

	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Player   string `json:"player"`

	IPAddress       string `json:"ip_address"`
	Local           bool   `json:"local"`
	VideoResolution string `json:"video_resolution"`

	// PausedAt is set only by adapters whose vendor exposes a precise
	// pause timestamp. When present it replaces the poll-observed pause
	// time in pause accumulation.
	PausedAt *time.Time `json:"paused_at,omitempty"`
}

// ActiveSession is the mutable, currently-playing record. At most one
// exists per (ServerID, SessionKey) while unstopped.
type ActiveSession struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id"`
	SessionKey string `json:"session_key"`
	RatingKey  string `json:"rating_key"`

	ServerUserID string `json:"server_user_id"`
	IdentityID   string `json:"identity_id"`
	Username     string `json:"username"`

	State      PlaybackState `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`

	// LastPausedAt is set while a pause interval is open.
	// PausedDurationMs is monotonically non-decreasing while the
	// session is open.
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`
	PausedDurationMs int64      `json:"paused_duration_ms"`

	ProgressMs      int64 `json:"progress_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	// ReferenceID links this session to the root of its
	// resume/quality-change/media-change chain. Nil for a chain root.
	ReferenceID *string `json:"reference_id,omitempty"`

	MediaTitle string `json:"media_title"`
	MediaType  string `json:"media_type"`

	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Player   string `json:"player"`

	IPAddress       string `json:"ip_address"`
	Local           bool   `json:"local"`
	VideoResolution string `json:"video_resolution"`

	// Geolocation enrichment. Latitude/Longitude are nil for
	// local-network sessions and failed lookups.
	GeoCity    string   `json:"geo_city,omitempty"`
	GeoRegion  string   `json:"geo_region,omitempty"`
	GeoCountry string   `json:"geo_country,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether the session carries usable coordinates.
// Local-network sessions never do.
func (s *ActiveSession) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// ChainRoot returns the id of the reference chain this session belongs
// to: its ReferenceID when linked, otherwise its own id.
func (s *ActiveSession) ChainRoot() string {
	if s.ReferenceID != nil {
		return *s.ReferenceID
	}
	return s.ID
}

// Session is the historical record of a closed playback session.
// DurationMs and Watched are computed once at stop time and never
// revised.
type Session struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id"`
	SessionKey string `json:"session_key"`
	RatingKey  string `json:"rating_key"`

	ServerUserID string `json:"server_user_id"`
	IdentityID   string `json:"identity_id"`
	Username     string `json:"username"`

	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	DurationMs       int64 `json:"duration_ms"`
	PausedDurationMs int64 `json:"paused_duration_ms"`
	ProgressMs       int64 `json:"progress_ms"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
	Watched          bool  `json:"watched"`

	ReferenceID *string `json:"reference_id,omitempty"`

	MediaTitle string `json:"media_title"`
	MediaType  string `json:"media_type"`

	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Player   string `json:"player"`

	IPAddress  string   `json:"ip_address"`
	Local      bool     `json:"local"`
	GeoCity    string   `json:"geo_city,omitempty"`
	GeoCountry string   `json:"geo_country,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether the closed session carries usable
// coordinates.
func (s *Session) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}
