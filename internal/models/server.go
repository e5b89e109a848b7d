// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package models

import "time"

// ServerType identifies a media server vendor.
type ServerType string

const (
	ServerTypePlex     ServerType = "plex"
	ServerTypeJellyfin ServerType = "jellyfin"
	ServerTypeEmby     ServerType = "emby"
)

// Valid reports whether the server type is one of the supported vendors.
func (t ServerType) Valid() bool {
	switch t {
	case ServerTypePlex, ServerTypeJellyfin, ServerTypeEmby:
		return true
	}
	return false
}

// Server identifies one media-adapter endpoint.
// The auth token is opaque to the session-state core; encryption at rest
// is owned by the settings layer.
type Server struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Type  ServerType `json:"type"`
	URL   string     `json:"url"`
	Token string     `json:"-"`
}

// ServerUser is a per-server media account. One or more server users
// belong to a cross-server Identity.
type ServerUser struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id"`
	IdentityID string `json:"identity_id"`

	// ExternalID is the vendor-assigned account identifier.
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`

	// TrustScore is debited by violation penalties, floored at 0.
	// Callers conventionally cap it at 100; this core only enforces
	// the floor.
	TrustScore   int `json:"trust_score"`
	SessionCount int `json:"session_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionState describes a server's ingestion mode. It is in-memory
// only and reconstructed at process start.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnFallback     ConnectionState = "fallback"
)
