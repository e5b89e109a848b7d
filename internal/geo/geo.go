// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package geo provides the geographic primitives shared by the rule
// engine and the session processor: great-circle distance, private IP
// classification, and the GeoIP lookup contract.
package geo

import (
	"context"
	"math"
	"net"
	"strings"
)

// LocalNetworkCountry is the sentinel country for private-IP sessions.
// Geo rules must always exempt it, even when explicitly listed.
const LocalNetworkCountry = "Local Network"

// Location is the result of a GeoIP lookup. Latitude/Longitude are nil
// when the address cannot be located (private IPs, failed lookups).
type Location struct {
	IPAddress string   `json:"ip_address"`
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Country   string   `json:"country"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Resolver looks up geographic data for an IP address. The concrete
// implementation (MaxMind, ip-api, cached table) is an external
// collaborator; this core only consumes the normalized result.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// LocalLocation returns the sentinel location for a private/LAN address.
func LocalLocation(ip string) *Location {
	return &Location{
		IPAddress: ip,
		Country:   LocalNetworkCountry,
	}
}

// HaversineKm computes the great-circle distance between two points in
// kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// privateRanges covers RFC 1918, loopback, link-local, and their IPv6
// counterparts. IPv4-mapped IPv6 addresses (::ffff:10.0.0.1) parse to
// the embedded IPv4 address, so the IPv4 ranges cover them too.
var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("geo: invalid private range " + cidr)
		}
		nets = append(nets, network)
	}
	return nets
}

// IsPrivateIP reports whether the address is private, loopback, or
// link-local (IPv4 or IPv6). Private addresses cannot be geolocated and
// map to the Local Network sentinel.
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(NormalizeIP(ipStr))
	if ip == nil {
		return false
	}
	for _, network := range privateRanges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// NormalizeIP strips a trailing :port from an address if present,
// leaving bracketed IPv6 literals and bare addresses intact.
func NormalizeIP(ipStr string) string {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return host
	}
	return strings.Trim(ipStr, "[]")
}
