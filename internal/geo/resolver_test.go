// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIPAPIResolverLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","country":"Germany","regionName":"Berlin","city":"Berlin","lat":52.52,"lon":13.405,"query":"88.66.1.1"}`)
	}))
	defer srv.Close()

	r := NewIPAPIResolver()
	r.baseURL = srv.URL

	loc, err := r.Lookup(context.Background(), "88.66.1.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.Country != "Germany" || loc.City != "Berlin" {
		t.Errorf("location = %+v", loc)
	}
	if loc.Latitude == nil || *loc.Latitude != 52.52 {
		t.Errorf("latitude = %v", loc.Latitude)
	}
}

func TestIPAPIResolverFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail","message":"reserved range","query":"8.8.8.8"}`)
	}))
	defer srv.Close()

	r := NewIPAPIResolver()
	r.baseURL = srv.URL

	if _, err := r.Lookup(context.Background(), "8.8.8.8"); err == nil {
		t.Fatal("fail status should surface as an error")
	}
}

func TestIPAPIResolverRejectsBadAddress(t *testing.T) {
	r := NewIPAPIResolver()
	if _, err := r.Lookup(context.Background(), "not-an-ip"); err == nil {
		t.Fatal("invalid address should be rejected before any request")
	}
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.json")
	table := `{"203.0.113.7":{"city":"Oslo","country":"Norway","latitude":59.91,"longitude":10.75}}`
	if err := os.WriteFile(path, []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}

	loc, err := r.Lookup(context.Background(), "203.0.113.7:32400")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc.Country != "Norway" {
		t.Errorf("country = %q", loc.Country)
	}
	if loc.IPAddress != "203.0.113.7" {
		t.Errorf("port should be stripped, got %q", loc.IPAddress)
	}

	if _, err := r.Lookup(context.Background(), "198.51.100.1"); err == nil {
		t.Error("unknown address should error")
	}
}

type countingResolver struct {
	calls int
}

func (c *countingResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	c.calls++
	lat, lon := 1.0, 2.0
	return &Location{IPAddress: ip, Country: "Testland", Latitude: &lat, Longitude: &lon}, nil
}

func TestCachedResolverMemoizes(t *testing.T) {
	inner := &countingResolver{}
	c := NewCachedResolver(inner, time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := c.Lookup(context.Background(), "203.0.113.7"); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner lookups = %d, want 1", inner.calls)
	}

	if _, err := c.Lookup(context.Background(), "203.0.113.8"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("inner lookups = %d, want 2 after second address", inner.calls)
	}
}
