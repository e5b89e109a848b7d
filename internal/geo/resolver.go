// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package geo

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// IPAPIResolver looks addresses up on the free ip-api.com service.
// The free tier allows 45 requests per minute; the limiter blocks
// callers rather than failing them, so a burst of new sessions queues.
type IPAPIResolver struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewIPAPIResolver builds a resolver against ip-api.com.
func NewIPAPIResolver() *IPAPIResolver {
	return &IPAPIResolver{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/45), 45),
		baseURL: "http://ip-api.com/json",
	}
}

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Query      string  `json:"query"`
}

// Lookup implements Resolver.
func (r *IPAPIResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	ip = NormalizeIP(ip)
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid ip address %q", ip)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city,lat,lon,query", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ip, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup %s: status %d", ip, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("lookup %s failed: %s", ip, body.Message)
	}

	lat, lon := body.Lat, body.Lon
	return &Location{
		IPAddress: ip,
		City:      body.City,
		Region:    body.RegionName,
		Country:   body.Country,
		Latitude:  &lat,
		Longitude: &lon,
	}, nil
}

// FileResolver serves lookups from a static JSON table keyed by IP.
// Useful for air-gapped deployments and tests.
type FileResolver struct {
	table map[string]Location
}

// NewFileResolver loads the table from path.
func NewFileResolver(path string) (*FileResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo table: %w", err)
	}
	var table map[string]Location
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse geo table %s: %w", path, err)
	}
	return &FileResolver{table: table}, nil
}

// Lookup implements Resolver.
func (f *FileResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	ip = NormalizeIP(ip)
	loc, ok := f.table[ip]
	if !ok {
		return nil, fmt.Errorf("ip %s not in geo table", ip)
	}
	loc.IPAddress = ip
	return &loc, nil
}

// CachedResolver memoizes successful lookups with a TTL. Sessions from
// the same household hit the same handful of addresses over and over,
// so this keeps the upstream quota almost untouched.
type CachedResolver struct {
	inner Resolver
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	loc     Location
	expires time.Time
}

// NewCachedResolver wraps a resolver with a lookup cache.
func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Lookup implements Resolver.
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	ip = NormalizeIP(ip)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[ip]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		loc := e.loc
		return &loc, nil
	}
	c.mu.Unlock()

	loc, err := c.inner.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[ip] = cacheEntry{loc: *loc, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return loc, nil
}
