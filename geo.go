package pageserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const defaultGeoEndpoint = "https://ipapi.co/%s/json/"

// Location is the subset of a geolocation answer that ends up in the visitor log.
type Location struct {
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	Country     string `json:"country_name,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// GeoLocator resolves an IP address to a Location.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// GeoLocatorFunc adapts a function to [GeoLocator].
type GeoLocatorFunc func(ctx context.Context, ip string) (Location, error)

func (f GeoLocatorFunc) Locate(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}

// IPAPILocator queries an ipapi.co compatible JSON endpoint.
type IPAPILocator struct {
	endpoint string
	client   *http.Client
}

// NewIPAPILocator returns a locator for endpoint, a format string with one %s for the address.
// A nil client uses http.DefaultClient, which honours the proxy environment.
func NewIPAPILocator(endpoint string, client *http.Client) *IPAPILocator {
	if endpoint == "" {
		endpoint = defaultGeoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPAPILocator{endpoint: endpoint, client: client}
}

func (l *IPAPILocator) Locate(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(l.endpoint, url.PathEscape(ip)), nil)
	if err != nil {
		return Location{}, fmt.Errorf("build geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Location{}, fmt.Errorf("%w: status %d", ErrNoLocation, resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("decode geo response: %w", err)
	}
	return loc, nil
}

// GeoStore persists lookups between requests and restarts.
type GeoStore interface {
	Get(ctx context.Context, ip string) (Location, bool, error)
	Set(ctx context.Context, ip string, loc Location, ttl time.Duration) error
}

// CachedLocator is a read-through cache in front of another locator.
// Concurrent misses for the same address share one upstream lookup.
type CachedLocator struct {
	inner GeoLocator
	store GeoStore
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedLocator wraps inner with store. Store failures are logged and bypassed.
func NewCachedLocator(inner GeoLocator, store GeoStore, ttl time.Duration) *CachedLocator {
	return &CachedLocator{inner: inner, store: store, ttl: ttl}
}

func (c *CachedLocator) Locate(ctx context.Context, ip string) (Location, error) {
	if loc, ok, err := c.store.Get(ctx, ip); err != nil {
		logger.Debug("Geo cache read failed", "ip", ip, "error", err)
	} else if ok {
		return loc, nil
	}

	v, err, _ := c.group.Do(ip, func() (any, error) {
		loc, err := c.inner.Locate(ctx, ip)
		if err != nil {
			return Location{}, err
		}
		if err := c.store.Set(ctx, ip, loc, c.ttl); err != nil {
			logger.Debug("Geo cache write failed", "ip", ip, "error", err)
		}
		return loc, nil
	})
	if err != nil {
		return Location{}, err
	}
	return v.(Location), nil
}

// RedisGeoStore keeps lookups in Redis as JSON under prefix+ip.
type RedisGeoStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGeoStore returns a store using client. An empty prefix defaults to "pageserve:geo:".
func NewRedisGeoStore(client redis.UniversalClient, prefix string) *RedisGeoStore {
	if prefix == "" {
		prefix = "pageserve:geo:"
	}
	return &RedisGeoStore{client: client, prefix: prefix}
}

func (s *RedisGeoStore) Get(ctx context.Context, ip string) (Location, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("redis get: %w", err)
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, false, fmt.Errorf("decode cached location: %w", err)
	}
	return loc, true, nil
}

func (s *RedisGeoStore) Set(ctx context.Context, ip string, loc Location, ttl time.Duration) error {
	raw, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+ip, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ClientIP returns the visitor address: the first X-Forwarded-For entry if
// present, otherwise the host part of the socket address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
