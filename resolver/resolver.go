// Package resolver turns connect targets into dialable IP addresses. Host
// names are looked up once per TTL, so a session retrying a connect every few
// hundred milliseconds does not query DNS on every attempt.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a resolved address stays cached.
const DefaultTTL = 30 * time.Second

// ErrNoAddress is returned when a lookup succeeds without any usable address.
var ErrNoAddress = errors.New("resolver: no address found")

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver caches host lookups. It uses go-cache for storage and singleflight
// so that concurrent lookups of the same host run once.
type Resolver struct {
	cache  *cache.Cache
	group  singleflight.Group
	lookup LookupFunc
	ttl    time.Duration
}

// New creates a Resolver backed by net.DefaultResolver.
//
// Parameters:
//   - ttl: Lifetime of cached addresses; zero or negative selects DefaultTTL
//
// Returns:
//   - A new *Resolver
func New(ttl time.Duration) *Resolver {
	return NewWithLookup(ttl, net.DefaultResolver.LookupHost)
}

// NewWithLookup creates a Resolver that uses lookup for cache misses.
//
// Parameters:
//   - ttl: Lifetime of cached addresses; zero or negative selects DefaultTTL
//   - lookup: Function consulted on cache misses
//
// Returns:
//   - A new *Resolver
func NewWithLookup(ttl time.Duration, lookup LookupFunc) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Resolver{
		cache:  cache.New(ttl, 2*ttl),
		lookup: lookup,
		ttl:    ttl,
	}
}

var defaultResolver = New(DefaultTTL)

// Default returns the process-wide resolver used when a session is not
// configured with its own.
func Default() *Resolver {
	return defaultResolver
}

// Resolve returns an IP address for host. IP literals are returned unchanged
// without touching the cache.
//
// Parameters:
//   - ctx: Context for cancellation of the lookup
//   - host: IP literal or host name
//
// Returns:
//   - The IP address as a string
//   - An error if the lookup fails or yields no address
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}

	if ip, found := r.cache.Get(host); found {
		return ip.(string), nil
	}

	val, err, _ := r.group.Do(host, func() (interface{}, error) {
		if ip, found := r.cache.Get(host); found {
			return ip, nil
		}

		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return "", err
		}

		for _, a := range addrs {
			if addr, err := netip.ParseAddr(a); err == nil {
				ip := addr.String()
				r.cache.Set(host, ip, r.ttl)
				return ip, nil
			}
		}

		return "", ErrNoAddress
	})

	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}

	return val.(string), nil
}

// Forget drops the cached address of host, forcing the next Resolve to look
// it up again.
func (r *Resolver) Forget(host string) {
	r.cache.Delete(host)
}
