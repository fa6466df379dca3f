// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnschain

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/flywall/routerd/internal/clock"
)

// negativeTTL bounds how long an NXDOMAIN/SERVFAIL answer is cached
// when the authority section carries no SOA (RFC 2308 minimum),
// matching the donor cache's fallback when cacheResponse sees no TTL
// to derive from.
const negativeTTL = 30 * time.Second

type cacheEntry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// Cache is a single-flow answer cache keyed by (name, qtype), with
// negative caching of NXDOMAIN/SERVFAIL responses and coalescing of
// concurrent misses for the same key so a cache stampede on a popular
// name only issues one upstream query (spec §4.7: "a cache keyed by
// name and type, including negative caching of failures").
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	inFlight map[string]*sync.WaitGroup
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]cacheEntry),
		inFlight: make(map[string]*sync.WaitGroup),
	}
}

func cacheKey(name string, qtype uint16) string {
	return fmt.Sprintf("%s:%d", name, qtype)
}

// Get returns a cached response for (name, qtype) if present and
// unexpired.
func (c *Cache) Get(name string, qtype uint16) (*dns.Msg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(name, qtype)]
	if !ok || clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.msg.Copy(), true
}

// Put caches resp for the query (name, qtype), deriving the TTL from
// the lowest answer TTL, or negativeTTL for a negative response with
// no cacheable minimum.
func (c *Cache) Put(name string, qtype uint16, resp *dns.Msg) {
	if resp == nil {
		return
	}
	ttl := negativeTTL
	if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		ttl = time.Duration(minTTL(resp.Answer)) * time.Second
	} else if soaMin, ok := soaMinimum(resp.Ns); ok {
		ttl = time.Duration(soaMin) * time.Second
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(name, qtype)] = cacheEntry{msg: resp.Copy(), expiresAt: clock.Now().Add(ttl)}
}

// Coalesce runs fn for (name, qtype) if no other call is already doing
// so; a concurrent caller instead waits for the in-flight call to
// finish and then runs its own fn, which (as in Chain.resolve)
// re-checks the cache before querying upstream.
func (c *Cache) Coalesce(name string, qtype uint16, fn func()) {
	key := cacheKey(name, qtype)

	c.mu.Lock()
	if wg, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		wg.Wait()
		fn()
		return
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[key] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		wg.Done()
	}()

	fn()
}

func minTTL(rrs []dns.RR) uint32 {
	min := uint32(0)
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

func soaMinimum(rrs []dns.RR) (uint32, bool) {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}
