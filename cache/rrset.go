// Package cache holds the TTL-aware RRset and message caches. Entries are
// immutable once published; every lookup hands out a fresh copy with the
// remaining TTL, so concurrent readers never observe partial updates.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/metrics"
	"github.com/KumoCorp/recursor/model"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// RRSet is a set of records sharing owner name, type and class. The TTL is
// the number of seconds the set was still valid for when it was created.
type RRSet struct {
	Name     string
	Type     uint16
	Class    uint16
	TTL      uint32
	Records  []dns.RR
	Security model.SecurityStatus
}

// RRSetKey builds the cache key for (owner name, type, class)
func RRSetKey(name string, rrType, class uint16) string {
	return fmt.Sprintf("%d:%d:%s", class, rrType, strings.ToLower(dns.Fqdn(name)))
}

// GroupRRSets splits a message section into RRsets, dropping RRSIGs (they
// travel with the message, not the set). Record order within a section is
// preserved.
func GroupRRSets(rrs []dns.RR) []*RRSet {
	var result []*RRSet

	index := map[string]*RRSet{}

	for _, rr := range rrs {
		if _, isSig := rr.(*dns.RRSIG); isSig {
			continue
		}

		hdr := rr.Header()
		key := RRSetKey(hdr.Name, hdr.Rrtype, hdr.Class)

		set, ok := index[key]
		if !ok {
			set = &RRSet{
				Name:  dns.Fqdn(hdr.Name),
				Type:  hdr.Rrtype,
				Class: hdr.Class,
				TTL:   hdr.Ttl,
			}
			index[key] = set
			result = append(result, set)
		}

		if hdr.Ttl < set.TTL {
			set.TTL = hdr.Ttl
		}

		set.Records = append(set.Records, rr)
	}

	return result
}

type rrsetEntry struct {
	set            *RRSet
	credibility    model.Credibility
	storedAt       time.Time
	expiresEpochMs int64
	rotor          uint32
}

func (e *rrsetEntry) expired(now time.Time) bool {
	return now.UnixMilli() > e.expiresEpochMs
}

// RRSetCache is a bounded, credibility-aware cache of RRsets. All operations
// are safe for concurrent use.
type RRSetCache struct {
	lru             *lru.Cache
	maxTTL          uint32
	cleanUpInterval time.Duration

	// serializes the credibility decision in Store, the LRU itself is
	// already thread safe
	storeMux sync.Mutex

	hitCount  prometheus.Counter
	missCount prometheus.Counter
}

// NewRRSetCache creates the cache and starts its periodic sweep, which stops
// when ctx is cancelled.
func NewRRSetCache(ctx context.Context, cfg config.CachingConfig) *RRSetCache {
	l, _ := lru.New(cfg.MaxItemsCount)

	c := &RRSetCache{
		lru:             l,
		maxTTL:          cfg.MaxCachingTime.SecondsU32(),
		cleanUpInterval: cfg.CleanupInterval.ToDuration(),
		hitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recursor_rrset_cache_hits_total",
			Help: "Number of RRset cache hits",
		}),
		missCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recursor_rrset_cache_misses_total",
			Help: "Number of RRset cache misses",
		}),
	}

	metrics.RegisterMetric(c.hitCount)
	metrics.RegisterMetric(c.missCount)

	go c.periodicCleanup(ctx)

	return c
}

// Store publishes a new version of the RRset under its key. A store with
// lower credibility than a live existing entry is a no-op; among equal or
// higher credibility the last write wins.
func (c *RRSetCache) Store(set *RRSet, credibility model.Credibility) {
	ttl := set.TTL
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	if ttl == 0 || len(set.Records) == 0 {
		return
	}

	key := RRSetKey(set.Name, set.Type, set.Class)
	now := time.Now()

	entry := &rrsetEntry{
		set:            copyRRSet(set, ttl),
		credibility:    credibility,
		storedAt:       now,
		expiresEpochMs: now.UnixMilli() + int64(ttl)*1000,
	}

	c.storeMux.Lock()
	defer c.storeMux.Unlock()

	if existing, ok := c.lru.Peek(key); ok {
		e := existing.(*rrsetEntry)
		if !e.expired(now) && e.credibility > credibility {
			return
		}
	}

	c.lru.Add(key, entry)
}

// Lookup returns a copy of the live RRset for the key, with record order
// rotated round robin and TTLs decremented to the remaining lifetime. A
// lookup past expiry removes the entry and reports a miss.
func (c *RRSetCache) Lookup(name string, rrType, class uint16, now time.Time) (*RRSet, bool) {
	key := RRSetKey(name, rrType, class)

	el, found := c.lru.Get(key)
	if !found {
		c.missCount.Inc()

		return nil, false
	}

	entry := el.(*rrsetEntry)
	if entry.expired(now) {
		c.lru.Remove(key)
		c.missCount.Inc()

		return nil, false
	}

	c.hitCount.Inc()

	remaining := uint32((entry.expiresEpochMs - now.UnixMilli()) / 1000)
	rotation := atomic.AddUint32(&entry.rotor, 1)

	return viewOf(entry.set, remaining, int(rotation)), true
}

// Credibility returns the stored credibility of a live entry, used by tests
// and by the iterator to decide whether glue may be overwritten.
func (c *RRSetCache) Credibility(name string, rrType, class uint16) (model.Credibility, bool) {
	el, found := c.lru.Peek(RRSetKey(name, rrType, class))
	if !found {
		return 0, false
	}

	entry := el.(*rrsetEntry)
	if entry.expired(time.Now()) {
		return 0, false
	}

	return entry.credibility, true
}

// TotalCount returns the current number of cache elements
func (c *RRSetCache) TotalCount() int {
	return c.lru.Len()
}

// Clear removes all cache entries
func (c *RRSetCache) Clear() {
	c.lru.Purge()
}

func (c *RRSetCache) periodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cleanUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanUp()
		case <-ctx.Done():
			return
		}
	}
}

func (c *RRSetCache) cleanUp() {
	now := time.Now()

	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok {
			if v.(*rrsetEntry).expired(now) {
				c.lru.Remove(k)
			}
		}
	}
}

// copyRRSet deep-copies the set so later caller mutations can't reach the
// published cache entry
func copyRRSet(set *RRSet, ttl uint32) *RRSet {
	records := make([]dns.RR, len(set.Records))
	for i, rr := range set.Records {
		records[i] = dns.Copy(rr)
		records[i].Header().Ttl = ttl
	}

	return &RRSet{
		Name:     dns.Fqdn(set.Name),
		Type:     set.Type,
		Class:    set.Class,
		TTL:      ttl,
		Records:  records,
		Security: set.Security,
	}
}

// viewOf builds the reader copy: rotated record order, remaining TTL
func viewOf(set *RRSet, remaining uint32, rotation int) *RRSet {
	count := len(set.Records)
	records := make([]dns.RR, count)

	for i := range set.Records {
		rr := dns.Copy(set.Records[(i+rotation)%count])
		rr.Header().Ttl = remaining
		records[i] = rr
	}

	return &RRSet{
		Name:     set.Name,
		Type:     set.Type,
		Class:    set.Class,
		TTL:      remaining,
		Records:  records,
		Security: set.Security,
	}
}
