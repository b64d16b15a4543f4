package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/evt"
	"github.com/KumoCorp/recursor/metrics"
	"github.com/KumoCorp/recursor/model"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// MsgKey builds the message cache key for a query tuple and the flags that
// change the answer (DNSSEC data wanted, checking disabled)
func MsgKey(question dns.Question, wantDNSSEC, checkingDisabled bool) string {
	return fmt.Sprintf("%d:%d:%s:%t:%t", question.Qclass, question.Qtype,
		strings.ToLower(dns.Fqdn(question.Name)), wantDNSSEC, checkingDisabled)
}

type messageEntry struct {
	msg            *dns.Msg
	security       model.SecurityStatus
	storedAt       time.Time
	expiresEpochMs int64
}

func (e *messageEntry) expired(now time.Time) bool {
	return now.UnixMilli() > e.expiresEpochMs
}

// MessageCache caches complete answers keyed by query tuple and flags. The
// entry lives for the minimum TTL across the records the answer depends on,
// clamped by the configured maximum and, for negative answers, the negative
// ceiling.
type MessageCache struct {
	lru             *lru.Cache
	maxTTL          uint32
	negativeTTL     uint32
	servfailTTL     uint32
	cleanUpInterval time.Duration

	entryCount prometheus.Gauge
}

// NewMessageCache creates the cache and starts its periodic sweep
func NewMessageCache(ctx context.Context, cfg config.CachingConfig) *MessageCache {
	l, _ := lru.New(cfg.MaxItemsCount)

	c := &MessageCache{
		lru:             l,
		maxTTL:          cfg.MaxCachingTime.SecondsU32(),
		negativeTTL:     cfg.CacheTimeNegative.SecondsU32(),
		servfailTTL:     cfg.ServfailTTL.SecondsU32(),
		cleanUpInterval: cfg.CleanupInterval.ToDuration(),
		entryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recursor_message_cache_entries",
			Help: "Number of entries in the message cache",
		}),
	}

	metrics.RegisterMetric(c.entryCount)

	go c.periodicCleanup(ctx)

	return c
}

// Put stores a copy of the answer message. Bogus and SERVFAIL results are
// kept only as short failure markers to rate-limit repeated attempts.
func (c *MessageCache) Put(question dns.Question, wantDNSSEC, checkingDisabled bool,
	msg *dns.Msg, security model.SecurityStatus,
) {
	ttl := c.messageTTL(msg, security)
	if ttl == 0 {
		return
	}

	now := time.Now()

	c.lru.Add(MsgKey(question, wantDNSSEC, checkingDisabled), &messageEntry{
		msg:            msg.Copy(),
		security:       security,
		storedAt:       now,
		expiresEpochMs: now.UnixMilli() + int64(ttl)*1000,
	})

	c.entryCount.Set(float64(c.lru.Len()))
	evt.Bus().Publish(evt.CachingResultCacheChanged, c.lru.Len())
}

// Get returns a copy of the cached answer with all TTLs decremented by the
// time the entry spent in the cache. Expired entries are reclaimed and
// reported as a miss.
func (c *MessageCache) Get(question dns.Question, wantDNSSEC, checkingDisabled bool,
	now time.Time,
) (*dns.Msg, model.SecurityStatus, bool) {
	key := MsgKey(question, wantDNSSEC, checkingDisabled)

	el, found := c.lru.Get(key)
	if !found {
		evt.Bus().Publish(evt.CachingResultCacheMiss, question.Name)

		return nil, model.SecurityUnchecked, false
	}

	entry := el.(*messageEntry)
	if entry.expired(now) {
		c.lru.Remove(key)
		evt.Bus().Publish(evt.CachingResultCacheMiss, question.Name)

		return nil, model.SecurityUnchecked, false
	}

	evt.Bus().Publish(evt.CachingResultCacheHit, question.Name)

	elapsed := uint32(now.Sub(entry.storedAt).Seconds())
	msg := entry.msg.Copy()

	decrementTTLs(msg.Answer, elapsed)
	decrementTTLs(msg.Ns, elapsed)
	decrementTTLs(msg.Extra, elapsed)

	return msg, entry.security, true
}

// TotalCount returns the current number of cache elements
func (c *MessageCache) TotalCount() int {
	return c.lru.Len()
}

// Clear removes all cache entries
func (c *MessageCache) Clear() {
	c.lru.Purge()
}

// messageTTL computes how long the answer may be served from cache
func (c *MessageCache) messageTTL(msg *dns.Msg, security model.SecurityStatus) uint32 {
	if security == model.SecurityBogus || msg.Rcode == dns.RcodeServerFailure {
		return c.servfailTTL
	}

	if msg.Rcode == dns.RcodeNameError || len(msg.Answer) == 0 {
		ttl := c.negativeTTL
		if soaMin, ok := soaMinimum(msg.Ns); ok && soaMin < ttl {
			ttl = soaMin
		}

		return ttl
	}

	ttl := c.maxTTL
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}

			if rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
			}
		}
	}

	return ttl
}

// soaMinimum returns the negative caching TTL from a SOA in the authority
// section, per RFC 2308 the smaller of SOA TTL and SOA minimum field
func soaMinimum(rrs []dns.RR) (uint32, bool) {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			if soa.Hdr.Ttl < soa.Minttl {
				return soa.Hdr.Ttl, true
			}

			return soa.Minttl, true
		}
	}

	return 0, false
}

func decrementTTLs(rrs []dns.RR, elapsed uint32) {
	for _, rr := range rrs {
		hdr := rr.Header()
		if hdr.Rrtype == dns.TypeOPT {
			continue
		}

		if hdr.Ttl > elapsed {
			hdr.Ttl -= elapsed
		} else {
			hdr.Ttl = 0
		}
	}
}

func (c *MessageCache) periodicCleanup(ctx context.Context) {
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

func (c *MessageCache) cleanUp() {
	now := time.Now()

	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok {
			if v.(*messageEntry).expired(now) {
				c.lru.Remove(k)
			}
		}
	}

	c.entryCount.Set(float64(c.lru.Len()))
}
