// Package iterator walks the DNS delegation hierarchy from the root down to
// an authoritative answer, following referrals and retrying across servers.
// It talks to the network only through the transport policy and issues
// helper lookups (name server addresses) through the query mesh.
package iterator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/KumoCorp/recursor/cache"
	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/evt"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/metrics"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/transport"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const rootZone = "."

var (
	// ErrResolutionExhausted means every server and delegation path failed
	// or a depth bound was hit; surfaced to the caller as SERVFAIL
	ErrResolutionExhausted = errors.New("resolution exhausted, all servers and paths failed")

	// ErrChainTooLong means a CNAME chain exceeded the configured maximum
	ErrChainTooLong = errors.New("cname chain too long")
)

// SubResolver issues a helper query through the mesh, so concurrent
// resolutions needing the same data share one exchange and dependency cycles
// are detected centrally.
type SubResolver interface {
	Lookup(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)
}

// Iterator drives iterative resolution for one engine instance
type Iterator struct {
	cfg        config.IteratorConfig
	policy     *transport.Policy
	rrsetCache *cache.RRSetCache
	hints      *RootHints
	sub        SubResolver
	logger     *logrus.Entry

	serverFailures *prometheus.CounterVec
	referralDepth  prometheus.Histogram
}

// New creates an iterator. The sub resolver is attached later via
// SetSubResolver because the mesh needs the iterator first.
func New(cfg config.IteratorConfig, policy *transport.Policy, rrsetCache *cache.RRSetCache) (*Iterator, error) {
	hints, err := NewRootHints(cfg.RootHints)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		cfg:        cfg,
		policy:     policy,
		rrsetCache: rrsetCache,
		hints:      hints,
		logger:     log.PrefixedLog("iterator"),
		serverFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recursor_iterator_server_failures_total",
				Help: "Number of failed exchanges with authoritative servers by reason",
			},
			[]string{"reason"},
		),
		referralDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recursor_iterator_referral_depth",
			Help:    "Referral chain depth of completed resolutions",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
	}

	metrics.RegisterMetric(it.serverFailures)
	metrics.RegisterMetric(it.referralDepth)

	return it, nil
}

// SetSubResolver attaches the mesh-backed helper lookup
func (it *Iterator) SetSubResolver(sub SubResolver) {
	it.sub = sub
}

// Resolve answers the question by walking the delegation tree, following
// CNAME indirection up to the configured chain length. The returned message
// carries the merged answer chain.
func (it *Iterator) Resolve(ctx context.Context, question dns.Question, wantDNSSEC bool) (*dns.Msg, error) {
	var chain []dns.RR

	current := question

	for hop := 0; ; hop++ {
		if hop > it.cfg.MaxCNAMEChain {
			return nil, fmt.Errorf("%w: %s exceeds %d links", ErrChainTooLong,
				question.Name, it.cfg.MaxCNAMEChain)
		}

		resp, err := it.iterate(ctx, current, wantDNSSEC)
		if err != nil {
			return nil, err
		}

		target, followed := cnameTarget(resp, current)
		if !followed {
			if len(chain) > 0 {
				resp.Answer = append(chain, resp.Answer...)
			}

			return resp, nil
		}

		it.logger.WithFields(logrus.Fields{
			"qname":  current.Name,
			"target": target,
		}).Debug("following cname")

		chain = append(chain, resp.Answer...)
		current = dns.Question{Name: target, Qtype: question.Qtype, Qclass: question.Qclass}
	}
}

// iterate resolves a single owner name without CNAME restarts: descend the
// delegation tree from the deepest usable zone cut until a server returns a
// direct or negative answer.
func (it *Iterator) iterate(ctx context.Context, question dns.Question, wantDNSSEC bool) (*dns.Msg, error) {
	dp, err := it.delegationPointFor(ctx, question.Name, wantDNSSEC)
	if err != nil {
		return nil, err
	}

	var failures error

	for depth := 0; depth < it.cfg.MaxReferralDepth; depth++ {
		resp, err := it.queryTargets(ctx, dp, question, wantDNSSEC)
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("zone %s: %w", dp.Zone, err))

			// every server at this zone cut failed: backtrack one zone
			// level and try an alternate path
			if dp.Zone == rootZone {
				break
			}

			dp, err = it.parentDelegationPoint(ctx, dp.Zone, wantDNSSEC)
			if err != nil {
				failures = multierror.Append(failures, err)

				break
			}

			continue
		}

		referral, ok := it.referralZone(resp, dp.Zone, question.Name)
		if !ok {
			// direct or negative answer, this sub-resolution is done
			it.referralDepth.Observe(float64(depth + 1))
			it.cacheResponse(resp, question)

			return resp, nil
		}

		evt.Bus().Publish(evt.IteratorReferralFollowed, referral)

		it.cacheReferral(resp, referral)

		dp = it.delegationPointFromReferral(resp, referral)
	}

	if failures == nil {
		failures = errors.New("referral depth bound hit")
	}

	return nil, fmt.Errorf("%w: %v", ErrResolutionExhausted, failures)
}

// queryTargets tries the delegation point's servers, best first, until one
// returns a usable reply. Server-local problems (timeout, SERVFAIL, lame
// referral, unresolvable address) only mark that server failed.
func (it *Iterator) queryTargets(ctx context.Context, dp *DelegationPoint,
	question dns.Question, wantDNSSEC bool,
) (*dns.Msg, error) {
	var failures error

	for {
		srv := dp.SelectServer()
		if srv == nil {
			if failures == nil {
				failures = errors.New("no servers available")
			}

			return nil, failures
		}

		if !srv.HasAddress() {
			if err := it.resolveServerAddress(ctx, dp, srv); err != nil {
				it.logger.WithField("server", srv.Name).Debugf("address lookup failed: %v", err)
				dp.MarkUnusable(srv)
				it.serverFailures.WithLabelValues("address").Inc()

				failures = multierror.Append(failures, fmt.Errorf("server %s: %w", srv.Name, err))

				continue
			}
		}

		addr := srv.Addrs[0]
		msg := it.buildQuery(question, wantDNSSEC)

		resp, rtt, err := it.policy.Query(ctx, dp.Zone, addr, msg, transport.ProtocolUDP)
		if err != nil {
			reason := "error"
			if errors.Is(err, transport.ErrTimeout) {
				reason = "timeout"
				dp.MarkTimedOut(srv)
			} else {
				dp.MarkErrored(srv)
			}

			it.serverFailures.WithLabelValues(reason).Inc()
			evt.Bus().Publish(evt.IteratorServerFailed, dp.Zone, addr)

			failures = multierror.Append(failures, fmt.Errorf("server %s: %w", addr, err))

			continue
		}

		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			dp.MarkErrored(srv)
			it.serverFailures.WithLabelValues("rcode").Inc()
			evt.Bus().Publish(evt.IteratorServerFailed, dp.Zone, addr)

			failures = multierror.Append(failures,
				fmt.Errorf("server %s: replied %s", addr, dns.RcodeToString[resp.Rcode]))

			continue
		}

		if it.isLameReferral(resp, dp.Zone, question.Name) {
			// wrong direction or sideways referral: this server does not
			// know the zone it was delegated, fail it alone
			dp.MarkErrored(srv)
			it.serverFailures.WithLabelValues("lame").Inc()

			failures = multierror.Append(failures, fmt.Errorf("server %s: lame referral", addr))

			continue
		}

		dp.MarkAnswered(srv, rtt)

		return resp, nil
	}
}

// resolveServerAddress fetches the missing glue through the mesh, falling
// back to AAAA for IPv6-only name servers. A cycle (the server's address
// lives in the zone it serves) surfaces here as an error and only disables
// this server.
func (it *Iterator) resolveServerAddress(ctx context.Context, dp *DelegationPoint, srv *NameServer) error {
	addrs, err := it.lookupAddresses(ctx, srv.Name, dns.TypeA)
	if len(addrs) == 0 {
		v6addrs, v6err := it.lookupAddresses(ctx, srv.Name, dns.TypeAAAA)
		if len(v6addrs) == 0 {
			if err == nil {
				err = v6err
			}

			if err == nil {
				err = fmt.Errorf("no address records for %s", srv.Name)
			}

			return err
		}

		addrs = v6addrs
	}

	dp.SetAddresses(srv, addrs)

	return nil
}

func (it *Iterator) lookupAddresses(ctx context.Context, name string, qtype uint16) ([]string, error) {
	resp, err := it.sub.Lookup(ctx, name, qtype)
	if err != nil {
		return nil, err
	}

	return addressesFromRecords(resp.Answer), nil
}

// addressesFromRecords collects host:port targets from A and AAAA records
func addressesFromRecords(rrs []dns.RR) []string {
	var addrs []string

	for _, rr := range rrs {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.JoinHostPort(a.A.String(), "53"))
		case *dns.AAAA:
			addrs = append(addrs, net.JoinHostPort(a.AAAA.String(), "53"))
		}
	}

	return addrs
}

func (it *Iterator) buildQuery(question dns.Question, wantDNSSEC bool) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(question.Name), question.Qtype)
	msg.Question[0].Qclass = question.Qclass
	msg.RecursionDesired = false
	msg.SetEdns0(it.policy.UDPSize(), wantDNSSEC)

	return msg
}

// referralZone decides whether resp is a referral and returns the child
// zone. A referral carries NS records in the authority section, no answer
// and no SOA, and must point strictly below the current zone so a server
// referring back to its own zone cannot stall the walk.
func (it *Iterator) referralZone(resp *dns.Msg, currentZone, qname string) (string, bool) {
	if len(resp.Answer) > 0 || resp.Rcode != dns.RcodeSuccess {
		return "", false
	}

	for _, rr := range resp.Ns {
		if _, ok := rr.(*dns.SOA); ok {
			return "", false
		}
	}

	currentZone = strings.ToLower(dns.Fqdn(currentZone))

	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			zone := strings.ToLower(ns.Header().Name)
			if zone != currentZone && dns.IsSubDomain(currentZone, zone) && dns.IsSubDomain(zone, qname) {
				return zone, true
			}
		}
	}

	return "", false
}

// isLameReferral reports whether a would-be referral points outside the
// subtree we were delegated into
func (it *Iterator) isLameReferral(resp *dns.Msg, currentZone, qname string) bool {
	if len(resp.Answer) > 0 || resp.Rcode != dns.RcodeSuccess {
		return false
	}

	currentZone = strings.ToLower(dns.Fqdn(currentZone))
	sawNS := false

	for _, rr := range resp.Ns {
		if _, ok := rr.(*dns.SOA); ok {
			return false
		}

		if ns, ok := rr.(*dns.NS); ok {
			sawNS = true

			zone := strings.ToLower(ns.Header().Name)
			if zone != currentZone && dns.IsSubDomain(currentZone, zone) && dns.IsSubDomain(zone, qname) {
				return false
			}
		}
	}

	if !sawNS {
		// neither answer, SOA nor NS: an empty non-answer is useless and
		// counts against the server
		return true
	}

	return true
}

// delegationPointFromReferral builds the child zone cut from a referral,
// attaching glue addresses from the additional section
func (it *Iterator) delegationPointFromReferral(resp *dns.Msg, zone string) *DelegationPoint {
	glue := map[string][]string{}

	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			name := strings.ToLower(a.Header().Name)
			glue[name] = append(glue[name], net.JoinHostPort(a.A.String(), "53"))
		case *dns.AAAA:
			name := strings.ToLower(a.Header().Name)
			glue[name] = append(glue[name], net.JoinHostPort(a.AAAA.String(), "53"))
		}
	}

	var servers []*NameServer

	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			name := strings.ToLower(ns.Ns)
			servers = append(servers, &NameServer{Name: name, Addrs: glue[name]})
		}
	}

	return NewDelegationPoint(zone, servers)
}

// delegationPointFor returns the deepest cached zone cut enclosing qname,
// falling back to the root hints (PRIME_ROOT) when nothing is cached
func (it *Iterator) delegationPointFor(ctx context.Context, qname string, wantDNSSEC bool) (*DelegationPoint, error) {
	qname = strings.ToLower(dns.Fqdn(qname))
	labels := dns.SplitDomainName(qname)

	for i := 0; i <= len(labels); i++ {
		zone := rootZone
		if i < len(labels) {
			zone = dns.Fqdn(strings.Join(labels[i:], "."))
		}

		if dp, ok := it.cachedDelegationPoint(zone); ok {
			return dp, nil
		}

		if zone == rootZone {
			break
		}
	}

	return it.primeRoot(ctx, wantDNSSEC)
}

// parentDelegationPoint backtracks one zone level for an alternate path
func (it *Iterator) parentDelegationPoint(ctx context.Context, zone string, wantDNSSEC bool) (*DelegationPoint, error) {
	labels := dns.SplitDomainName(zone)
	if len(labels) <= 1 {
		return it.primeRoot(ctx, wantDNSSEC)
	}

	return it.delegationPointFor(ctx, dns.Fqdn(strings.Join(labels[1:], ".")), wantDNSSEC)
}

// cachedDelegationPoint rebuilds a zone cut from the cached NS set plus any
// cached server addresses
func (it *Iterator) cachedDelegationPoint(zone string) (*DelegationPoint, bool) {
	now := time.Now()

	nsSet, ok := it.rrsetCache.Lookup(zone, dns.TypeNS, dns.ClassINET, now)
	if !ok {
		return nil, false
	}

	var servers []*NameServer

	for _, rr := range nsSet.Records {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}

		name := strings.ToLower(ns.Ns)
		srv := &NameServer{Name: name}

		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			if set, ok := it.rrsetCache.Lookup(name, qtype, dns.ClassINET, now); ok {
				srv.Addrs = append(srv.Addrs, addressesFromRecords(set.Records)...)
			}
		}

		servers = append(servers, srv)
	}

	if len(servers) == 0 {
		return nil, false
	}

	return NewDelegationPoint(zone, servers), true
}

// primeRoot bootstraps the root NS set from the hints and caches it
func (it *Iterator) primeRoot(ctx context.Context, wantDNSSEC bool) (*DelegationPoint, error) {
	dp := it.hints.DelegationPoint()

	question := dns.Question{Name: rootZone, Qtype: dns.TypeNS, Qclass: dns.ClassINET}

	resp, err := it.queryTargets(ctx, dp, question, wantDNSSEC)
	if err != nil {
		// hints are still usable even if priming failed, resolution can
		// proceed against the compiled-in addresses
		it.logger.Warnf("root priming failed, using hints as-is: %v", err)

		return it.hints.DelegationPoint(), nil
	}

	it.cacheResponse(resp, question)

	if dp, ok := it.cachedDelegationPoint(rootZone); ok {
		return dp, nil
	}

	return it.hints.DelegationPoint(), nil
}

// PrimeRoot refreshes the root NS set, used at start and by the periodic
// re-prime
func (it *Iterator) PrimeRoot(ctx context.Context) error {
	_, err := it.primeRoot(ctx, true)

	return err
}

// cacheResponse stores the RRsets of a direct answer, with credibility
// derived from the reply's authority
func (it *Iterator) cacheResponse(resp *dns.Msg, question dns.Question) {
	answerCred := model.CredibilityNonAuthAnswer
	if resp.Authoritative {
		answerCred = model.CredibilityAnswer
	}

	for _, set := range cache.GroupRRSets(resp.Answer) {
		it.rrsetCache.Store(set, answerCred)
	}

	for _, set := range cache.GroupRRSets(resp.Ns) {
		it.rrsetCache.Store(set, model.CredibilityAuthority)
	}

	for _, set := range cache.GroupRRSets(resp.Extra) {
		it.rrsetCache.Store(set, model.CredibilityAdditional)
	}
}

// cacheReferral stores the delegation NS set and its glue
func (it *Iterator) cacheReferral(resp *dns.Msg, zone string) {
	for _, set := range cache.GroupRRSets(resp.Ns) {
		if set.Type == dns.TypeNS && strings.EqualFold(set.Name, zone) {
			it.rrsetCache.Store(set, model.CredibilityAuthority)
		}
	}

	for _, set := range cache.GroupRRSets(resp.Extra) {
		it.rrsetCache.Store(set, model.CredibilityAdditional)
	}
}

// cnameTarget reports whether resp answers the question only via a CNAME
// that must be followed
func cnameTarget(resp *dns.Msg, question dns.Question) (string, bool) {
	if question.Qtype == dns.TypeCNAME {
		return "", false
	}

	var target string

	for _, rr := range resp.Answer {
		hdr := rr.Header()

		if hdr.Rrtype == question.Qtype && strings.EqualFold(hdr.Name, question.Name) {
			// the wanted type is present, nothing to follow
			return "", false
		}

		if cname, ok := rr.(*dns.CNAME); ok && strings.EqualFold(hdr.Name, question.Name) {
			target = cname.Target
		}
	}

	if target == "" {
		return "", false
	}

	// the target may already be answered within the same message
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype == question.Qtype && strings.EqualFold(rr.Header().Name, target) {
			return "", false
		}
	}

	return target, true
}
