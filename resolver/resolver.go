// Package resolver wires the engine together: caches, transport policy,
// iterator, validator and query mesh, behind one Resolver facade. All state
// hangs off the Resolver instance, there are no package globals.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/KumoCorp/recursor/cache"
	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/iterator"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/mesh"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/transport"
	"github.com/KumoCorp/recursor/util"
	"github.com/KumoCorp/recursor/validator"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Resolver is the caching validating recursive resolution engine
type Resolver struct {
	cfg config.Config

	msgCache   *cache.MessageCache
	rrsetCache *cache.RRSetCache
	policy     *transport.Policy
	iterator   *iterator.Iterator
	validator  *validator.Validator
	mesh       *mesh.Mesh

	logger *logrus.Entry
}

// New creates a fully wired engine. The context bounds the lifetime of the
// background goroutines (cache sweeps, root re-priming).
func New(ctx context.Context, cfg config.Config) (*Resolver, error) {
	return NewWithTransport(ctx, cfg, transport.NewClientTransport(cfg.Transport))
}

// NewWithTransport creates the engine on top of a caller-supplied transport,
// used by tests to script the authoritative side
func NewWithTransport(ctx context.Context, cfg config.Config, t transport.Transport) (*Resolver, error) {
	log.ConfigureLogger(cfg.Log)

	anchors, err := validator.NewTrustAnchorStore(cfg.Validator.TrustAnchors)
	if err != nil {
		return nil, fmt.Errorf("can't create trust anchor store: %w", err)
	}

	v, err := validator.New(cfg.Validator, anchors)
	if err != nil {
		return nil, fmt.Errorf("can't create validator: %w", err)
	}

	rrsetCache := cache.NewRRSetCache(ctx, cfg.Caching)
	policy := transport.NewPolicy(t, cfg.Transport)

	it, err := iterator.New(cfg.Iterator, policy, rrsetCache)
	if err != nil {
		return nil, fmt.Errorf("can't create iterator: %w", err)
	}

	r := &Resolver{
		cfg:        cfg,
		msgCache:   cache.NewMessageCache(ctx, cfg.Caching),
		rrsetCache: rrsetCache,
		policy:     policy,
		iterator:   it,
		validator:  v,
		logger:     log.PrefixedLog("resolver"),
	}

	r.mesh = mesh.New(cfg.Mesh, r)

	// iterator glue lookups and validator DS/DNSKEY fetches both go through
	// the mesh so concurrent resolutions share them
	it.SetSubResolver(&subResolver{mesh: r.mesh, checkingDisabled: false})
	v.SetQueryFunc(func(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
		sub := &subResolver{mesh: r.mesh, checkingDisabled: true}

		return sub.Lookup(ctx, qname, qtype)
	})

	if cfg.Iterator.RePrimeInterval.IsAboveZero() {
		go r.rePrimeLoop(ctx)
	}

	return r, nil
}

// Resolve answers a client request. Bogus answers are withheld and replaced
// with SERVFAIL unless the client set the CD bit.
func (r *Resolver) Resolve(ctx context.Context, request *model.Request) (*model.Response, error) {
	if len(request.Req.Question) != 1 {
		return nil, fmt.Errorf("expected exactly one question, got %d", len(request.Req.Question))
	}

	log.WithPrefix(request.Log, "resolver").Debugf("resolving %s", util.QuestionToString(request.Req.Question))

	question := request.Req.Question[0]
	flags := requestFlags(request.Req)

	response, err := r.mesh.Resolve(ctx, question, flags)
	if err != nil {
		return nil, err
	}

	reply := buildReply(request.Req, response, flags)

	return &model.Response{
		Res:      reply,
		Reason:   response.Reason,
		RType:    response.RType,
		Security: response.Security,
	}, nil
}

// requestFlags derives the dedup-relevant flags from the query message
func requestFlags(req *dns.Msg) mesh.Flags {
	flags := mesh.Flags{CheckingDisabled: req.CheckingDisabled}

	if opt := req.IsEdns0(); opt != nil && opt.Do() {
		flags.WantDNSSEC = true
	}

	return flags
}

// buildReply shapes the resolved message into a reply to the client's query
func buildReply(req *dns.Msg, response *model.Response, flags mesh.Flags) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(req)

	if response.Security == model.SecurityBogus && !flags.CheckingDisabled {
		reply.Rcode = dns.RcodeServerFailure

		return reply
	}

	res := response.Res
	reply.Rcode = res.Rcode
	reply.Answer = res.Answer
	reply.Ns = res.Ns

	if !flags.WantDNSSEC {
		reply.Answer = stripDNSSECRecords(reply.Answer)
		reply.Ns = stripDNSSECRecords(reply.Ns)
	}

	reply.AuthenticatedData = response.Security == model.SecuritySecure
	reply.RecursionAvailable = true

	return reply
}

// stripDNSSECRecords removes signature records the client did not ask for
func stripDNSSECRecords(rrs []dns.RR) []dns.RR {
	result := make([]dns.RR, 0, len(rrs))

	for _, rr := range rrs {
		if _, ok := rr.(*dns.RRSIG); ok {
			continue
		}

		result = append(result, rr)
	}

	return result
}

// rePrimeLoop refreshes the root NS set periodically so the engine does not
// keep working from stale root data
func (r *Resolver) rePrimeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Iterator.RePrimeInterval.ToDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.iterator.PrimeRoot(ctx); err != nil {
				r.logger.Warnf("root re-prime failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// MessageCache exposes the message cache, used by the CLI and tests
func (r *Resolver) MessageCache() *cache.MessageCache {
	return r.msgCache
}

// RRSetCache exposes the RRset cache, used by the CLI and tests
func (r *Resolver) RRSetCache() *cache.RRSetCache {
	return r.rrsetCache
}

// Mesh exposes the query mesh, used in tests
func (r *Resolver) Mesh() *mesh.Mesh {
	return r.mesh
}

// subResolver adapts the mesh to the plain message lookups the iterator and
// validator need
type subResolver struct {
	mesh             *mesh.Mesh
	checkingDisabled bool
}

func (s *subResolver) Lookup(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	question := dns.Question{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: dns.ClassINET}

	response, err := s.mesh.Resolve(ctx, question, mesh.Flags{
		WantDNSSEC:       true,
		CheckingDisabled: s.checkingDisabled,
	})
	if err != nil {
		return nil, err
	}

	if !s.checkingDisabled && response.Security == model.SecurityBogus {
		return nil, fmt.Errorf("lookup of %s/%s returned bogus data", qname, dns.TypeToString[qtype])
	}

	return response.Res, nil
}
