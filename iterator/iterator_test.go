package iterator_test

import (
	"context"
	"fmt"
	"time"

	"github.com/KumoCorp/recursor/cache"
	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/helpertest"
	"github.com/KumoCorp/recursor/iterator"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/transport"

	"github.com/miekg/dns"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	rootAddr = "198.41.0.4:53"
	tldAddr  = "192.0.2.10:53"
	authAddr = "192.0.2.20:53"
)

// subResolverFunc adapts a function to the helper lookup interface
type subResolverFunc func(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)

func (f subResolverFunc) Lookup(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	return f(ctx, qname, qtype)
}

func answerMsg(q dns.Question, rrs ...string) *dns.Msg {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{q}
	msg.Response = true
	msg.Authoritative = true

	for _, rr := range rrs {
		msg.Answer = append(msg.Answer, helpertest.MustNewRR(rr))
	}

	return msg
}

func referralMsg(q dns.Question, nsRRs, glueRRs []string) *dns.Msg {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{q}
	msg.Response = true

	for _, rr := range nsRRs {
		msg.Ns = append(msg.Ns, helpertest.MustNewRR(rr))
	}

	for _, rr := range glueRRs {
		msg.Extra = append(msg.Extra, helpertest.MustNewRR(rr))
	}

	return msg
}

func rcodeMsg(q dns.Question, rcode int) *dns.Msg {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{q}
	msg.Response = true
	msg.Rcode = rcode

	return msg
}

// rootNSHandler answers the priming query at the root server
func rootNSMsg(q dns.Question) *dns.Msg {
	msg := answerMsg(q, ". 518400 IN NS a.root-servers.net.")
	msg.Extra = append(msg.Extra, helpertest.MustNewRR("a.root-servers.net. 518400 IN A 198.41.0.4"))

	return msg
}

var _ = Describe("Iterator", func() {
	var (
		cfg        config.Config
		ctx        context.Context
		cancel     context.CancelFunc
		rrsetCache *cache.RRSetCache
	)

	BeforeEach(func() {
		var err error
		cfg, err = config.NewConfig()
		Expect(err).Should(Succeed())

		cfg.Iterator.RootHints = []string{"a.root-servers.net=198.41.0.4"}
		cfg.Transport.Attempts = 1

		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		rrsetCache = cache.NewRRSetCache(ctx, cfg.Caching)
	})

	newIterator := func(t transport.Transport) *iterator.Iterator {
		policy := transport.NewPolicy(t, cfg.Transport)

		it, err := iterator.New(cfg.Iterator, policy, rrsetCache)
		Expect(err).Should(Succeed())

		it.SetSubResolver(subResolverFunc(func(context.Context, string, uint16) (*dns.Msg, error) {
			return nil, fmt.Errorf("no sub resolver in this test")
		}))

		return it
	}

	Describe("delegation walk", func() {
		It("should follow referrals from the root to the authoritative answer", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					return referralMsg(q,
						[]string{"test. 172800 IN NS ns.tld.test."},
						[]string{"ns.tld.test. 172800 IN A 192.0.2.10"}), nil
				case tldAddr:
					return referralMsg(q,
						[]string{"example.test. 86400 IN NS ns.example.test."},
						[]string{"ns.example.test. 86400 IN A 192.0.2.20"}), nil
				case authAddr:
					return answerMsg(q, "www.example.test. 300 IN A 192.0.2.100"), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			resp, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("www.example.test.", helpertest.A, "192.0.2.100"))
		})

		It("should cache referral NS sets with authority credibility and glue as additional", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					return referralMsg(q,
						[]string{"test. 172800 IN NS ns.tld.test."},
						[]string{"ns.tld.test. 172800 IN A 192.0.2.10"}), nil
				case tldAddr:
					return answerMsg(q, "example.test. 300 IN A 192.0.2.100"), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			_, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())

			cred, ok := rrsetCache.Credibility("test.", dns.TypeNS, dns.ClassINET)
			Expect(ok).Should(BeTrue())
			Expect(cred).Should(Equal(model.CredibilityAuthority))

			cred, ok = rrsetCache.Credibility("ns.tld.test.", dns.TypeA, dns.ClassINET)
			Expect(ok).Should(BeTrue())
			Expect(cred).Should(Equal(model.CredibilityAdditional))
		})

		It("should reuse the cached delegation on a second resolution", func() {
			var rootReferrals int

			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					rootReferrals++

					return referralMsg(q,
						[]string{"test. 172800 IN NS ns.tld.test."},
						[]string{"ns.tld.test. 172800 IN A 192.0.2.10"}), nil
				case tldAddr:
					return answerMsg(q, q.Name+" 300 IN A 192.0.2.100"), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			sut := newIterator(zones)

			_, err := sut.Resolve(ctx, dns.Question{Name: "one.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, false)
			Expect(err).Should(Succeed())

			_, err = sut.Resolve(ctx, dns.Question{Name: "two.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, false)
			Expect(err).Should(Succeed())

			// the second walk starts at the cached test. zone cut
			Expect(rootReferrals).Should(Equal(1))
		})
	})

	Describe("server failure handling", func() {
		It("should fail with all paths exhausted when every server times out", func() {
			zones := helpertest.NewZoneTransport(func(string, dns.Question) (*dns.Msg, error) {
				return nil, transport.ErrTimeout
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			_, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(MatchError(iterator.ErrResolutionExhausted))
		})

		It("should try another server after a SERVFAIL", func() {
			cfg.Iterator.RootHints = []string{
				"a.root-servers.net=198.41.0.4",
				"b.root-servers.net=198.41.0.5",
			}

			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				if server == "198.41.0.5:53" {
					return rcodeMsg(q, dns.RcodeServerFailure), nil
				}

				if q.Name == "." && q.Qtype == dns.TypeNS {
					msg := answerMsg(q,
						". 518400 IN NS a.root-servers.net.",
						". 518400 IN NS b.root-servers.net.")
					msg.Extra = append(msg.Extra,
						helpertest.MustNewRR("a.root-servers.net. 518400 IN A 198.41.0.4"),
						helpertest.MustNewRR("b.root-servers.net. 518400 IN A 198.41.0.5"))

					return msg, nil
				}

				return answerMsg(q, "www.example.test. 300 IN A 192.0.2.100"), nil
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			resp, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("www.example.test.", helpertest.A, "192.0.2.100"))
		})

		It("should treat a sideways referral as a lame server", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				if q.Name == "." && q.Qtype == dns.TypeNS {
					return rootNSMsg(q), nil
				}

				// referral to a zone that does not enclose the question
				return referralMsg(q,
					[]string{"unrelated. 172800 IN NS ns.unrelated."},
					[]string{"ns.unrelated. 172800 IN A 192.0.2.99"}), nil
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			_, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(MatchError(iterator.ErrResolutionExhausted))
			Expect(err.Error()).Should(ContainSubstring("lame referral"))
		})

		It("should treat a referral back to the server's own zone as lame", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					return referralMsg(q,
						[]string{"test. 172800 IN NS ns.tld.test."},
						[]string{"ns.tld.test. 172800 IN A 192.0.2.10"}), nil
				case tldAddr:
					// the server hands back the delegation it was given itself
					return referralMsg(q,
						[]string{"test. 172800 IN NS ns.tld.test."},
						[]string{"ns.tld.test. 172800 IN A 192.0.2.10"}), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			_, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(MatchError(iterator.ErrResolutionExhausted))
			Expect(err.Error()).Should(ContainSubstring("lame referral"))
		})
	})

	Describe("IPv6-only name servers", func() {
		It("should use AAAA glue when a name server has no A record", func() {
			const auth6Addr = "[2001:db8::20]:53"

			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					return referralMsg(q,
						[]string{"test. 172800 IN NS ns6.tld.test."},
						[]string{"ns6.tld.test. 172800 IN AAAA 2001:db8::20"}), nil
				case auth6Addr:
					return answerMsg(q, "www.example.test. 300 IN A 192.0.2.100"), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			resp, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("www.example.test.", helpertest.A, "192.0.2.100"))
		})

		It("should fall back to an AAAA lookup for a glue-less server", func() {
			const auth6Addr = "[2001:db8::99]:53"

			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				switch server {
				case rootAddr:
					if q.Name == "." && q.Qtype == dns.TypeNS {
						return rootNSMsg(q), nil
					}

					return referralMsg(q,
						[]string{"example.test. 86400 IN NS ns.offsite.example."}, nil), nil
				case auth6Addr:
					return answerMsg(q, "www.example.test. 300 IN A 192.0.2.100"), nil
				}

				return nil, fmt.Errorf("unexpected server %s", server)
			})

			policy := transport.NewPolicy(zones, cfg.Transport)

			sut, err := iterator.New(cfg.Iterator, policy, rrsetCache)
			Expect(err).Should(Succeed())

			// the server's name only resolves to an IPv6 address
			sut.SetSubResolver(subResolverFunc(func(_ context.Context, qname string, qtype uint16) (*dns.Msg, error) {
				msg := new(dns.Msg)
				if qtype == dns.TypeAAAA {
					msg.Answer = []dns.RR{helpertest.MustNewRR(qname + " 300 IN AAAA 2001:db8::99")}
				}

				return msg, nil
			}))

			question := dns.Question{Name: "www.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			resp, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("www.example.test.", helpertest.A, "192.0.2.100"))
		})
	})

	Describe("CNAME handling", func() {
		It("should follow a CNAME to the target", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				if q.Name == "." && q.Qtype == dns.TypeNS {
					return rootNSMsg(q), nil
				}

				switch q.Name {
				case "alias.test.":
					return answerMsg(q, "alias.test. 300 IN CNAME target.test."), nil
				case "target.test.":
					return answerMsg(q, "target.test. 300 IN A 192.0.2.7"), nil
				}

				return nil, fmt.Errorf("unexpected question %s", q.Name)
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "alias.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			resp, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(Succeed())
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("alias.test.", helpertest.CNAME, "target.test."))
			Expect(resp.Answer).Should(helpertest.BeDNSRecord("target.test.", helpertest.A, "192.0.2.7"))
		})

		It("should not follow a chain past the configured bound", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				if q.Name == "." && q.Qtype == dns.TypeNS {
					return rootNSMsg(q), nil
				}

				// every name is an alias for the next one, forever
				return answerMsg(q, fmt.Sprintf("%s 300 IN CNAME x%s", q.Name, q.Name)), nil
			})

			sut := newIterator(zones)

			question := dns.Question{Name: "loop.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

			_, err := sut.Resolve(ctx, question, false)
			Expect(err).Should(MatchError(iterator.ErrChainTooLong))
		})
	})

	Describe("root priming", func() {
		It("should prime the root NS set into the cache", func() {
			zones := helpertest.NewZoneTransport(func(server string, q dns.Question) (*dns.Msg, error) {
				if q.Name == "." && q.Qtype == dns.TypeNS {
					return rootNSMsg(q), nil
				}

				return answerMsg(q, "www.example.test. 300 IN A 192.0.2.100"), nil
			})

			sut := newIterator(zones)

			Expect(sut.PrimeRoot(ctx)).Should(Succeed())

			set, found := rrsetCache.Lookup(".", dns.TypeNS, dns.ClassINET, time.Now())
			Expect(found).Should(BeTrue())
			Expect(set.Records).Should(helpertest.BeDNSRecord(".", helpertest.NS, "a.root-servers.net."))
		})
	})
})
