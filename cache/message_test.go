package cache_test

import (
	"context"
	"time"

	"github.com/KumoCorp/recursor/cache"
	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/util"

	"github.com/miekg/dns"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MessageCache", func() {
	var (
		sut      *cache.MessageCache
		ctx      context.Context
		cancel   context.CancelFunc
		question dns.Question
	)

	BeforeEach(func() {
		cfg, err := config.NewConfig()
		Expect(err).Should(Succeed())

		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		sut = cache.NewMessageCache(ctx, cfg.Caching)
		question = dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	})

	When("a positive answer is cached", func() {
		It("should serve it with decremented TTLs until the minimum TTL ran out", func() {
			msg, err := util.NewMsgWithAnswer("example.com. 100 IN A 192.0.2.1")
			Expect(err).Should(Succeed())

			sut.Put(question, false, false, msg, model.SecuritySecure)

			cached, security, found := sut.Get(question, false, false, time.Now().Add(40*time.Second))
			Expect(found).Should(BeTrue())
			Expect(security).Should(Equal(model.SecuritySecure))
			Expect(cached.Answer[0].Header().Ttl).Should(BeNumerically("~", 60, 1))

			_, _, found = sut.Get(question, false, false, time.Now().Add(101*time.Second))
			Expect(found).Should(BeFalse())
		})

		It("should key on the DNSSEC and CD flags", func() {
			msg, err := util.NewMsgWithAnswer("example.com. 100 IN A 192.0.2.1")
			Expect(err).Should(Succeed())

			sut.Put(question, true, false, msg, model.SecurityUnchecked)

			_, _, found := sut.Get(question, false, false, time.Now())
			Expect(found).Should(BeFalse())

			_, _, found = sut.Get(question, true, false, time.Now())
			Expect(found).Should(BeTrue())
		})

		It("should not mutate the stored copy on reads", func() {
			msg, err := util.NewMsgWithAnswer("example.com. 100 IN A 192.0.2.1")
			Expect(err).Should(Succeed())

			sut.Put(question, false, false, msg, model.SecurityUnchecked)

			first, _, _ := sut.Get(question, false, false, time.Now().Add(50*time.Second))
			first.Answer[0].Header().Ttl = 1

			second, _, found := sut.Get(question, false, false, time.Now().Add(50*time.Second))
			Expect(found).Should(BeTrue())
			Expect(second.Answer[0].Header().Ttl).Should(BeNumerically("~", 50, 1))
		})
	})

	When("a negative answer is cached", func() {
		It("should bound the lifetime by the SOA minimum", func() {
			msg := util.NewMsgWithQuestion("missing.example.com.", dns.TypeA)
			msg.Rcode = dns.RcodeNameError

			soa, err := dns.NewRR("example.com. 3600 IN SOA ns1.example.com. mail.example.com. 1 7200 3600 1209600 60")
			Expect(err).Should(Succeed())
			msg.Ns = []dns.RR{soa}

			q := dns.Question{Name: "missing.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
			sut.Put(q, false, false, msg, model.SecurityUnchecked)

			_, _, found := sut.Get(q, false, false, time.Now().Add(30*time.Second))
			Expect(found).Should(BeTrue())

			// SOA minimum is 60s, entry must be gone after that
			_, _, found = sut.Get(q, false, false, time.Now().Add(61*time.Second))
			Expect(found).Should(BeFalse())
		})
	})

	When("a failure is cached", func() {
		It("should keep SERVFAIL only for the short marker TTL", func() {
			msg := util.NewMsgWithQuestion("down.example.com.", dns.TypeA)
			msg.Rcode = dns.RcodeServerFailure

			q := dns.Question{Name: "down.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
			sut.Put(q, false, false, msg, model.SecurityUnchecked)

			_, _, found := sut.Get(q, false, false, time.Now().Add(10*time.Second))
			Expect(found).Should(BeTrue())

			_, _, found = sut.Get(q, false, false, time.Now().Add(31*time.Second))
			Expect(found).Should(BeFalse())
		})

		It("should keep Bogus answers only as short markers", func() {
			msg, err := util.NewMsgWithAnswer("forged.example.com. 3600 IN A 192.0.2.66")
			Expect(err).Should(Succeed())

			q := dns.Question{Name: "forged.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
			sut.Put(q, false, false, msg, model.SecurityBogus)

			_, security, found := sut.Get(q, false, false, time.Now().Add(10*time.Second))
			Expect(found).Should(BeTrue())
			Expect(security).Should(Equal(model.SecurityBogus))

			_, _, found = sut.Get(q, false, false, time.Now().Add(31*time.Second))
			Expect(found).Should(BeFalse())
		})
	})
})
