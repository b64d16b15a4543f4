package transport_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/helpertest"
	"github.com/KumoCorp/recursor/transport"
	"github.com/KumoCorp/recursor/util"

	"github.com/miekg/dns"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// funcTransport delegates every exchange to the given function
type funcTransport func(ctx context.Context, msg *dns.Msg, server string,
	proto transport.Protocol) (*dns.Msg, time.Duration, error)

func (f funcTransport) Exchange(ctx context.Context, msg *dns.Msg, server string,
	proto transport.Protocol,
) (*dns.Msg, time.Duration, error) {
	return f(ctx, msg, server, proto)
}

var _ = Describe("Policy", func() {
	var cfg config.TransportConfig

	BeforeEach(func() {
		full, err := config.NewConfig()
		Expect(err).Should(Succeed())
		cfg = full.Transport
	})

	Describe("Query", func() {
		When("the first attempt fails with a transient error", func() {
			It("should retry and return the second reply", func() {
				var calls int32

				t := funcTransport(func(_ context.Context, msg *dns.Msg, _ string,
					_ transport.Protocol,
				) (*dns.Msg, time.Duration, error) {
					if atomic.AddInt32(&calls, 1) == 1 {
						return nil, 0, errors.New("connection refused")
					}

					reply := new(dns.Msg)
					reply.SetReply(msg)

					return reply, time.Millisecond, nil
				})

				sut := transport.NewPolicy(t, cfg)
				msg := util.NewMsgWithQuestion("example.com.", dns.TypeA)

				resp, _, err := sut.Query(context.Background(), "com.", "192.0.2.53:53", msg, transport.ProtocolUDP)
				Expect(err).Should(Succeed())
				Expect(resp).ShouldNot(BeNil())
				Expect(atomic.LoadInt32(&calls)).Should(Equal(int32(2)))
			})
		})

		When("every attempt fails", func() {
			It("should stop after the configured attempts and return the last error", func() {
				var calls int32

				t := funcTransport(func(context.Context, *dns.Msg, string,
					transport.Protocol,
				) (*dns.Msg, time.Duration, error) {
					atomic.AddInt32(&calls, 1)

					return nil, 0, transport.ErrTimeout
				})

				sut := transport.NewPolicy(t, cfg)
				msg := util.NewMsgWithQuestion("example.com.", dns.TypeA)

				_, _, err := sut.Query(context.Background(), "com.", "192.0.2.53:53", msg, transport.ProtocolUDP)
				Expect(err).Should(MatchError(transport.ErrTimeout))
				Expect(atomic.LoadInt32(&calls)).Should(Equal(int32(cfg.Attempts)))
			})
		})

		When("the context is cancelled", func() {
			It("should not retry", func() {
				var calls int32

				t := funcTransport(func(context.Context, *dns.Msg, string,
					transport.Protocol,
				) (*dns.Msg, time.Duration, error) {
					atomic.AddInt32(&calls, 1)

					return nil, 0, context.Canceled
				})

				sut := transport.NewPolicy(t, cfg)
				msg := util.NewMsgWithQuestion("example.com.", dns.TypeA)

				_, _, err := sut.Query(context.Background(), "com.", "192.0.2.53:53", msg, transport.ProtocolUDP)
				Expect(err).Should(HaveOccurred())
				Expect(atomic.LoadInt32(&calls)).Should(Equal(int32(1)))
			})
		})

		When("the transport answers directly", func() {
			It("should hand the message through unchanged", func() {
				msg := util.NewMsgWithQuestion("example.com.", dns.TypeA)

				reply := new(dns.Msg)
				reply.SetReply(msg)

				mt := &helpertest.MockTransport{}
				mt.On("Exchange", msg, "192.0.2.53:53", transport.ProtocolUDP).Return(reply, nil)

				sut := transport.NewPolicy(mt, cfg)

				resp, _, err := sut.Query(context.Background(), "com.", "192.0.2.53:53", msg, transport.ProtocolUDP)
				Expect(err).Should(Succeed())
				Expect(resp).Should(BeIdenticalTo(reply))

				mt.AssertExpectations(GinkgoT())
			})
		})

		When("a zone's concurrency budget is exhausted", func() {
			It("should block further queries until a slot frees up", func() {
				cfg.MaxInflightPerZone = 1

				release := make(chan struct{})
				inFlight := make(chan struct{}, 2)

				t := funcTransport(func(_ context.Context, msg *dns.Msg, _ string,
					_ transport.Protocol,
				) (*dns.Msg, time.Duration, error) {
					inFlight <- struct{}{}
					<-release

					reply := new(dns.Msg)
					reply.SetReply(msg)

					return reply, time.Millisecond, nil
				})

				sut := transport.NewPolicy(t, cfg)
				msg := util.NewMsgWithQuestion("example.com.", dns.TypeA)

				done := make(chan struct{}, 2)
				for i := 0; i < 2; i++ {
					go func() {
						defer GinkgoRecover()

						_, _, err := sut.Query(context.Background(), "com.", "192.0.2.53:53", msg, transport.ProtocolUDP)
						Expect(err).Should(Succeed())
						done <- struct{}{}
					}()
				}

				// only one exchange may start
				Eventually(inFlight).Should(HaveLen(1))
				Consistently(inFlight, "100ms").Should(HaveLen(1))

				close(release)
				Eventually(done).Should(HaveLen(2))
			})
		})
	})
})
