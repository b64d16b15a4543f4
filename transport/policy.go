package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/log"

	"github.com/avast/retry-go/v4"
	"github.com/miekg/dns"
)

// Policy wraps a Transport with the outbound rules: every query carries a
// deadline, transient failures are retried a bounded number of times, and no
// zone ever has more than the configured number of exchanges in flight.
type Policy struct {
	transport Transport
	timeout   time.Duration
	attempts  uint
	udpSize   uint16

	slotMux   sync.Mutex
	zoneSlots map[string]chan struct{}
	slotCap   int
}

// NewPolicy creates a Policy around the given transport
func NewPolicy(t Transport, cfg config.TransportConfig) *Policy {
	return &Policy{
		transport: t,
		timeout:   cfg.Timeout.ToDuration(),
		attempts:  cfg.Attempts,
		udpSize:   cfg.UDPBufferSize,
		zoneSlots: make(map[string]chan struct{}),
		slotCap:   cfg.MaxInflightPerZone,
	}
}

// UDPSize returns the advertised EDNS0 buffer size
func (p *Policy) UDPSize() uint16 {
	return p.udpSize
}

// Query sends msg to server on behalf of zone. It blocks while the zone's
// concurrency budget is exhausted and returns the last error once the retry
// budget is spent.
func (p *Policy) Query(ctx context.Context, zone, server string, msg *dns.Msg,
	proto Protocol,
) (*dns.Msg, time.Duration, error) {
	release, err := p.acquireSlot(ctx, zone)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	var (
		resp *dns.Msg
		rtt  time.Duration
	)

	err = retry.Do(
		func() error {
			queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			var exchangeErr error
			resp, rtt, exchangeErr = p.transport.Exchange(queryCtx, msg, server, proto)

			return exchangeErr
		},
		retry.Attempts(p.attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			log.PrefixedLog("transport").WithField("server", server).
				Debugf("retrying query (attempt %d): %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, rtt, err
	}

	return resp, rtt, nil
}

// acquireSlot takes one in-flight slot for the zone, blocking until one is
// free or the context ends
func (p *Policy) acquireSlot(ctx context.Context, zone string) (func(), error) {
	zone = strings.ToLower(dns.Fqdn(zone))

	p.slotMux.Lock()
	slots, ok := p.zoneSlots[zone]

	if !ok {
		slots = make(chan struct{}, p.slotCap)
		p.zoneSlots[zone] = slots
	}
	p.slotMux.Unlock()

	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isTransient reports whether another attempt against the same server can
// still succeed. Context cancellation is final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}
