package iterator

import (
	"sync"
	"time"

	"github.com/mroth/weightedrand"
)

// serverState tracks the usage history of one name server during the
// resolution of one zone
type serverState uint8

const (
	stateNeverTried serverState = iota
	stateInFlight
	stateTimedOut
	stateErrored
	stateAnswered
	stateUnusable
)

func (s serverState) String() string {
	names := [...]string{
		"neverTried",
		"inFlight",
		"timedOut",
		"errored",
		"answered",
		"unusable",
	}

	return names[s]
}

// NameServer is one candidate server of a delegation point
type NameServer struct {
	Name  string
	Addrs []string

	state  serverState
	rtt    time.Duration
	hasRTT bool
}

// HasAddress reports whether at least one address is known
func (s *NameServer) HasAddress() bool {
	return len(s.Addrs) > 0
}

// DelegationPoint is a zone cut: the zone name plus the candidate servers
// learned from a referral or the cache. Selection state is local to one
// resolution and needs no locking across mesh entries, the mutex only guards
// the address updates done by concurrent sub-query completions.
type DelegationPoint struct {
	Zone    string
	Servers []*NameServer

	mux sync.Mutex
}

// NewDelegationPoint creates a zone cut with the given servers
func NewDelegationPoint(zone string, servers []*NameServer) *DelegationPoint {
	return &DelegationPoint{Zone: zone, Servers: servers}
}

// SelectServer picks the next server to try: among the untried ones the best
// historical round-trip estimate wins; with no statistics present the choice
// is random, so an unlucky fixed order can't starve a server. Returns nil
// once every server was tried or is unusable.
func (d *DelegationPoint) SelectServer() *NameServer {
	d.mux.Lock()
	defer d.mux.Unlock()

	var candidates []*NameServer

	for _, srv := range d.Servers {
		if srv.state == stateNeverTried {
			candidates = append(candidates, srv)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	var best *NameServer

	for _, srv := range candidates {
		if srv.hasRTT && (best == nil || srv.rtt < best.rtt) {
			best = srv
		}
	}

	if best == nil {
		best = randomServer(candidates)
	}

	best.state = stateInFlight

	return best
}

func randomServer(candidates []*NameServer) *NameServer {
	if len(candidates) == 1 {
		return candidates[0]
	}

	choices := make([]weightedrand.Choice, len(candidates))
	for i, srv := range candidates {
		choices[i] = weightedrand.Choice{Item: srv, Weight: 1}
	}

	c, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return candidates[0]
	}

	return c.Pick().(*NameServer)
}

// MarkTimedOut records that the server did not answer within the deadline
func (d *DelegationPoint) MarkTimedOut(srv *NameServer) {
	d.setState(srv, stateTimedOut)
}

// MarkErrored records a SERVFAIL/REFUSED or malformed reply from the server
func (d *DelegationPoint) MarkErrored(srv *NameServer) {
	d.setState(srv, stateErrored)
}

// MarkUnusable records that the server's address could not be resolved
func (d *DelegationPoint) MarkUnusable(srv *NameServer) {
	d.setState(srv, stateUnusable)
}

// MarkAnswered records a usable answer and updates the round-trip estimate
func (d *DelegationPoint) MarkAnswered(srv *NameServer, rtt time.Duration) {
	d.mux.Lock()
	defer d.mux.Unlock()

	srv.state = stateAnswered
	srv.rtt = rtt
	srv.hasRTT = true
}

// SetAddresses publishes resolved addresses for a server
func (d *DelegationPoint) SetAddresses(srv *NameServer, addrs []string) {
	d.mux.Lock()
	defer d.mux.Unlock()

	srv.Addrs = addrs
	if srv.state == stateInFlight {
		srv.state = stateNeverTried
	}
}

// Exhausted reports whether no server is left to try
func (d *DelegationPoint) Exhausted() bool {
	d.mux.Lock()
	defer d.mux.Unlock()

	for _, srv := range d.Servers {
		if srv.state == stateNeverTried {
			return false
		}
	}

	return true
}

func (d *DelegationPoint) setState(srv *NameServer, state serverState) {
	d.mux.Lock()
	defer d.mux.Unlock()

	srv.state = state
}
