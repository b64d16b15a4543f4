// Package mesh deduplicates concurrent resolutions. Identical in-flight
// queries share one processing goroutine, late arrivals attach as waiters,
// and sub-query dependencies are tracked to reject resolution cycles.
package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/evt"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/metrics"
	"github.com/KumoCorp/recursor/model"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrCycleDetected means a resolution transitively depends on itself, e.g. a
// zone whose name server addresses live inside the zone itself
var ErrCycleDetected = errors.New("resolution dependency cycle detected")

// Processor runs the actual resolution for one mesh entry
type Processor interface {
	Process(ctx context.Context, question dns.Question, flags Flags) (*model.Response, error)
}

// Flags are the parts of a query besides the question that change the
// answer, so they are part of the dedup key
type Flags struct {
	WantDNSSEC       bool
	CheckingDisabled bool
}

// Key identifies one deduplicatable resolution
type Key struct {
	Name             string
	Qtype            uint16
	Qclass           uint16
	WantDNSSEC       bool
	CheckingDisabled bool
}

// NewKey builds the dedup key with the owner name in canonical form
func NewKey(question dns.Question, flags Flags) Key {
	return Key{
		Name:             strings.ToLower(dns.Fqdn(question.Name)),
		Qtype:            question.Qtype,
		Qclass:           question.Qclass,
		WantDNSSEC:       flags.WantDNSSEC,
		CheckingDisabled: flags.CheckingDisabled,
	}
}

type parentKeyCtx struct{}

type entry struct {
	key     Key
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int

	// entries this one issued sub-queries to, forms the dependency graph
	// walked for cycle detection
	subs map[Key]*entry

	resp *model.Response
	err  error
}

// Mesh owns all in-flight resolutions
type Mesh struct {
	processor Processor
	logger    *logrus.Entry

	mux     sync.Mutex
	entries map[Key]*entry

	workers chan struct{}

	inflight   prometheus.Gauge
	suppressed prometheus.Counter
	cycles     prometheus.Counter
}

// New creates a mesh running resolutions through the given processor
func New(cfg config.MeshConfig, processor Processor) *Mesh {
	m := &Mesh{
		processor: processor,
		logger:    log.PrefixedLog("mesh"),
		entries:   make(map[Key]*entry),
		workers:   make(chan struct{}, cfg.MaxWorkers),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recursor_mesh_inflight",
			Help: "Number of in-flight mesh entries",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recursor_mesh_duplicates_suppressed_total",
			Help: "Number of queries attached to an existing in-flight resolution",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recursor_mesh_cycles_total",
			Help: "Number of rejected resolution dependency cycles",
		}),
	}

	metrics.RegisterMetric(m.inflight)
	metrics.RegisterMetric(m.suppressed)
	metrics.RegisterMetric(m.cycles)

	return m
}

// Resolve returns the answer for the question, either by joining an
// identical in-flight resolution or by starting a new one
func (m *Mesh) Resolve(ctx context.Context, question dns.Question, flags Flags) (*model.Response, error) {
	key := NewKey(question, flags)

	m.mux.Lock()

	parent := m.parentEntryLocked(ctx)

	if e, ok := m.entries[key]; ok {
		// joining: refuse if the target already depends on the caller
		if parent != nil && m.dependsOnLocked(e, parent.key) {
			m.mux.Unlock()
			m.cycles.Inc()
			m.logger.WithField("qname", key.Name).Warn("dependency cycle rejected")

			return nil, ErrCycleDetected
		}

		if parent != nil {
			parent.subs[key] = e
		}

		e.waiters++
		m.mux.Unlock()

		m.suppressed.Inc()
		evt.Bus().Publish(evt.MeshDuplicateSuppressed, key.Name)

		return m.wait(ctx, e)
	}

	if parent != nil && parent.key == key {
		m.mux.Unlock()
		m.cycles.Inc()

		return nil, ErrCycleDetected
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e := &entry{
		key:     key,
		done:    make(chan struct{}),
		cancel:  cancel,
		waiters: 1,
		subs:    make(map[Key]*entry),
	}

	m.entries[key] = e

	if parent != nil {
		parent.subs[key] = e
	}

	m.mux.Unlock()
	m.inflight.Inc()

	go m.run(runCtx, e, question, flags)

	return m.wait(ctx, e)
}

// run executes the resolution and fans the result out to all waiters
func (m *Mesh) run(ctx context.Context, e *entry, question dns.Question, flags Flags) {
	defer m.inflight.Dec()

	select {
	case m.workers <- struct{}{}:
		defer func() { <-m.workers }()
	case <-ctx.Done():
		m.finish(e, nil, ctx.Err())

		return
	}

	// sub-queries issued during processing carry this entry as parent
	ctx = context.WithValue(ctx, parentKeyCtx{}, e)

	resp, err := m.processor.Process(ctx, question, flags)

	m.finish(e, resp, err)
}

func (m *Mesh) finish(e *entry, resp *model.Response, err error) {
	m.mux.Lock()
	e.resp = resp
	e.err = err
	delete(m.entries, e.key)

	// drop edges into the finished entry, a later resolution under the same
	// key must not look like a cycle through the stale dependency
	for _, other := range m.entries {
		delete(other.subs, e.key)
	}
	m.mux.Unlock()

	close(e.done)
	e.cancel()
}

// wait blocks until the entry resolves or the caller gives up. When the
// last waiter withdraws the in-flight resolution is cancelled.
func (m *Mesh) wait(ctx context.Context, e *entry) (*model.Response, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		m.withdraw(e)

		return nil, ctx.Err()
	}
}

func (m *Mesh) withdraw(e *entry) {
	m.mux.Lock()
	e.waiters--
	abandoned := e.waiters <= 0
	m.mux.Unlock()

	if abandoned {
		e.cancel()
	}
}

func (m *Mesh) parentEntryLocked(ctx context.Context) *entry {
	if p, ok := ctx.Value(parentKeyCtx{}).(*entry); ok {
		return p
	}

	return nil
}

// dependsOnLocked walks the sub-query graph below e looking for target
func (m *Mesh) dependsOnLocked(e *entry, target Key) bool {
	if e.key == target {
		return true
	}

	seen := map[Key]struct{}{}

	var walk func(*entry) bool

	walk = func(cur *entry) bool {
		if _, ok := seen[cur.key]; ok {
			return false
		}

		seen[cur.key] = struct{}{}

		for k, sub := range cur.subs {
			if k == target || walk(sub) {
				return true
			}
		}

		return false
	}

	return walk(e)
}

// InflightCount reports the number of active entries, used in tests and
// the stats endpoint
func (m *Mesh) InflightCount() int {
	m.mux.Lock()
	defer m.mux.Unlock()

	return len(m.entries)
}
