// Package helpertest contains matchers and fakes shared by the package
// test suites.
package helpertest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/transport"

	"github.com/miekg/dns"
	"github.com/onsi/gomega"
	"github.com/onsi/gomega/gcustom"
	"github.com/onsi/gomega/types"
	"github.com/stretchr/testify/mock"
)

const (
	A     = dns.Type(dns.TypeA)
	AAAA  = dns.Type(dns.TypeAAAA)
	CNAME = dns.Type(dns.TypeCNAME)
	MX    = dns.Type(dns.TypeMX)
	NS    = dns.Type(dns.TypeNS)
	SOA   = dns.Type(dns.TypeSOA)
	TXT   = dns.Type(dns.TypeTXT)
	DS    = dns.Type(dns.TypeDS)
)

// TempFile creates temp file with passed data
func TempFile(data string) *os.File {
	f, err := os.CreateTemp("", "prefix")
	if err != nil {
		log.Log().Fatal(err)
	}

	_, err = f.WriteString(data)
	if err != nil {
		log.Log().Fatal(err)
	}

	return f
}

// MustNewRR parses a record in zone file format, failing the test on error
func MustNewRR(s string) dns.RR {
	rr, err := dns.NewRR(s)
	if err != nil {
		log.Log().Fatalf("invalid test record %q: %v", s, err)
	}

	return rr
}

func ToAnswer(m *model.Response) []dns.RR {
	return m.Res.Answer
}

func HaveNoAnswer() types.GomegaMatcher {
	return gomega.WithTransform(ToAnswer, gomega.BeEmpty())
}

func HaveReason(reason string) types.GomegaMatcher {
	return gcustom.MakeMatcher(func(m *model.Response) (bool, error) {
		return m.Reason == reason, nil
	}).WithTemplate(
		"Expected:\n{{.Actual}}\n{{.To}} have reason:\n{{format .Data 1}}",
		reason,
	)
}

func HaveResponseType(c model.ResponseType) types.GomegaMatcher {
	return gcustom.MakeMatcher(func(m *model.Response) (bool, error) {
		return m.RType == c, nil
	}).WithTemplate(
		"Expected:\n{{.Actual}}\n{{.To}} have ResponseType:\n{{format .Data 1}}",
		c.String(),
	)
}

func HaveSecurityStatus(s model.SecurityStatus) types.GomegaMatcher {
	return gcustom.MakeMatcher(func(m *model.Response) (bool, error) {
		return m.Security == s, nil
	}).WithTemplate(
		"Expected:\n{{.Actual}}\n{{.To}} have SecurityStatus:\n{{format .Data 1}}",
		s.String(),
	)
}

func HaveReturnCode(code int) types.GomegaMatcher {
	return gcustom.MakeMatcher(func(m *model.Response) (bool, error) {
		return m.Res.Rcode == code, nil
	}).WithTemplate(
		"Expected:\n{{.Actual}}\n{{.To}} have RCode:\n{{format .Data 1}}",
		fmt.Sprintf("%d (%s)", code, dns.RcodeToString[code]),
	)
}

func toFirstRR(actual interface{}) (dns.RR, error) {
	switch i := actual.(type) {
	case *model.Response:
		return toFirstRR(i.Res)
	case *dns.Msg:
		return toFirstRR(i.Answer)
	case []dns.RR:
		if len(i) == 0 {
			return nil, fmt.Errorf("answer must not be empty")
		}

		return toFirstRR(i[0])
	case dns.RR:
		return i, nil
	default:
		return nil, fmt.Errorf("not supported type")
	}
}

func HaveTTL(matcher types.GomegaMatcher) types.GomegaMatcher {
	return gomega.WithTransform(func(actual interface{}) (uint32, error) {
		rr, err := toFirstRR(actual)
		if err != nil {
			return 0, err
		}

		return rr.Header().Ttl, nil
	}, matcher)
}

// BeDNSRecord returns new dns matcher
func BeDNSRecord(domain string, dnsType dns.Type, answer string) types.GomegaMatcher {
	return &dnsRecordMatcher{
		domain:  domain,
		dnsType: dnsType,
		answer:  answer,
	}
}

type dnsRecordMatcher struct {
	domain  string
	dnsType dns.Type
	answer  string
}

func (matcher *dnsRecordMatcher) matchSingle(rr dns.RR) (success bool, err error) {
	if (rr.Header().Name != matcher.domain) ||
		(dns.Type(rr.Header().Rrtype) != matcher.dnsType) {
		return false, nil
	}

	switch v := rr.(type) {
	case *dns.A:
		return v.A.String() == matcher.answer, nil
	case *dns.AAAA:
		return v.AAAA.String() == matcher.answer, nil
	case *dns.CNAME:
		return v.Target == matcher.answer, nil
	case *dns.NS:
		return v.Ns == matcher.answer, nil
	case *dns.MX:
		return v.Mx == matcher.answer, nil
	case *dns.TXT:
		return len(v.Txt) > 0 && v.Txt[0] == matcher.answer, nil
	}

	return false, nil
}

// Match checks if the DNS record matches
func (matcher *dnsRecordMatcher) Match(actual interface{}) (success bool, err error) {
	switch i := actual.(type) {
	case dns.RR:
		return matcher.matchSingle(i)
	case []dns.RR:
		for _, rr := range i {
			if ok, _ := matcher.matchSingle(rr); ok {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("not supported type")
	}
}

// FailureMessage generates failure message
func (matcher *dnsRecordMatcher) FailureMessage(actual interface{}) (message string) {
	return fmt.Sprintf("Expected\n\t%v\nto contain record\n\t%s %s '%s'",
		actual, matcher.domain, matcher.dnsType.String(), matcher.answer)
}

// NegatedFailureMessage creates negated message
func (matcher *dnsRecordMatcher) NegatedFailureMessage(actual interface{}) (message string) {
	return fmt.Sprintf("Expected\n\t%v\nnot to contain record\n\t%s %s '%s'",
		actual, matcher.domain, matcher.dnsType.String(), matcher.answer)
}

// MockTransport is a testify based transport fake with scripted exchanges
type MockTransport struct {
	mock.Mock
}

// Exchange returns the scripted reply for the server/question pair
func (m *MockTransport) Exchange(_ context.Context, msg *dns.Msg, server string,
	proto transport.Protocol,
) (*dns.Msg, time.Duration, error) {
	args := m.Called(msg, server, proto)

	var resp *dns.Msg
	if args.Get(0) != nil {
		resp = args.Get(0).(*dns.Msg)
	}

	return resp, time.Millisecond, args.Error(1)
}

// ZoneTransport answers like a static set of authoritative servers: the
// handler gets the target server address and the question and returns the
// reply that server would give
type ZoneTransport struct {
	Handler func(server string, question dns.Question) (*dns.Msg, error)

	mux sync.Mutex
	// CallCounts tracks exchanges per "server|qname|qtype"
	CallCounts map[string]int
}

// NewZoneTransport creates a scripted transport
func NewZoneTransport(handler func(server string, question dns.Question) (*dns.Msg, error)) *ZoneTransport {
	return &ZoneTransport{Handler: handler, CallCounts: make(map[string]int)}
}

func (t *ZoneTransport) Exchange(_ context.Context, msg *dns.Msg, server string,
	_ transport.Protocol,
) (*dns.Msg, time.Duration, error) {
	question := msg.Question[0]

	t.mux.Lock()
	t.CallCounts[fmt.Sprintf("%s|%s|%d", server, question.Name, question.Qtype)]++
	t.mux.Unlock()

	resp, err := t.Handler(server, question)
	if err != nil {
		return nil, 0, err
	}

	resp.Id = msg.Id

	return resp, time.Millisecond, nil
}
