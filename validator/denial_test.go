package validator

import (
	"encoding/base32"
	"strings"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/model"

	"github.com/miekg/dns"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const nsec3Iterations = 2

// shiftHash returns the base32hex hash incremented or decremented by one,
// used to build spans tightly enclosing a target hash
func shiftHash(hash string, up bool) string {
	decoder := base32.HexEncoding.WithPadding(base32.NoPadding)

	b, err := decoder.DecodeString(strings.ToUpper(hash))
	Expect(err).Should(Succeed())

	for i := len(b) - 1; i >= 0; i-- {
		if up {
			b[i]++
			if b[i] != 0 {
				break
			}
		} else {
			b[i]--
			if b[i] != 0xFF {
				break
			}
		}
	}

	return decoder.EncodeToString(b)
}

func nameHash(name string) string {
	return dns.HashName(dns.CanonicalName(name), dns.SHA1, nsec3Iterations, "")
}

// nsec3Matching builds an NSEC3 whose owner hash equals the given name's
// hash, proving the name exists with exactly the given types
func nsec3Matching(zone, name string, types []uint16) *dns.NSEC3 {
	hash := nameHash(name)

	return &dns.NSEC3{
		Hdr: dns.RR_Header{
			Name:   strings.ToLower(hash) + "." + zone,
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		Hash:       dns.SHA1,
		Iterations: nsec3Iterations,
		HashLength: 20,
		NextDomain: shiftHash(hash, true),
		TypeBitMap: types,
	}
}

// nsec3Covering builds an NSEC3 whose span tightly encloses the given
// name's hash, proving the name does not exist
func nsec3Covering(zone, name string, optOut bool) *dns.NSEC3 {
	hash := nameHash(name)

	var flags uint8
	if optOut {
		flags = optOutFlag
	}

	return &dns.NSEC3{
		Hdr: dns.RR_Header{
			Name:   strings.ToLower(shiftHash(hash, false)) + "." + zone,
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		Hash:       dns.SHA1,
		Flags:      flags,
		Iterations: nsec3Iterations,
		HashLength: 20,
		NextDomain: shiftHash(hash, true),
		TypeBitMap: []uint16{dns.TypeA},
	}
}

var _ = Describe("NSEC3 denial", func() {
	var sut *Validator

	const zone = "example.test."

	BeforeEach(func() {
		full, err := config.NewConfig()
		Expect(err).Should(Succeed())

		anchors, err := NewTrustAnchorStore(nil)
		Expect(err).Should(Succeed())

		sut, err = New(full.Validator, anchors)
		Expect(err).Should(Succeed())
	})

	nxdomainResponse := func(records ...dns.RR) *dns.Msg {
		msg := new(dns.Msg)
		msg.Rcode = dns.RcodeNameError
		msg.Ns = records

		return msg
	}

	Describe("NXDOMAIN proofs", func() {
		It("should accept a complete closest encloser proof", func() {
			resp := nxdomainResponse(
				nsec3Matching(zone, zone, []uint16{dns.TypeSOA, dns.TypeNS, dns.TypeDNSKEY}),
				nsec3Covering(zone, "missing.example.test.", false),
				nsec3Covering(zone, "*.example.test.", false),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecuritySecure))
		})

		It("should reject a proof without a closest encloser match", func() {
			resp := nxdomainResponse(
				nsec3Covering(zone, "missing.example.test.", false),
				nsec3Covering(zone, "*.example.test.", false),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityBogus))
		})

		It("should reject a proof that does not cover the wildcard", func() {
			resp := nxdomainResponse(
				nsec3Matching(zone, zone, []uint16{dns.TypeSOA}),
				nsec3Covering(zone, "missing.example.test.", false),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityBogus))
		})

		It("should downgrade an opt-out span to insecure", func() {
			resp := nxdomainResponse(
				nsec3Matching(zone, zone, []uint16{dns.TypeSOA}),
				nsec3Covering(zone, "missing.example.test.", true),
				nsec3Covering(zone, "*.example.test.", false),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityInsecure))
		})

		It("should reject inconsistent parameters across records", func() {
			odd := nsec3Covering(zone, "missing.example.test.", false)
			odd.Iterations = nsec3Iterations + 5

			resp := nxdomainResponse(
				nsec3Matching(zone, zone, []uint16{dns.TypeSOA}),
				odd,
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityBogus))
		})

		It("should reject excessive iteration counts", func() {
			matching := nsec3Matching(zone, zone, []uint16{dns.TypeSOA})
			matching.Iterations = 5000

			resp := nxdomainResponse(matching)

			result := sut.validateDenial(resp,
				dns.Question{Name: "missing.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityBogus))
		})
	})

	Describe("NODATA proofs", func() {
		nodataResponse := func(records ...dns.RR) *dns.Msg {
			msg := new(dns.Msg)
			msg.Ns = records

			return msg
		}

		It("should accept a matching record without the queried type", func() {
			resp := nodataResponse(
				nsec3Matching(zone, "www.example.test.", []uint16{dns.TypeA, dns.TypeRRSIG}),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "www.example.test.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecuritySecure))
		})

		It("should reject a record claiming the type exists", func() {
			resp := nodataResponse(
				nsec3Matching(zone, "www.example.test.", []uint16{dns.TypeA, dns.TypeAAAA}),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "www.example.test.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityBogus))
		})

		It("should downgrade a DS query landing in an opt-out span", func() {
			resp := nodataResponse(
				nsec3Covering(zone, "unsigned.example.test.", true),
			)

			result := sut.validateDenial(resp,
				dns.Question{Name: "unsigned.example.test.", Qtype: dns.TypeDS, Qclass: dns.ClassINET})
			Expect(result).Should(Equal(model.SecurityInsecure))
		})
	})
})

var _ = Describe("NSEC helpers", func() {
	Describe("nsecCoversName", func() {
		nsec := func(owner, next string) *dns.NSEC {
			return &dns.NSEC{
				Hdr:        dns.RR_Header{Name: owner, Rrtype: dns.TypeNSEC, Class: dns.ClassINET},
				NextDomain: next,
			}
		}

		It("should cover names strictly inside the span", func() {
			Expect(nsecCoversName(nsec("alpha.test.", "omega.test."), "middle.test.")).Should(BeTrue())
		})

		It("should not cover the span boundaries", func() {
			Expect(nsecCoversName(nsec("alpha.test.", "omega.test."), "alpha.test.")).Should(BeFalse())
			Expect(nsecCoversName(nsec("alpha.test.", "omega.test."), "omega.test.")).Should(BeFalse())
		})

		It("should handle the wrap-around at the zone end", func() {
			wrapped := nsec("zulu.test.", "alpha.test.")

			Expect(nsecCoversName(wrapped, "zz.test.")).Should(BeTrue())
			Expect(nsecCoversName(wrapped, "aaa.test.")).Should(BeTrue())
			Expect(nsecCoversName(wrapped, "middle.test.")).Should(BeFalse())
		})

		It("should compare names case insensitively", func() {
			Expect(nsecCoversName(nsec("Alpha.Test.", "Omega.Test."), "MIDDLE.test.")).Should(BeTrue())
		})
	})
})
