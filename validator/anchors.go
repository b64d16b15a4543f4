package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

const (
	// root KSK key tags from IANA
	ksk2017Tag = 20326
	ksk2024Tag = 38696
)

// defaultRootAnchors returns the IANA root KSKs in zone file format.
// Source: https://data.iana.org/root-anchors/root-anchors.xml
func defaultRootAnchors() []string {
	return []string{
		// KSK-2017, key tag 20326, active since February 2017
		". 172800 IN DNSKEY 257 3 8 " +
			"AwEAAaz/tAm8yTn4Mfeh5eyI96WSVexTBAvkMgJzkKTOiW1vkIbzxeF3+/4RgWOq7HrxRixHlFlExOLAJr5emLvN7SWXgnLh4+B5xQlNVz8Og8k" +
			"vArMtNROxVQuCaSnIDdD5LKyWbRd2n9WGe2R8PzgCmr3EgVLrjyBxWezF0jLHwVN8efS3rCj/EWgvIWgb9tarpVUDK/b58Da+sqqls3eNbuv7pr" +
			"+eoZG+SrDK6nWeL3c6H5Apxz7LjVc1uTIdsIXxuOLYA4/ilBmSVIzuDWfdRUfhHdY6+cn8HFRm+2hM8AnXGXws9555KrUB5qihylGa8subX2Nn6" +
			"UwNR1AkUTV74bU=",
		// KSK-2024, key tag 38696, active since July 2024
		". 172800 IN DNSKEY 257 3 8 " +
			"AwEAAa96jeuknZlaeSrvyAJj6ZHv28hhOKkx3rLGXVaC6rXTsDc449/cidltpkyGwCJNnOAlFNKF2jBosZBU5eeHspaQWOmOElZsjICMQMC3aeH" +
			"bGiShvZsx4wMYSjH8e7Vrhbu6irwCzVBApESjbUdpWWmEnhathWu1jo+siFUiRAAxm9qyJNg/wOZqqzL/dL/q8PkcRU5oUKEpUge71M3ej2/7CP" +
			"qpdVwuMoTvoB+ZOT4YeGyxMvHmbrxlFzGOHOijtzN+u1TQNatX2XBuzZNQ1K+s2CXkPIZo7s6JgZyvaBevYtxPvYLw4z9mR7K2vaF18UYH9Z9GN" +
			"UUeayffKC73PYc=",
	}
}

// TrustAnchorStore holds the configured DNSSEC trust anchors, keyed by the
// zone they anchor
type TrustAnchorStore struct {
	anchors map[string][]*dns.DNSKEY
}

// NewTrustAnchorStore parses the given anchors (DNSKEY records in zone file
// format with the SEP flag set). An empty list loads the IANA root KSKs.
func NewTrustAnchorStore(customAnchors []string) (*TrustAnchorStore, error) {
	store := &TrustAnchorStore{
		anchors: make(map[string][]*dns.DNSKEY),
	}

	anchors := customAnchors
	if len(anchors) == 0 {
		anchors = defaultRootAnchors()
	}

	for _, anchor := range anchors {
		if err := store.Add(anchor); err != nil {
			return nil, fmt.Errorf("can't load trust anchor: %w", err)
		}
	}

	return store, nil
}

// Add parses and stores one trust anchor
func (s *TrustAnchorStore) Add(anchorStr string) error {
	rr, err := dns.NewRR(anchorStr)
	if err != nil {
		return fmt.Errorf("can't parse trust anchor: %w", err)
	}

	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return errors.New("trust anchor is not a DNSKEY record")
	}

	if dnskey.Flags&dns.SEP == 0 {
		return errors.New("trust anchor is not a KSK (SEP flag not set)")
	}

	zone := strings.ToLower(dnskey.Header().Name)
	s.anchors[zone] = append(s.anchors[zone], dnskey)

	return nil
}

// Anchors returns the trust anchors configured for a zone
func (s *TrustAnchorStore) Anchors(zone string) []*dns.DNSKEY {
	return s.anchors[strings.ToLower(dns.Fqdn(zone))]
}

// HasAnchor reports whether the zone has a configured trust anchor
func (s *TrustAnchorStore) HasAnchor(zone string) bool {
	return len(s.Anchors(zone)) > 0
}
