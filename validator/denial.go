package validator

// NSEC (RFC 4035 §5.4) and NSEC3 (RFC 5155) authenticated denial of
// existence proofs.

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"slices"
	"strings"

	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/util"

	"github.com/miekg/dns"
)

const optOutFlag = 0x01

// validateDenial checks that a negative response carries a valid NSEC or
// NSEC3 proof for the question
func (v *Validator) validateDenial(response *dns.Msg, question dns.Question) model.SecurityStatus {
	if len(util.ExtractRecordsFromSlice[*dns.NSEC3](response.Ns)) > 0 {
		return v.validateNSEC3Denial(response, question)
	}

	if len(util.ExtractRecordsFromSlice[*dns.NSEC](response.Ns)) > 0 {
		return v.validateNSECDenial(response, question)
	}

	return model.SecurityInsecure
}

func (v *Validator) validateNSECDenial(response *dns.Msg, question dns.Question) model.SecurityStatus {
	nsecRecords := util.ExtractRecordsFromSlice[*dns.NSEC](response.Ns)

	if response.Rcode == dns.RcodeNameError {
		return v.validateNSECNXDOMAIN(nsecRecords, question.Name)
	}

	return v.validateNSECNODATA(nsecRecords, question.Name, question.Qtype)
}

// validateNSECNXDOMAIN needs an NSEC whose owner/next span covers the name
func (v *Validator) validateNSECNXDOMAIN(nsecRecords []*dns.NSEC, qname string) model.SecurityStatus {
	qname = dns.CanonicalName(qname)

	for _, nsec := range nsecRecords {
		if nsecCoversName(nsec, qname) {
			return model.SecuritySecure
		}
	}

	v.logger.Warnf("no NSEC covers %s for NXDOMAIN proof", qname)

	return model.SecurityBogus
}

// validateNSECNODATA needs an NSEC at the name itself without the queried
// type in its bitmap
func (v *Validator) validateNSECNODATA(nsecRecords []*dns.NSEC, qname string, qtype uint16) model.SecurityStatus {
	qname = dns.CanonicalName(qname)

	for _, nsec := range nsecRecords {
		if dns.CanonicalName(nsec.Header().Name) != qname {
			continue
		}

		if slices.Contains(nsec.TypeBitMap, qtype) {
			v.logger.Warnf("NSEC at %s claims type %s exists but no answer returned",
				qname, dns.TypeToString[qtype])

			return model.SecurityBogus
		}

		return model.SecuritySecure
	}

	v.logger.Warnf("no NSEC matches %s for NODATA proof", qname)

	return model.SecurityBogus
}

// nsecCoversName reports whether qname falls strictly between the NSEC
// owner and its next domain, with wrap-around at the zone end
func nsecCoversName(nsec *dns.NSEC, qname string) bool {
	owner := dns.CanonicalName(nsec.Header().Name)
	next := dns.CanonicalName(nsec.NextDomain)
	qname = dns.CanonicalName(qname)

	if next > owner {
		return qname > owner && qname < next
	}

	return qname > owner || qname < next
}

// validateNSEC3Denial validates the hashed variant per RFC 5155 §8
func (v *Validator) validateNSEC3Denial(response *dns.Msg, question dns.Question) model.SecurityStatus {
	qname := dns.CanonicalName(question.Name)
	nsec3Records := util.ExtractRecordsFromSlice[*dns.NSEC3](response.Ns)

	first := nsec3Records[0]

	for _, nsec3 := range nsec3Records {
		if nsec3.Hash != first.Hash || nsec3.Salt != first.Salt || nsec3.Iterations != first.Iterations {
			v.logger.Warnf("inconsistent NSEC3 parameters for %s", qname)

			return model.SecurityBogus
		}
	}

	// RFC 5155 §10.3: excessive iteration counts are a CPU attack
	if int(first.Iterations) > v.cfg.MaxNSEC3Iterations {
		v.logger.Warnf("NSEC3 iteration count %d exceeds limit %d for %s",
			first.Iterations, v.cfg.MaxNSEC3Iterations, qname)

		return model.SecurityBogus
	}

	if first.Hash != dns.SHA1 {
		v.logger.Warnf("unsupported NSEC3 hash algorithm %d for %s", first.Hash, qname)

		return model.SecurityBogus
	}

	zone := nsec3Zone(first)

	if response.Rcode == dns.RcodeNameError {
		return v.validateNSEC3NXDOMAIN(nsec3Records, qname, zone, first)
	}

	return v.validateNSEC3NODATA(nsec3Records, qname, question.Qtype, zone, first)
}

// nsec3Zone derives the zone from an NSEC3 owner name (<hash>.<zone>)
func nsec3Zone(nsec3 *dns.NSEC3) string {
	labels := dns.SplitDomainName(nsec3.Hdr.Name)
	if len(labels) <= 1 {
		return ""
	}

	return dns.Fqdn(strings.Join(labels[1:], "."))
}

// validateNSEC3NXDOMAIN per RFC 5155 §8.5: prove a closest encloser exists,
// the next closer name does not, and no wildcard matches
func (v *Validator) validateNSEC3NXDOMAIN(nsec3Records []*dns.NSEC3, qname, zone string,
	params *dns.NSEC3,
) model.SecurityStatus {
	encloser := v.closestEncloser(qname, zone, nsec3Records, params)
	if encloser == "" {
		v.logger.Warnf("no closest encloser proof for %s", qname)

		return model.SecurityBogus
	}

	nextCloser := nextCloserName(qname, encloser)
	if nextCloser == "" {
		return model.SecurityBogus
	}

	nextCloserHash := v.nsec3Hash(nextCloser, params)

	if !nsec3Covers(nsec3Records, nextCloserHash, false) {
		v.logger.Warnf("next closer %s not covered for %s", nextCloser, qname)

		return model.SecurityBogus
	}

	// opt-out span: unsigned delegations may exist here, downgrade instead
	// of rejecting (RFC 5155 §6)
	if nsec3Covers(nsec3Records, nextCloserHash, true) {
		return model.SecurityInsecure
	}

	wildcardHash := v.nsec3Hash("*."+encloser, params)
	if !nsec3Covers(nsec3Records, wildcardHash, false) {
		v.logger.Warnf("wildcard at %s not covered for %s", encloser, qname)

		return model.SecurityBogus
	}

	return model.SecuritySecure
}

// validateNSEC3NODATA per RFC 5155 §8.6: an NSEC3 matching the name must
// omit the queried type from its bitmap
func (v *Validator) validateNSEC3NODATA(nsec3Records []*dns.NSEC3, qname string, qtype uint16,
	zone string, params *dns.NSEC3,
) model.SecurityStatus {
	qnameHash := v.nsec3Hash(qname, params)

	for _, nsec3 := range nsec3Records {
		if !nsec3Matches(nsec3, qnameHash) {
			continue
		}

		if slices.Contains(nsec3.TypeBitMap, qtype) {
			v.logger.Warnf("NSEC3 for %s has type %s in bitmap", qname, dns.TypeToString[qtype])

			return model.SecurityBogus
		}

		return model.SecuritySecure
	}

	// DS queries landing in an opt-out span are unsigned delegations
	if qtype == dns.TypeDS && nsec3Covers(nsec3Records, qnameHash, true) {
		return model.SecurityInsecure
	}

	// wildcard NODATA: the encloser's wildcard matched but lacks the type
	encloser := v.closestEncloser(qname, zone, nsec3Records, params)
	if encloser != "" {
		wildcardHash := v.nsec3Hash("*."+encloser, params)

		for _, nsec3 := range nsec3Records {
			if !nsec3Matches(nsec3, wildcardHash) {
				continue
			}

			if slices.Contains(nsec3.TypeBitMap, qtype) {
				return model.SecurityBogus
			}

			return model.SecuritySecure
		}
	}

	v.logger.Warnf("no NSEC3 matches %s for NODATA proof", qname)

	return model.SecurityBogus
}

// closestEncloser walks up from qname until an NSEC3 record matches a name
// hash, per RFC 5155 §8.3
func (v *Validator) closestEncloser(qname, zone string, nsec3Records []*dns.NSEC3,
	params *dns.NSEC3,
) string {
	name := qname

	for {
		hash := v.nsec3Hash(name, params)

		for _, nsec3 := range nsec3Records {
			if nsec3Matches(nsec3, hash) {
				return name
			}
		}

		if name == zone || name == "." {
			break
		}

		labels := dns.SplitDomainName(name)
		if len(labels) <= 1 {
			break
		}

		name = dns.Fqdn(strings.Join(labels[1:], "."))

		if zone != "" && !dns.IsSubDomain(zone, name) {
			break
		}
	}

	return ""
}

// nextCloserName is qname truncated to one label more than the encloser
func nextCloserName(qname, encloser string) string {
	qLabels := dns.SplitDomainName(qname)
	eLabels := dns.SplitDomainName(encloser)

	if len(qLabels) <= len(eLabels) {
		return ""
	}

	return dns.Fqdn(strings.Join(qLabels[len(qLabels)-len(eLabels)-1:], "."))
}

// nsec3Hash computes (and caches) the iterated hash of a name
func (v *Validator) nsec3Hash(name string, params *dns.NSEC3) string {
	name = dns.CanonicalName(name)
	cacheKey := fmt.Sprintf("%s:%d:%s:%d", name, params.Hash, params.Salt, params.Iterations)

	if cached, ok := v.nsec3HashCache.Load(cacheKey); ok {
		return cached.(string)
	}

	hash := dns.HashName(name, params.Hash, params.Iterations, params.Salt)
	v.nsec3HashCache.Store(cacheKey, hash)

	return hash
}

// nsec3Matches reports whether the record's owner hash equals the given hash
func nsec3Matches(nsec3 *dns.NSEC3, hash string) bool {
	labels := dns.SplitDomainName(nsec3.Hdr.Name)

	return len(labels) > 0 && strings.EqualFold(labels[0], hash)
}

// nsec3Covers reports whether any record's span (owner, next] contains the
// hash; optOutOnly restricts the check to records with the opt-out flag
func nsec3Covers(nsec3Records []*dns.NSEC3, hash string, optOutOnly bool) bool {
	for _, nsec3 := range nsec3Records {
		if optOutOnly && nsec3.Flags&optOutFlag == 0 {
			continue
		}

		labels := dns.SplitDomainName(nsec3.Hdr.Name)
		if len(labels) == 0 {
			continue
		}

		if nsec3HashInRange(hash, labels[0], nsec3.NextDomain) {
			return true
		}
	}

	return false
}

// nsec3HashInRange compares base32hex hashes as binary values, handling the
// wrap-around at the end of the hash space
func nsec3HashInRange(hash, ownerHash, nextHash string) bool {
	cmpOwner, err1 := compareNSEC3Hashes(hash, ownerHash)
	cmpNext, err2 := compareNSEC3Hashes(hash, nextHash)
	cmpSpan, err3 := compareNSEC3Hashes(ownerHash, nextHash)

	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}

	if cmpSpan < 0 {
		return cmpOwner > 0 && cmpNext <= 0
	}

	return cmpOwner > 0 || cmpNext <= 0
}

func compareNSEC3Hashes(hash1, hash2 string) (int, error) {
	decoder := base32.HexEncoding.WithPadding(base32.NoPadding)

	b1, err := decoder.DecodeString(strings.ToUpper(hash1))
	if err != nil {
		return 0, err
	}

	b2, err := decoder.DecodeString(strings.ToUpper(hash2))
	if err != nil {
		return 0, err
	}

	return bytes.Compare(b1, b2), nil
}
