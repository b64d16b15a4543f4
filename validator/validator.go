// Package validator implements DNSSEC validation: RRSIG verification, chain
// of trust walking from the configured trust anchors, and NSEC/NSEC3
// authenticated denial of existence.
//
// Validation follows RFC 4033-4035 with the clarifications of RFC 6840.
// Every answer gets one of four results: Secure (valid signatures and a
// complete chain of trust), Insecure (provably unsigned), Bogus (validation
// failed) or Indeterminate (validation could not be completed).
package validator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KumoCorp/recursor/cache"
	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/evt"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/metrics"
	"github.com/KumoCorp/recursor/model"
	"github.com/KumoCorp/recursor/util"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// RFC 5011 §7: keys carrying the REVOKE flag must not be used
	revokeFlag = 0x0080

	chainCacheSize = 1024
	chainCacheTTL  = time.Hour
	rootZone       = "."
)

// QueryFunc fetches DNSKEY and DS records needed during validation. The
// implementation routes through the query mesh with checking disabled, so
// validation sub-queries are deduplicated but never validated recursively.
type QueryFunc func(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)

// trustedKeySet is an authenticated DNSKEY RRset together with the chain
// of trust status that produced it
type trustedKeySet struct {
	keys    []*dns.DNSKEY
	status  model.SecurityStatus
	expires time.Time
}

// Validator checks DNSSEC signatures and walks the chain of trust
type Validator struct {
	cfg     config.ValidatorConfig
	anchors *TrustAnchorStore
	query   QueryFunc
	logger  *logrus.Entry

	// authenticated key sets per zone, building one is expensive
	chainCache *lru.Cache

	// NSEC3 hashing is iterated SHA-1, worth caching per name
	nsec3HashCache sync.Map

	resultTotal *prometheus.CounterVec
	duration    prometheus.Histogram
}

// New creates a validator. The query function is attached separately because
// the mesh is constructed after the validator.
func New(cfg config.ValidatorConfig, anchors *TrustAnchorStore) (*Validator, error) {
	chainCache, err := lru.New(chainCacheSize)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		cfg:        cfg,
		anchors:    anchors,
		logger:     log.PrefixedLog("validator"),
		chainCache: chainCache,
		resultTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recursor_validator_results_total",
				Help: "Number of DNSSEC validations by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recursor_validator_duration_seconds",
			Help:    "Duration of DNSSEC validation",
			Buckets: prometheus.DefBuckets,
		}),
	}

	metrics.RegisterMetric(v.resultTotal)
	metrics.RegisterMetric(v.duration)

	return v, nil
}

// SetQueryFunc attaches the mesh-backed record fetcher
func (v *Validator) SetQueryFunc(query QueryFunc) {
	v.query = query
}

// Validate classifies the response for the given question. Unsigned zones
// come back Insecure, failed proofs Bogus, missing data Indeterminate.
func (v *Validator) Validate(ctx context.Context, response *dns.Msg, question dns.Question) model.SecurityStatus {
	if !v.cfg.Enable {
		return model.SecurityUnchecked
	}

	start := time.Now()

	var result model.SecurityStatus

	switch {
	case !hasAnySignatures(response):
		result = v.classifyUnsigned(ctx, question)
	case len(response.Answer) > 0:
		result = v.validateAnswer(ctx, response, question)
	case isNegativeResponse(response):
		result = v.validateNegative(ctx, response, question)
	default:
		result = model.SecurityInsecure
	}

	v.resultTotal.WithLabelValues(result.String()).Inc()
	v.duration.Observe(time.Since(start).Seconds())
	evt.Bus().Publish(evt.ValidationResultObtained, question.Name, result.String())

	return result
}

// classifyUnsigned decides whether an unsigned answer is legitimately
// Insecure. Under an island of trust every zone must be signed, so a missing
// signature below a configured anchor without a delegation break is Bogus.
func (v *Validator) classifyUnsigned(ctx context.Context, question dns.Question) model.SecurityStatus {
	zone := v.nearestAnchorZone(question.Name)
	if zone == "" {
		return model.SecurityInsecure
	}

	// an anchor covers this name: accept unsigned data only when a chain
	// walk finds a provably insecure delegation on the way down
	status := v.chainOfTrust(ctx, dns.Fqdn(question.Name))
	if status == model.SecurityInsecure {
		return model.SecurityInsecure
	}

	if status == model.SecurityIndeterminate {
		return model.SecurityIndeterminate
	}

	v.logger.Warnf("unsigned answer for %s below trust anchor %s", question.Name, zone)

	return model.SecurityBogus
}

func (v *Validator) nearestAnchorZone(qname string) string {
	qname = strings.ToLower(dns.Fqdn(qname))
	labels := dns.SplitDomainName(qname)

	for i := 0; i <= len(labels); i++ {
		zone := rootZone
		if i < len(labels) {
			zone = dns.Fqdn(strings.Join(labels[i:], "."))
		}

		if v.anchors.HasAnchor(zone) {
			return zone
		}
	}

	return ""
}

func (v *Validator) validateAnswer(ctx context.Context, response *dns.Msg, question dns.Question) model.SecurityStatus {
	result := v.validateSection(ctx, response.Answer, 0)
	if result != model.SecuritySecure {
		v.logger.WithField("qname", question.Name).Debugf("answer validation: %s", result)
	}

	return result
}

// validateNegative checks an NXDOMAIN or NODATA response: the authority
// section must carry valid signatures and an NSEC or NSEC3 proof
func (v *Validator) validateNegative(ctx context.Context, response *dns.Msg, question dns.Question) model.SecurityStatus {
	if len(util.ExtractRecordsFromSlice[*dns.RRSIG](response.Ns)) == 0 {
		return model.SecurityInsecure
	}

	if result := v.validateSection(ctx, response.Ns, 0); result != model.SecuritySecure {
		return result
	}

	return v.validateDenial(response, question)
}

// validateSection verifies every RRset in the section against its RRSIG and
// walks the chain of trust for each signer
func (v *Validator) validateSection(ctx context.Context, rrs []dns.RR, depth int) model.SecurityStatus {
	sigs := util.ExtractRecordsFromSlice[*dns.RRSIG](rrs)
	if len(sigs) == 0 {
		return model.SecurityInsecure
	}

	result := model.SecuritySecure

	for _, set := range cache.GroupRRSets(rrs) {
		setResult := v.validateRRSet(ctx, set, sigs, depth)
		result = result.Combine(setResult)

		if result == model.SecurityBogus {
			return result
		}
	}

	return result
}

func (v *Validator) validateRRSet(ctx context.Context, set *cache.RRSet, sigs []*dns.RRSIG, depth int) model.SecurityStatus {
	sig := v.matchingSig(sigs, set)
	if sig == nil {
		v.logger.Warnf("no covering RRSIG for %s/%s", set.Name, dns.TypeToString[set.Type])

		return model.SecurityBogus
	}

	signer := dns.CanonicalName(sig.SignerName)
	owner := dns.CanonicalName(set.Name)

	// RFC 4035 §2.2: the DNSKEY RRset is signed at the zone apex itself,
	// any other RRset must be signed from an enclosing zone
	if set.Type == dns.TypeDNSKEY {
		if signer != owner {
			v.logger.Warnf("DNSKEY signer %s does not match owner %s", signer, owner)

			return model.SecurityBogus
		}
	} else if !dns.IsSubDomain(signer, owner) {
		v.logger.Warnf("signer %s is not a parent of %s", signer, owner)

		return model.SecurityBogus
	}

	keys, status := v.trustedKeys(ctx, signer, depth+1)
	if status != model.SecuritySecure {
		return status
	}

	key := keyByTag(keys, sig.KeyTag)
	if key == nil {
		v.logger.Warnf("no trusted DNSKEY with key tag %d in %s", sig.KeyTag, signer)

		return model.SecurityBogus
	}

	if err := v.verifySig(set.Records, sig, key); err != nil {
		v.logger.Warnf("signature verification failed for %s: %v", set.Name, err)

		return model.SecurityBogus
	}

	return model.SecuritySecure
}

// matchingSig picks the RRSIG covering the set, preferring the strongest
// algorithm when several cover it (RFC 6840 §5.11)
func (v *Validator) matchingSig(sigs []*dns.RRSIG, set *cache.RRSet) *dns.RRSIG {
	var best *dns.RRSIG

	for _, sig := range sigs {
		if sig.TypeCovered != set.Type || !strings.EqualFold(sig.Header().Name, set.Name) {
			continue
		}

		if best == nil || algorithmStrength(sig.Algorithm) > algorithmStrength(best.Algorithm) {
			best = sig
		}
	}

	return best
}

// algorithmStrength ranks DNSSEC algorithms so a weak co-signature cannot
// displace a strong one
func algorithmStrength(alg uint8) int {
	switch alg {
	case dns.ED448:
		return 100
	case dns.ED25519:
		return 90
	case dns.ECDSAP384SHA384:
		return 80
	case dns.ECDSAP256SHA256:
		return 70
	case dns.RSASHA512:
		return 50
	case dns.RSASHA256:
		return 40
	case dns.RSASHA1:
		return 10
	default:
		return 0
	}
}

func isSupportedAlgorithm(alg uint8) bool {
	switch alg {
	case dns.RSASHA1, dns.RSASHA256, dns.RSASHA512,
		dns.ECDSAP256SHA256, dns.ECDSAP384SHA384,
		dns.ED25519, dns.ED448:
		return true
	default:
		return false
	}
}

// verifySig checks the validity window with clock skew tolerance, then the
// cryptographic signature itself
func (v *Validator) verifySig(rrset []dns.RR, sig *dns.RRSIG, key *dns.DNSKEY) error {
	if !isSupportedAlgorithm(sig.Algorithm) {
		return fmt.Errorf("unsupported algorithm: %d", sig.Algorithm)
	}

	if sig.Algorithm != key.Algorithm {
		return fmt.Errorf("algorithm mismatch: RRSIG %d, DNSKEY %d", sig.Algorithm, key.Algorithm)
	}

	now := time.Now().Unix()
	tolerance := int64(v.cfg.ClockSkewTolerance.Seconds())

	if now < int64(sig.Inception)-tolerance {
		return fmt.Errorf("signature not yet valid (inception %d)", sig.Inception)
	}

	if now > int64(sig.Expiration)+tolerance {
		return fmt.Errorf("signature expired (expiration %d)", sig.Expiration)
	}

	if err := sig.Verify(key, rrset); err != nil {
		return fmt.Errorf("crypto verification failed: %w", err)
	}

	return nil
}

// fetchDNSKEYSet queries the zone's DNSKEY RRset together with the RRSIGs
// covering it
func (v *Validator) fetchDNSKEYSet(ctx context.Context, zone string) ([]*dns.DNSKEY, []*dns.RRSIG, error) {
	resp, err := v.query(ctx, zone, dns.TypeDNSKEY)
	if err != nil {
		return nil, nil, err
	}

	keys := util.ExtractRecordsFromSlice[*dns.DNSKEY](resp.Answer)
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("no DNSKEY records for %s", zone)
	}

	var sigs []*dns.RRSIG

	for _, sig := range util.ExtractRecordsFromSlice[*dns.RRSIG](resp.Answer) {
		if sig.TypeCovered == dns.TypeDNSKEY && dns.CanonicalName(sig.SignerName) == zone {
			sigs = append(sigs, sig)
		}
	}

	return keys, sigs, nil
}

// chainOfTrust reports the chain of trust status of a zone
func (v *Validator) chainOfTrust(ctx context.Context, zone string) model.SecurityStatus {
	_, status := v.trustedKeys(ctx, zone, 0)

	return status
}

// trustedKeys returns the authenticated DNSKEY RRset of the zone. The key
// fetch itself is unvalidated, so no key may be used before the RRset has
// been sealed: a key vouched for by a trust anchor or a validated DS record
// must have signed the DNSKEY RRset (RFC 4035 §5.3.1). Results are cached
// per zone.
func (v *Validator) trustedKeys(ctx context.Context, zone string, depth int) ([]*dns.DNSKEY, model.SecurityStatus) {
	zone = dns.CanonicalName(zone)

	if cached, ok := v.chainCache.Get(zone); ok {
		entry := cached.(trustedKeySet)
		if time.Now().Before(entry.expires) {
			return entry.keys, entry.status
		}

		v.chainCache.Remove(zone)
	}

	if depth > v.cfg.MaxChainDepth {
		v.logger.Warnf("chain depth bound hit at %s", zone)

		return nil, model.SecurityBogus
	}

	keys, status := v.buildTrustedKeys(ctx, zone, depth)

	v.chainCache.Add(zone, trustedKeySet{keys: keys, status: status, expires: time.Now().Add(chainCacheTTL)})

	return keys, status
}

// buildTrustedKeys authenticates one zone's keys: anchored zones enter via
// the anchor, everything else needs a secure parent and a DS link
func (v *Validator) buildTrustedKeys(ctx context.Context, zone string, depth int) ([]*dns.DNSKEY, model.SecurityStatus) {
	if v.anchors.HasAnchor(zone) {
		return v.keysFromAnchor(ctx, zone)
	}

	parent := parentZone(zone)
	if parent == "" {
		// unanchored root, nothing to chain to
		return nil, model.SecurityInsecure
	}

	parentKeys, parentStatus := v.trustedKeys(ctx, parent, depth+1)
	if parentStatus != model.SecuritySecure {
		return nil, parentStatus
	}

	return v.keysFromDelegation(ctx, zone, parentKeys, depth)
}

// keysFromAnchor authenticates an anchored zone's live DNSKEY RRset against
// the configured trust anchor keys
func (v *Validator) keysFromAnchor(ctx context.Context, zone string) ([]*dns.DNSKEY, model.SecurityStatus) {
	keys, sigs, err := v.fetchDNSKEYSet(ctx, zone)
	if err != nil {
		v.logger.Warnf("DNSKEY fetch failed for anchored zone %s: %v", zone, err)

		return nil, model.SecurityIndeterminate
	}

	anchors := v.anchors.Anchors(zone)

	var entryKeys []*dns.DNSKEY

	for _, key := range keys {
		if key.Flags&dns.ZONE == 0 || key.Flags&revokeFlag != 0 {
			continue
		}

		for _, anchor := range anchors {
			if key.PublicKey == anchor.PublicKey &&
				key.Algorithm == anchor.Algorithm &&
				key.Flags == anchor.Flags {
				entryKeys = append(entryKeys, key)
			}
		}
	}

	if len(entryKeys) == 0 {
		v.logger.Warnf("DNSKEY of %s does not match any trust anchor", zone)

		return nil, model.SecurityBogus
	}

	return v.sealKeySet(zone, keys, sigs, entryKeys)
}

// keysFromDelegation checks the DS link from a secure parent into the zone
// and authenticates the child key set with a DS-covered key
func (v *Validator) keysFromDelegation(ctx context.Context, zone string,
	parentKeys []*dns.DNSKEY, depth int,
) ([]*dns.DNSKEY, model.SecurityStatus) {
	dsResp, err := v.query(ctx, zone, dns.TypeDS)
	if err != nil {
		v.logger.Warnf("DS query failed for %s: %v", zone, err)

		return nil, model.SecurityIndeterminate
	}

	dsRecords := util.ExtractRecordsFromSlice[*dns.DS](dsResp.Answer)
	if len(dsRecords) == 0 {
		// RFC 4035 §5.2: absence of DS must be proven, a validated denial
		// means an intentionally unsigned delegation
		return nil, v.validateDSAbsence(ctx, zone, dsResp, depth)
	}

	dsSig := v.dsSignature(dsResp)
	if dsSig == nil {
		v.logger.Warnf("no RRSIG covering DS records for %s", zone)

		return nil, model.SecurityBogus
	}

	parentKey := keyByTag(parentKeys, dsSig.KeyTag)
	if parentKey == nil {
		v.logger.Warnf("DS RRSIG key tag %d not in the trusted key set of %s", dsSig.KeyTag, parentZone(zone))

		return nil, model.SecurityBogus
	}

	dsRRset := make([]dns.RR, 0, len(dsRecords))
	for _, ds := range dsRecords {
		dsRRset = append(dsRRset, ds)
	}

	if err := v.verifySig(dsRRset, dsSig, parentKey); err != nil {
		v.logger.Warnf("DS RRSIG verification failed for %s: %v", zone, err)

		return nil, model.SecurityBogus
	}

	keys, sigs, err := v.fetchDNSKEYSet(ctx, zone)
	if err != nil {
		v.logger.Warnf("DNSKEY fetch failed for %s: %v", zone, err)

		return nil, model.SecurityIndeterminate
	}

	entryKeys := keysMatchingDS(keys, dsRecords)
	if len(entryKeys) == 0 {
		v.logger.Warnf("no DNSKEY of %s matches a parent DS record", zone)

		return nil, model.SecurityBogus
	}

	return v.sealKeySet(zone, keys, sigs, entryKeys)
}

// sealKeySet verifies the DNSKEY RRset's own RRSIG with one of the entry
// keys. Only a sealed set may verify other signatures, so a key appended to
// an unvalidated DNSKEY reply never becomes usable.
func (v *Validator) sealKeySet(zone string, keys []*dns.DNSKEY,
	sigs []*dns.RRSIG, entryKeys []*dns.DNSKEY,
) ([]*dns.DNSKEY, model.SecurityStatus) {
	rrset := make([]dns.RR, 0, len(keys))
	for _, key := range keys {
		rrset = append(rrset, key)
	}

	for _, sig := range sigs {
		for _, key := range entryKeys {
			if key.KeyTag() != sig.KeyTag {
				continue
			}

			if err := v.verifySig(rrset, sig, key); err == nil {
				return keys, model.SecuritySecure
			}
		}
	}

	v.logger.Warnf("DNSKEY RRset of %s is not signed by a chained key", zone)

	return nil, model.SecurityBogus
}

// validateDSAbsence classifies a DS NODATA: a proven denial is an insecure
// delegation, a missing proof is indeterminate, a broken proof bogus
func (v *Validator) validateDSAbsence(ctx context.Context, zone string, dsResp *dns.Msg, depth int) model.SecurityStatus {
	hasNSEC := len(util.ExtractRecordsFromSlice[*dns.NSEC](dsResp.Ns)) > 0
	hasNSEC3 := len(util.ExtractRecordsFromSlice[*dns.NSEC3](dsResp.Ns)) > 0

	if !hasNSEC && !hasNSEC3 {
		v.logger.Warnf("no DS for %s and no denial proof", zone)

		return model.SecurityIndeterminate
	}

	// the proof itself must be signed by the parent
	if result := v.validateSection(ctx, dsResp.Ns, depth); result != model.SecuritySecure {
		return model.SecurityBogus
	}

	question := dns.Question{Name: zone, Qtype: dns.TypeDS, Qclass: dns.ClassINET}

	result := v.validateDenial(dsResp, question)
	if result == model.SecuritySecure || result == model.SecurityInsecure {
		return model.SecurityInsecure
	}

	return model.SecurityBogus
}

func (v *Validator) dsSignature(resp *dns.Msg) *dns.RRSIG {
	all := make([]dns.RR, 0, len(resp.Answer)+len(resp.Ns))
	all = append(all, resp.Answer...)
	all = append(all, resp.Ns...)

	for _, sig := range util.ExtractRecordsFromSlice[*dns.RRSIG](all) {
		if sig.TypeCovered == dns.TypeDS {
			return sig
		}
	}

	return nil
}

// keyByTag picks the key the signature names, skipping revoked keys
func keyByTag(keys []*dns.DNSKEY, tag uint16) *dns.DNSKEY {
	for _, key := range keys {
		if key.Flags&revokeFlag != 0 {
			continue
		}

		if key.KeyTag() == tag {
			return key
		}
	}

	return nil
}

// keysMatchingDS returns the usable zone keys that hash to a parent DS record
func keysMatchingDS(keys []*dns.DNSKEY, dsRecords []*dns.DS) []*dns.DNSKEY {
	var matched []*dns.DNSKEY

	for _, key := range keys {
		if key.Flags&dns.ZONE == 0 || key.Flags&revokeFlag != 0 {
			continue
		}

		for _, ds := range dsRecords {
			if key.Algorithm != ds.Algorithm {
				continue
			}

			calculated := key.ToDS(ds.DigestType)
			if calculated != nil && strings.EqualFold(calculated.Digest, ds.Digest) {
				matched = append(matched, key)

				break
			}
		}
	}

	return matched
}

func hasAnySignatures(response *dns.Msg) bool {
	return len(util.ExtractRecordsFromSlice[*dns.RRSIG](response.Answer)) > 0 ||
		len(util.ExtractRecordsFromSlice[*dns.RRSIG](response.Ns)) > 0 ||
		len(util.ExtractRecordsFromSlice[*dns.RRSIG](response.Extra)) > 0
}

// isNegativeResponse reports NXDOMAIN or NODATA per RFC 4035 §5.4
func isNegativeResponse(response *dns.Msg) bool {
	if response.Rcode == dns.RcodeNameError {
		return true
	}

	return response.Rcode == dns.RcodeSuccess && len(response.Answer) == 0
}

func parentZone(zone string) string {
	zone = dns.Fqdn(zone)
	if zone == rootZone {
		return ""
	}

	labels := dns.SplitDomainName(zone)
	if len(labels) <= 1 {
		return rootZone
	}

	return dns.Fqdn(strings.Join(labels[1:], "."))
}
