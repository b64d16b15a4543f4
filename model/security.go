package model

// SecurityStatus is the DNSSEC authentication status of an RRset or message.
//
// A status only moves forward: once an answer left Unchecked it is never
// silently downgraded to a lower-confidence result, see Combine.
type SecurityStatus uint8

const (
	// SecurityUnchecked no validation was attempted yet
	SecurityUnchecked SecurityStatus = iota
	// SecuritySecure complete chain of trust down to the answer
	SecuritySecure
	// SecurityInsecure provably unsigned delegation before a trust anchor
	SecurityInsecure
	// SecurityBogus validation was attempted and failed
	SecurityBogus
	// SecurityIndeterminate validation could not be attempted
	SecurityIndeterminate
)

func (s SecurityStatus) String() string {
	switch s {
	case SecuritySecure:
		return "SECURE"
	case SecurityInsecure:
		return "INSECURE"
	case SecurityBogus:
		return "BOGUS"
	case SecurityIndeterminate:
		return "INDETERMINATE"
	default:
		return "UNCHECKED"
	}
}

// Combine merges two statuses, e.g. when an answer is assembled from several
// RRsets or a CNAME chain. Bogus always wins, then Indeterminate, then
// Insecure; Secure only survives if both sides are Secure.
func (s SecurityStatus) Combine(other SecurityStatus) SecurityStatus {
	if s == SecurityBogus || other == SecurityBogus {
		return SecurityBogus
	}

	if s == SecurityUnchecked || other == SecurityUnchecked {
		return SecurityUnchecked
	}

	if s == SecurityIndeterminate || other == SecurityIndeterminate {
		return SecurityIndeterminate
	}

	if s == SecurityInsecure || other == SecurityInsecure {
		return SecurityInsecure
	}

	return SecuritySecure
}

// Credibility ranks the trustworthiness of the source of a cached RRset,
// higher values win on conflicting cache stores.
type Credibility uint8

const (
	// CredibilityAdditional record came from the additional section (glue)
	CredibilityAdditional Credibility = iota + 1
	// CredibilityAuthority record came from the authority section of a referral
	CredibilityAuthority
	// CredibilityNonAuthAnswer answer section of a non-authoritative reply
	CredibilityNonAuthAnswer
	// CredibilityAnswer answer section of an authoritative reply
	CredibilityAnswer
)

func (c Credibility) String() string {
	switch c {
	case CredibilityAnswer:
		return "answer"
	case CredibilityNonAuthAnswer:
		return "nonAuthAnswer"
	case CredibilityAuthority:
		return "authority"
	default:
		return "additional"
	}
}
