// Package wire converts DNS messages between their wire representation and
// *dns.Msg. Decoding is pure and classifies every failure into the
// DecodeError taxonomy; encoding enforces a size budget by truncating the
// additional and authority sections first.
package wire

import (
	"strings"

	"github.com/miekg/dns"
)

const (
	// headerSize is the fixed DNS message header length
	headerSize = 12

	// maxDomainNameWireOctets mirrors the unexported limit in miekg/dns,
	// per RFC 1035 section 2.3.4
	maxDomainNameWireOctets = 255

	// MinBudget is the smallest size budget Encode accepts: header plus room
	// for a maximal question section
	MinBudget = headerSize + maxDomainNameWireOctets + 4
)

// Decode parses a wire format message. Any failure is returned as a
// *DecodeError; the caller never sees raw library errors.
func Decode(data []byte) (*dns.Msg, error) {
	if len(data) < headerSize {
		return nil, &DecodeError{Kind: KindTruncated}
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return nil, &DecodeError{Kind: classify(err), cause: err}
	}

	// Unpack is lenient about name length in a few spots, re-check ourselves
	for _, q := range msg.Question {
		if !validName(q.Name) {
			return nil, &DecodeError{Kind: KindMalformedName}
		}
	}

	return msg, nil
}

// classify maps an unpack error onto the DecodeError taxonomy
func classify(err error) DecodeErrorKind {
	switch {
	case err == dns.ErrBuf || err == dns.ErrShortRead:
		return KindTruncated
	case err == dns.ErrLongDomain:
		return KindMalformedName
	case err == dns.ErrRdata:
		return KindInvalidRdataLength
	}

	text := err.Error()

	switch {
	case strings.Contains(text, "compression"):
		return KindCompressionLoop
	case strings.Contains(text, "rdata") || strings.Contains(text, "rdlength"):
		return KindInvalidRdataLength
	case strings.Contains(text, "overflow") || strings.Contains(text, "buffer"):
		return KindTruncated
	default:
		return KindMalformedName
	}
}

// validName reports whether name obeys the label and total length limits
func validName(name string) bool {
	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}

	return len(name) <= maxDomainNameWireOctets
}

// Encode packs msg into at most maxSize bytes. If the message does not fit,
// records are dropped additional section first, then authority, then answer,
// and the truncation flag is set so a UDP client retries over TCP.
func Encode(msg *dns.Msg, maxSize int) ([]byte, error) {
	if maxSize < MinBudget {
		return nil, &DecodeError{Kind: KindTruncated}
	}

	data, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	if len(data) <= maxSize {
		return data, nil
	}

	reduced := msg.Copy()

	// the OPT pseudo record survives truncation, everything else in the
	// additional section goes first
	var opt *dns.OPT
	if o := reduced.IsEdns0(); o != nil {
		opt = o
	}

	reduced.Extra = nil
	if opt != nil {
		reduced.Extra = []dns.RR{opt}
	}

	if data, err = reduced.Pack(); err == nil && len(data) <= maxSize {
		return data, nil
	}

	reduced.Ns = nil

	if data, err = reduced.Pack(); err == nil && len(data) <= maxSize {
		return data, nil
	}

	reduced.Truncated = true

	for len(reduced.Answer) > 0 {
		reduced.Answer = reduced.Answer[:len(reduced.Answer)-1]

		if data, err = reduced.Pack(); err == nil && len(data) <= maxSize {
			return data, nil
		}
	}

	if err != nil {
		return nil, err
	}

	return data, nil
}
