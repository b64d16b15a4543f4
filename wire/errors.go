package wire

import (
	"fmt"
)

// DecodeErrorKind classifies why a wire message could not be decoded
type DecodeErrorKind int

const (
	// KindTruncated the buffer ended before the message was complete
	KindTruncated DecodeErrorKind = iota
	// KindMalformedName a domain name violates length or label rules
	KindMalformedName
	// KindInvalidRdataLength the rdlength field contradicts the actual rdata
	KindInvalidRdataLength
	// KindCompressionLoop name decompression revisited an earlier offset
	KindCompressionLoop
)

func (k DecodeErrorKind) String() string {
	names := [...]string{
		"TRUNCATED",
		"MALFORMED_NAME",
		"INVALID_RDATA_LENGTH",
		"COMPRESSION_LOOP",
	}

	return names[k]
}

// DecodeError is returned by Decode for malformed wire data. The reply it
// came from must be discarded and counted as a failure of the sending server.
type DecodeError struct {
	Kind  DecodeErrorKind
	cause error
}

func (e *DecodeError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("decode failed (%s)", e.Kind)
	}

	return fmt.Sprintf("decode failed (%s): %v", e.Kind, e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// Is makes two DecodeErrors match on their kind, so callers can test with
// errors.Is(err, &DecodeError{Kind: KindCompressionLoop}).
func (e *DecodeError) Is(target error) bool {
	var t *DecodeError
	if !asDecodeError(target, &t) {
		return false
	}

	return t.Kind == e.Kind
}

func asDecodeError(err error, target **DecodeError) bool {
	t, ok := err.(*DecodeError)
	if !ok {
		return false
	}

	*target = t

	return true
}
