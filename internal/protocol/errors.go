package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks inbound bytes that are not valid UTF-8 text.
	ErrDecode = errors.New("protocol: invalid utf-8 frame")
	// ErrMalformedJSON marks text that is not a JSON object, or a chunk frame
	// missing one of its required fields.
	ErrMalformedJSON = errors.New("protocol: malformed json")
	// ErrProtocol marks a chunk frame that decoded but violates the chunk contract.
	ErrProtocol = errors.New("protocol: chunk contract violation")
	// ErrReassemblyParse marks a completed session whose payload is not a JSON object.
	ErrReassemblyParse = errors.New("protocol: reassembled payload is not json")
	// ErrPersistence marks a sink write failure.
	ErrPersistence = errors.New("protocol: persistence failed")

	// A chunk frame with a missing or mistyped field is both malformed and a
	// contract violation; errors.Is matches either parent.
	ErrMissingField        = fmt.Errorf("%w (%w): missing required field", ErrProtocol, ErrMalformedJSON)
	ErrFieldType           = fmt.Errorf("%w (%w): field type mismatch", ErrProtocol, ErrMalformedJSON)
	ErrChunkIndexRange     = fmt.Errorf("%w: chunk index out of range", ErrProtocol)
	ErrTotalChunksRange    = fmt.Errorf("%w: total chunks out of range", ErrProtocol)
	ErrTotalChunksMismatch = fmt.Errorf("%w: total chunks differs from session", ErrProtocol)
)

// Error kind labels used by logs and metrics.
const (
	KindDecode          = "decode"
	KindMalformedJSON   = "malformed_json"
	KindProtocol        = "protocol"
	KindReassemblyParse = "reassembly_parse"
	KindPersistence     = "persistence"
	KindUnknown         = "unknown"
)

// Kind maps err onto the taxonomy label of its outermost known sentinel.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrMalformedJSON):
		return KindMalformedJSON
	case errors.Is(err, ErrReassemblyParse):
		return KindReassemblyParse
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}
