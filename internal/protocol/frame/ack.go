package frame

import (
	"strconv"
	"strings"
)

// Ack is one outbound acknowledgment notification. It is plain UTF-8 text,
// not JSON.
type Ack string

const (
	AckDone Ack = "TAMAM"
	AckFail Ack = "HATA"

	ackChunkPrefix = "OK_"
)

// ChunkAck acknowledges chunk index while more chunks are expected.
func ChunkAck(index int) Ack {
	return Ack(ackChunkPrefix + strconv.Itoa(index))
}

func (a Ack) Bytes() []byte {
	return []byte(a)
}

// Index returns the chunk index carried by an OK_<n> ack.
func (a Ack) Index() (int, bool) {
	rest, ok := strings.CutPrefix(string(a), ackChunkPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Label is the low-cardinality metric label for a.
func (a Ack) Label() string {
	switch a {
	case AckDone:
		return "done"
	case AckFail:
		return "fail"
	}
	if _, ok := a.Index(); ok {
		return "chunk"
	}
	return "unknown"
}
