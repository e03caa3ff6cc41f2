package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/chunkrelay/internal/protocol"
)

// Chunk frame field names as written by the sender.
const (
	FieldSessionID   = "sessionId"
	FieldChunkIndex  = "chunkIndex"
	FieldTotalChunks = "totalChunks"
	FieldData        = "data"
)

var (
	ErrFrameTooLarge   = fmt.Errorf("frame: write too large: %w", protocol.ErrDecode)
	ErrMessageTooLarge = fmt.Errorf("frame: reassembled message too large: %w", protocol.ErrReassemblyParse)
)

// Kind classifies one decoded inbound write.
type Kind int

const (
	KindInvalid Kind = iota
	KindSingle
	KindChunk
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindChunk:
		return "chunk"
	default:
		return "invalid"
	}
}

// Object is one decoded JSON object. Numbers are kept as json.Number.
type Object map[string]any

// Chunk is one ordered fragment of a fragmented message.
type Chunk struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"chunkIndex"`
	Total     int    `json:"totalChunks"`
	Data      string `json:"data"`
}

// Encode renders the chunk in the sender wire shape.
func (c Chunk) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Frame is one classified inbound write.
type Frame struct {
	Kind   Kind
	Object Object
	Chunk  Chunk
}

// Limits constrains decode memory use.
type Limits struct {
	MaxFrameBytes   int
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:   4 * 1024,
		MaxMessageBytes: 1024 * 1024,
	}
}

// Decode classifies raw as a single or chunk frame.
//
// Errors wrapping protocol.ErrDecode or protocol.ErrMalformedJSON leave Kind
// as KindInvalid. A chunk frame whose fields are missing or mistyped returns
// Kind == KindChunk together with an error wrapping protocol.ErrProtocol, so
// callers can tell a bad chunk from an unreadable write.
func Decode(raw []byte, limits Limits) (Frame, error) {
	if limits.MaxFrameBytes > 0 && len(raw) > limits.MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	if !utf8.Valid(raw) {
		return Frame{}, protocol.ErrDecode
	}
	obj, err := ParseObject(raw)
	if err != nil {
		return Frame{}, err
	}
	if _, ok := obj[FieldSessionID]; !ok {
		return Frame{Kind: KindSingle, Object: obj}, nil
	}
	chunk, err := chunkFromObject(obj)
	if err != nil {
		return Frame{Kind: KindChunk, Object: obj}, err
	}
	return Frame{Kind: KindChunk, Object: obj, Chunk: chunk}, nil
}

// ParseObject decodes text as exactly one JSON object.
func ParseObject(text []byte) (Object, error) {
	v, err := parseValue(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, not an object", protocol.ErrMalformedJSON, v)
	}
	return Object(obj), nil
}

func parseValue(text []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedJSON, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after value", protocol.ErrMalformedJSON)
	}
	return v, nil
}

// ParseMessage decodes a reassembled payload. Any single JSON value is
// accepted; a value that is not an object has no fields and yields an empty
// Object. Failures wrap protocol.ErrReassemblyParse.
func ParseMessage(payload string, limits Limits) (Object, error) {
	if limits.MaxMessageBytes > 0 && len(payload) > limits.MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	v, err := parseValue([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrReassemblyParse, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Object{}, nil
	}
	return Object(obj), nil
}

func chunkFromObject(obj Object) (Chunk, error) {
	var c Chunk
	var err error
	if c.SessionID, err = stringField(obj, FieldSessionID); err != nil {
		return Chunk{}, err
	}
	if c.Index, err = intField(obj, FieldChunkIndex); err != nil {
		return Chunk{}, err
	}
	if c.Total, err = intField(obj, FieldTotalChunks); err != nil {
		return Chunk{}, err
	}
	if c.Data, err = stringField(obj, FieldData); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

func stringField(obj Object, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("frame: %s: %w", name, protocol.ErrMissingField)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("frame: %s is %T: %w", name, raw, protocol.ErrFieldType)
	}
	return s, nil
}

func intField(obj Object, name string) (int, error) {
	raw, ok := obj[name]
	if !ok {
		return 0, fmt.Errorf("frame: %s: %w", name, protocol.ErrMissingField)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("frame: %s is %T: %w", name, raw, protocol.ErrFieldType)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("frame: %s=%s is not an integer: %w", name, num, protocol.ErrFieldType)
	}
	if int64(int(n)) != n {
		return 0, fmt.Errorf("frame: %s=%s overflows int: %w", name, num, protocol.ErrFieldType)
	}
	return int(n), nil
}
