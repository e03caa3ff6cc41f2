package frame

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultChunkSize matches the companion app's per-write data length.
const DefaultChunkSize = 80

var (
	ErrEmptyPayload     = errors.New("frame: empty payload")
	ErrInvalidChunkSize = errors.New("frame: chunk size must be positive")
	ErrEmptySessionID   = errors.New("frame: empty session id")
)

// NewSessionID returns a sender-side session identifier.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Split cuts payload into chunk frames of at most chunkSize characters.
// Cuts fall on rune boundaries so every chunk is valid UTF-8 on its own.
func Split(sessionID, payload string, chunkSize int) ([]Chunk, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if payload == "" {
		return nil, ErrEmptyPayload
	}

	total := (utf8.RuneCountInString(payload) + chunkSize - 1) / chunkSize
	out := make([]Chunk, 0, total)
	rest := payload
	for len(rest) > 0 {
		cut := len(rest)
		n := 0
		for i := range rest {
			if n == chunkSize {
				cut = i
				break
			}
			n++
		}
		out = append(out, Chunk{
			SessionID: sessionID,
			Index:     len(out),
			Total:     total,
			Data:      rest[:cut],
		})
		rest = rest[cut:]
	}
	return out, nil
}
