package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidMaxTotalChunks = errors.New("session: max total chunks must be positive")
	ErrInvalidMismatchPolicy = errors.New("session: invalid total chunks mismatch policy")
	ErrInvalidIdleTimeout    = errors.New("session: idle timeout must not be negative")
)

// MismatchPolicy controls a chunk whose totalChunks differs from the value
// its session was created with.
type MismatchPolicy string

const (
	// MismatchIgnore keeps the first declared total and accepts the chunk.
	MismatchIgnore MismatchPolicy = "ignore"
	// MismatchReject fails the chunk with protocol.ErrTotalChunksMismatch.
	MismatchReject MismatchPolicy = "reject"
)

// Config defines session table limits and policies.
type Config struct {
	MaxTotalChunks int
	Mismatch       MismatchPolicy
	// IdleTimeout evicts sessions not written for this long. Zero disables
	// eviction: a stalled session then lives until the connection drops.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTotalChunks: 4096,
		Mismatch:       MismatchIgnore,
		IdleTimeout:    0,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxTotalChunks == 0 {
		c.MaxTotalChunks = def.MaxTotalChunks
	}
	c.Mismatch = MismatchPolicy(strings.ToLower(strings.TrimSpace(string(c.Mismatch))))
	if c.Mismatch == "" {
		c.Mismatch = def.Mismatch
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxTotalChunks <= 0 {
		return ErrInvalidMaxTotalChunks
	}
	switch c.Mismatch {
	case MismatchIgnore, MismatchReject:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMismatchPolicy, c.Mismatch)
	}
	if c.IdleTimeout < 0 {
		return ErrInvalidIdleTimeout
	}
	return nil
}
