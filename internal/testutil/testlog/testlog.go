package testlog

import (
	"testing"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/logging"
)

// Start configures test logging once per binary and marks the test start.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
