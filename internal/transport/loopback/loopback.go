// Package loopback drives the engine from a line stream instead of a radio.
//
// Each input line is one characteristic write. Lines starting with '#' are
// control lines: #connect, #disconnect and #status. Notifications and status
// reads are written to the output, one per line.
package loopback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/transport"
)

const (
	CmdConnect    = "#connect"
	CmdDisconnect = "#disconnect"
	CmdStatus     = "#status"
)

const maxLineBytes = 1024 * 1024

// StatusReader answers the read path.
type StatusReader interface {
	ReadValue() []byte
}

// Link writes notifications to an output stream.
type Link struct {
	mu  sync.Mutex
	out io.Writer
}

func New(out io.Writer) *Link {
	return &Link{out: out}
}

// Notify writes payload as one output line.
func (l *Link) Notify(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.out, "%s\n", payload); err != nil {
		return fmt.Errorf("loopback: notify: %w", err)
	}
	return nil
}

// Serve feeds every line of in to handler until in is exhausted or ctx ends.
// When autoConnect is set the handler sees a connect before the first line
// and a disconnect after the last.
func (l *Link) Serve(ctx context.Context, in io.Reader, handler transport.Handler, status StatusReader, autoConnect bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if autoConnect {
		handler.OnConnect()
		defer handler.OnDisconnect()
	}
	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		switch strings.TrimSpace(line) {
		case CmdConnect:
			handler.OnConnect()
		case CmdDisconnect:
			handler.OnDisconnect()
		case CmdStatus:
			if status == nil {
				continue
			}
			if err := l.Notify(status.ReadValue()); err != nil {
				return err
			}
		default:
			if strings.HasPrefix(line, "#") {
				log.Debug().Str("line", line).Msg("loopback.Link.Serve skipped comment")
				continue
			}
			handler.OnWrite([]byte(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("loopback: read: %w", err)
	}
	log.Info().Int("lines", lines).Msg("loopback.Link.Serve input exhausted")
	return nil
}
