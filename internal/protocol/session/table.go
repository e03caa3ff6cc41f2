package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/chunkrelay/internal/protocol"
)

var ErrUnknownSession = errors.New("session: unknown session")

// Info is a point-in-time view of one session without its payload.
type Info struct {
	SessionID     string
	TotalChunks   int
	ReceivedCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type entry struct {
	info   Info
	chunks map[int]string
}

// Table stores in-flight reassembly sessions by sender-assigned id.
type Table struct {
	mu    sync.RWMutex
	cfg   Config
	now   func() time.Time
	items map[string]*entry
}

func NewTable(cfg Config) *Table {
	return NewTableWithClock(cfg, time.Now)
}

func NewTableWithClock(cfg Config, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		cfg:   cfg.WithDefaults(),
		now:   now,
		items: make(map[string]*entry),
	}
}

// Begin drops every session and returns the table to its empty state.
func (t *Table) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.items)
}

// GetOrCreate returns the session for id, creating it with totalChunks when
// absent. An existing session keeps its original total; a differing value is
// ignored or rejected according to Config.Mismatch.
func (t *Table) GetOrCreate(id string, totalChunks int) (Info, error) {
	if id == "" {
		return Info{}, fmt.Errorf("session: empty id: %w", protocol.ErrMissingField)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.items[id]; ok {
		if e.info.TotalChunks != totalChunks && t.cfg.Mismatch == MismatchReject {
			return e.info, fmt.Errorf("session %q: declared %d, got %d: %w",
				id, e.info.TotalChunks, totalChunks, protocol.ErrTotalChunksMismatch)
		}
		return e.info, nil
	}

	if totalChunks < 1 || totalChunks > t.cfg.MaxTotalChunks {
		return Info{}, fmt.Errorf("session %q: total=%d max=%d: %w",
			id, totalChunks, t.cfg.MaxTotalChunks, protocol.ErrTotalChunksRange)
	}
	now := t.now()
	e := &entry{
		info: Info{
			SessionID:   id,
			TotalChunks: totalChunks,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		chunks: make(map[int]string, totalChunks),
	}
	t.items[id] = e
	return e.info, nil
}

// Put stores data at index and returns the session's updated counts.
// Rewriting a stored index replaces its payload without counting it again.
func (t *Table) Put(id string, index int, data string) (received int, total int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.items[id]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	if index < 0 || index >= e.info.TotalChunks {
		return e.info.ReceivedCount, e.info.TotalChunks, fmt.Errorf("session %q: index=%d total=%d: %w",
			id, index, e.info.TotalChunks, protocol.ErrChunkIndexRange)
	}
	if _, seen := e.chunks[index]; !seen {
		e.info.ReceivedCount++
	}
	e.chunks[index] = data
	e.info.UpdatedAt = t.now()
	return e.info.ReceivedCount, e.info.TotalChunks, nil
}

// Drain concatenates the session's payloads in ascending index order and
// removes the session. Indices never received contribute nothing.
func (t *Table) Drain(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.items[id]
	if !ok {
		return "", false
	}
	delete(t.items, id)

	size := 0
	for _, data := range e.chunks {
		size += len(data)
	}
	var b strings.Builder
	b.Grow(size)
	for i := 0; i < e.info.TotalChunks; i++ {
		b.WriteString(e.chunks[i])
	}
	return b.String(), true
}

// Discard removes a session without assembling it.
func (t *Table) Discard(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return false
	}
	delete(t.items, id)
	return true
}

func (t *Table) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.items[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// List returns session views ordered by id.
func (t *Table) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.items))
	for _, e := range t.items {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// EvictIdle removes sessions whose last write is older than the configured
// idle timeout and returns their ids in order. It does nothing when the
// timeout is zero.
func (t *Table) EvictIdle(now time.Time) []string {
	if t.cfg.IdleTimeout <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	for key, e := range t.items {
		if now.Sub(e.info.UpdatedAt) > t.cfg.IdleTimeout {
			delete(t.items, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	return evicted
}
