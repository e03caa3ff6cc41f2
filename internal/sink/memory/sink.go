package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/sink"
)

const Backend = "memory"

// Sink is an in-memory name/value store.
type Sink struct {
	mu    sync.RWMutex
	store map[string]string
	saves int
}

func New() *Sink {
	return &Sink{
		store: make(map[string]string),
	}
}

func (s *Sink) Save(ctx context.Context, name, content string) (err error) {
	defer func() { observability.RecordSinkWrite(Backend, err == nil) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return sink.ErrEmptyName
	}
	s.mu.Lock()
	s.store[key] = content
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *Sink) Load(_ context.Context, name string) (string, error) {
	key := strings.TrimSpace(name)
	s.mu.RLock()
	val, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("sink.memory: missing name=%s", key)
	}
	return val, nil
}

// Saves counts successful Save calls.
func (s *Sink) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Sink) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.store))
	for k := range s.store {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ sink.Sink = (*Sink)(nil)
