// Package redis persists decoded message effects as Redis string keys.
//
// Each Save is a SET of prefix+name followed, when a channel is configured, by
// a PUBLISH of the name so other processes can react to new content.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/retry"
	"github.com/danmuck/chunkrelay/internal/sink"
)

const (
	Backend          = "redis"
	DefaultKeyPrefix = "chunkrelay:"
	DefaultTimeout   = 2 * time.Second
	DefaultRetries   = 2
)

// Config configures the Redis sink.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL       string
	KeyPrefix string
	// Channel receives the saved name after each write. Empty disables it.
	Channel string
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retries int
	Backoff retry.Backoff
}

// Sink writes named values to Redis.
type Sink struct {
	cfg    Config
	client *goredis.Client
}

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sink.redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sink.redis: invalid url: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("sink.redis: retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff == (retry.Backoff{}) {
		cfg.Backoff = retry.DefaultBackoff()
	}
	return &Sink{cfg: cfg, client: goredis.NewClient(opts)}, nil
}

func (s *Sink) Key(name string) string {
	return s.cfg.KeyPrefix + strings.TrimSpace(name)
}

func (s *Sink) Save(ctx context.Context, name, content string) (err error) {
	defer func() { observability.RecordSinkWrite(Backend, err == nil) }()
	if strings.TrimSpace(name) == "" {
		return sink.ErrEmptyName
	}
	key := s.Key(name)
	err = s.cfg.Backoff.Do(ctx, 1+s.cfg.Retries, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		if err := s.client.Set(attemptCtx, key, content, 0).Err(); err != nil {
			return err
		}
		if s.cfg.Channel == "" {
			return nil
		}
		return s.client.Publish(attemptCtx, s.cfg.Channel, strings.TrimSpace(name)).Err()
	})
	if err != nil {
		return fmt.Errorf("sink.redis: save %s: %w", key, err)
	}
	return nil
}

func (s *Sink) Load(ctx context.Context, name string) (string, error) {
	val, err := s.client.Get(ctx, s.Key(name)).Result()
	if err != nil {
		return "", fmt.Errorf("sink.redis: load %s: %w", s.Key(name), err)
	}
	return val, nil
}

// Close releases the client connection pool.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ sink.Sink = (*Sink)(nil)
