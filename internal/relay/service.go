// Package relay assembles the engine, its sink and a transport into a
// runnable process.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/auth"
	"github.com/danmuck/chunkrelay/internal/engine"
	"github.com/danmuck/chunkrelay/internal/message"
	"github.com/danmuck/chunkrelay/internal/protocol/session"
	"github.com/danmuck/chunkrelay/internal/sink"
	sinkfs "github.com/danmuck/chunkrelay/internal/sink/fs"
	sinkmemory "github.com/danmuck/chunkrelay/internal/sink/memory"
	sinkredis "github.com/danmuck/chunkrelay/internal/sink/redis"
	"github.com/danmuck/chunkrelay/internal/status"
	"github.com/danmuck/chunkrelay/internal/transport/ble"
	"github.com/danmuck/chunkrelay/internal/transport/bluez"
	"github.com/danmuck/chunkrelay/internal/transport/loopback"
)

var (
	ErrInvalidSink          = errors.New("relay: invalid sink kind")
	ErrInvalidSweepInterval = errors.New("relay: sweep interval must be positive when idle timeout is set")
	ErrMissingRedisURL      = errors.New("relay: redis sink requires redis_url")
)

// SinkKind selects the persistence backend.
type SinkKind string

const (
	SinkFS     SinkKind = "fs"
	SinkMemory SinkKind = "memory"
	SinkRedis  SinkKind = "redis"
)

// ServiceConfig configures one relay process.
type ServiceConfig struct {
	DeviceName         string
	Adapter            string
	ServiceUUID        string
	CharacteristicUUID string
	SkipPreflight      bool

	StatusAddr  string
	StatusToken string
	CORSOrigins []string

	CodeSlot       string
	Sink           SinkKind
	SinkRoot       string
	RedisURL       string
	RedisKeyPrefix string
	RedisChannel   string

	Session               session.Config
	SweepInterval         time.Duration
	AdvertiseRetryInitial time.Duration
	AdvertiseRetryMax     time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DeviceName:            ble.DefaultLocalName,
		Adapter:               ble.DefaultAdapter,
		ServiceUUID:           ble.DefaultServiceUUID,
		CharacteristicUUID:    ble.DefaultCharacteristicUUID,
		StatusAddr:            "127.0.0.1:8088",
		CodeSlot:              sink.DefaultSlot,
		Sink:                  SinkFS,
		SinkRoot:              ".",
		RedisKeyPrefix:        sinkredis.DefaultKeyPrefix,
		Session:               session.DefaultConfig(),
		SweepInterval:         30 * time.Second,
		AdvertiseRetryInitial: 500 * time.Millisecond,
		AdvertiseRetryMax:     30 * time.Second,
	}
}

func (c ServiceConfig) Validate() error {
	switch c.Sink {
	case SinkFS, SinkMemory:
	case SinkRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return ErrMissingRedisURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSink, c.Sink)
	}
	if err := c.Session.WithDefaults().Validate(); err != nil {
		return err
	}
	if c.Session.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	return nil
}

func (c ServiceConfig) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Device = c.DeviceName
	cfg.Session = c.Session
	return cfg
}

func (c ServiceConfig) bleConfig() ble.Config {
	cfg := ble.DefaultConfig()
	cfg.LocalName = c.DeviceName
	cfg.Adapter = c.Adapter
	cfg.ServiceUUID = c.ServiceUUID
	cfg.CharacteristicUUID = c.CharacteristicUUID
	if c.AdvertiseRetryInitial > 0 {
		cfg.AdvertiseBackoff.InitialDelay = c.AdvertiseRetryInitial
	}
	if c.AdvertiseRetryMax > 0 {
		cfg.AdvertiseBackoff.MaxDelay = c.AdvertiseRetryMax
	}
	// tinygo never calls the connect handler on Linux.
	if runtime.GOOS == "linux" {
		cfg.Watch = bluezWatcher(c.Adapter)
	}
	return cfg
}

func bluezWatcher(adapter string) ble.ConnectionWatcher {
	return func(ctx context.Context, report func(string, bool)) error {
		return bluez.WatchConnections(ctx, adapter, func(ev bluez.DeviceEvent) {
			report(ev.Address, ev.Connected)
		})
	}
}

// Service runs the relay against a BLE peripheral or a line stream.
type Service struct {
	cfg   ServiceConfig
	sink  sink.Sink
	close func() error
}

func NewService(cfg ServiceConfig) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Sink = SinkKind(strings.ToLower(strings.TrimSpace(string(cfg.Sink))))
	if cfg.Sink == "" {
		cfg.Sink = SinkFS
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, closer, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, sink: s, close: closer}, nil
}

func buildSink(cfg ServiceConfig) (sink.Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sink {
	case SinkMemory:
		return sinkmemory.New(), noop, nil
	case SinkRedis:
		rs, err := sinkredis.New(sinkredis.Config{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.RedisKeyPrefix,
			Channel:   cfg.RedisChannel,
			Retries:   sinkredis.DefaultRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		return sinkfs.NewWithRoot(cfg.SinkRoot), noop, nil
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Sink returns the persistence backend messages are written to.
func (s *Service) Sink() sink.Sink {
	return s.sink
}

func (s *Service) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *Service) newEngine(notifier engine.Notifier) *engine.Engine {
	return engine.New(s.cfg.engineConfig(), notifier, message.NewProcessor(s.sink, s.cfg.CodeSlot))
}

// Serve checks the adapter, advertises the peripheral and serves the status
// endpoint until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	if !s.cfg.SkipPreflight {
		if _, err := bluez.Preflight(ctx, s.cfg.Adapter); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peripheral := ble.New(s.cfg.bleConfig())
	eng := s.newEngine(peripheral)

	errCh := make(chan error, 3)
	running := 1
	go func() {
		errCh <- peripheral.Start(ctx, eng)
	}()
	if strings.TrimSpace(s.cfg.StatusAddr) != "" {
		var guard auth.Validator
		if s.cfg.StatusToken != "" {
			guard = auth.StaticToken{Token: s.cfg.StatusToken}
		}
		srv := status.New(s.cfg.DeviceName, s.cfg.StatusAddr, s.cfg.CORSOrigins, guard, eng)
		running++
		go func() {
			errCh <- srv.Serve(ctx)
		}()
	}
	if s.cfg.Session.IdleTimeout > 0 {
		running++
		go func() {
			errCh <- sweep(ctx, eng, s.cfg.SweepInterval)
		}()
	}
	log.Info().Str("device", s.cfg.DeviceName).Str("sink", string(s.cfg.Sink)).
		Str("status_addr", s.cfg.StatusAddr).Msg("relay.Service.Serve started")

	var first error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
		cancel()
	}
	log.Info().Msg("relay.Service.Serve stopped")
	return first
}

// Replay feeds a recorded line stream through a fresh engine and writes every
// notification to out. The stream starts connected unless it drives the
// connection itself with control lines. The returned status is taken once
// the input is exhausted, before the closing disconnect, so sessions left
// incomplete by the stream are still counted.
func (s *Service) Replay(ctx context.Context, in io.Reader, out io.Writer, autoConnect bool) (engine.Status, error) {
	link := loopback.New(out)
	eng := s.newEngine(link)
	if autoConnect {
		eng.OnConnect()
	}
	err := link.Serve(ctx, in, eng, eng, false)
	st := eng.Status()
	if autoConnect {
		eng.OnDisconnect()
	}
	return st, err
}

func sweep(ctx context.Context, eng *engine.Engine, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			eng.Sweep(now)
		}
	}
}
