// Package engine turns the ordered stream of characteristic events for one
// connection into reassembled messages and acknowledgment notifications.
//
// Entry points never return errors. Every failure is classified, logged and
// either answered with HATA or dropped silently.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/message"
	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/protocol"
	"github.com/danmuck/chunkrelay/internal/protocol/frame"
	"github.com/danmuck/chunkrelay/internal/protocol/session"
)

// Notifier delivers one acknowledgment to the connected peer.
type Notifier interface {
	Notify(payload []byte) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(payload []byte) error

func (f NotifierFunc) Notify(payload []byte) error {
	return f(payload)
}

// Processor applies the effects of one decoded message.
type Processor interface {
	Process(ctx context.Context, obj frame.Object) message.Result
}

type Config struct {
	Device      string
	Session     session.Config
	Limits      frame.Limits
	SaveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Device:      "RPI_BLE_JSON",
		Session:     session.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
		SaveTimeout: 5 * time.Second,
	}
}

// Status is the read-path snapshot of one connection.
type Status struct {
	Connected      bool `json:"connected"`
	ActiveSessions int  `json:"active_sessions"`
}

// Engine owns the connection flag and session table of a single connection.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	connected bool
	table     *session.Table
	notifier  Notifier
	processor Processor
}

func New(cfg Config, notifier Notifier, processor Processor) *Engine {
	if cfg.Device == "" {
		cfg.Device = DefaultConfig().Device
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	observability.RegisterMetrics()
	return &Engine{
		cfg:       cfg,
		table:     session.NewTable(cfg.Session),
		notifier:  notifier,
		processor: processor,
	}
}

// OnConnect marks the peer connected and starts from an empty table.
func (e *Engine) OnConnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	e.table.Begin()
	observability.SetActiveSessions(e.cfg.Device, 0)
	log.Info().Str("device", e.cfg.Device).Msg("engine.Engine.OnConnect connected")
}

// OnDisconnect marks the peer gone and discards every partial session.
func (e *Engine) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := e.table.Len()
	e.connected = false
	e.table.Begin()
	observability.SetActiveSessions(e.cfg.Device, 0)
	log.Info().Str("device", e.cfg.Device).Int("dropped_sessions", dropped).
		Msg("engine.Engine.OnDisconnect disconnected")
}

// OnWrite handles one characteristic write.
func (e *Engine) OnWrite(raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := frame.Decode(raw, e.cfg.Limits)
	observability.RecordFrame(e.cfg.Device, f.Kind.String())
	if err != nil {
		e.recordError(err)
		if f.Kind == frame.KindChunk {
			log.Warn().Err(err).Msg("engine.Engine.OnWrite bad chunk frame")
			e.ack(frame.AckFail)
			return
		}
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("engine.Engine.OnWrite dropped frame")
		return
	}

	switch f.Kind {
	case frame.KindSingle:
		e.process(f.Object)
	case frame.KindChunk:
		e.handleChunk(f.Chunk)
	}
}

func (e *Engine) handleChunk(c frame.Chunk) {
	defer func() {
		observability.SetActiveSessions(e.cfg.Device, e.table.Len())
	}()

	if _, err := e.table.GetOrCreate(c.SessionID, c.Total); err != nil {
		e.recordError(err)
		log.Warn().Err(err).Str("session", c.SessionID).Msg("engine.Engine.OnWrite session rejected")
		e.ack(frame.AckFail)
		return
	}
	received, total, err := e.table.Put(c.SessionID, c.Index, c.Data)
	if err != nil {
		e.recordError(err)
		if received == 0 {
			e.table.Discard(c.SessionID)
		}
		log.Warn().Err(err).Str("session", c.SessionID).Int("index", c.Index).
			Msg("engine.Engine.OnWrite chunk rejected")
		e.ack(frame.AckFail)
		return
	}
	log.Debug().Str("session", c.SessionID).Int("index", c.Index).
		Int("received", received).Int("total", total).Msg("engine.Engine.OnWrite chunk stored")

	if received < total {
		e.ack(frame.ChunkAck(c.Index))
		return
	}

	payload, _ := e.table.Drain(c.SessionID)
	observability.RecordMessageBytes(e.cfg.Device, len(payload))
	obj, err := frame.ParseMessage(payload, e.cfg.Limits)
	if err != nil {
		e.recordError(err)
		log.Warn().Err(err).Str("session", c.SessionID).Int("bytes", len(payload)).
			Msg("engine.Engine.OnWrite reassembled message unreadable")
		e.ack(frame.AckFail)
		return
	}
	log.Info().Str("session", c.SessionID).Int("chunks", total).Int("bytes", len(payload)).
		Msg("engine.Engine.OnWrite message complete")
	e.process(obj)
	e.ack(frame.AckDone)
}

func (e *Engine) process(obj frame.Object) {
	if e.processor == nil {
		return
	}
	ctx := context.Background()
	if e.cfg.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SaveTimeout)
		defer cancel()
	}
	res := e.processor.Process(ctx, obj)
	for _, err := range res.Failed {
		e.recordError(err)
	}
}

// ack delivers a notification while the peer is connected and drops it
// otherwise.
func (e *Engine) ack(a frame.Ack) {
	if !e.connected || e.notifier == nil {
		observability.RecordAck(e.cfg.Device, a.Label(), false)
		log.Debug().Str("ack", string(a)).Msg("engine.Engine.ack dropped while disconnected")
		return
	}
	if err := e.notifier.Notify(a.Bytes()); err != nil {
		observability.RecordAck(e.cfg.Device, a.Label(), false)
		log.Error().Err(err).Str("ack", string(a)).Msg("engine.Engine.ack notify failed")
		return
	}
	observability.RecordAck(e.cfg.Device, a.Label(), true)
}

func (e *Engine) recordError(err error) {
	if err == nil {
		return
	}
	observability.RecordError(e.cfg.Device, protocol.Kind(err))
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Connected: e.connected, ActiveSessions: e.table.Len()}
}

// ReadValue is the JSON body returned on a characteristic read.
func (e *Engine) ReadValue() []byte {
	out, err := json.Marshal(e.Status())
	if err != nil {
		return []byte(`{}`)
	}
	return out
}

// Sessions lists in-flight sessions.
func (e *Engine) Sessions() []session.Info {
	return e.table.List()
}

// Sweep evicts sessions idle past the configured timeout and returns how many
// were removed. It is a no-op when no timeout is configured.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := e.table.EvictIdle(now)
	if len(evicted) == 0 {
		return 0
	}
	observability.RecordEvictions(e.cfg.Device, len(evicted))
	observability.SetActiveSessions(e.cfg.Device, e.table.Len())
	log.Info().Strs("sessions", evicted).Msg("engine.Engine.Sweep evicted idle sessions")
	return len(evicted)
}
