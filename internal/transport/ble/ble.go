// Package ble exposes the engine as a single-characteristic GATT peripheral.
//
// The characteristic accepts writes (with and without response) and carries
// acknowledgments as notifications. Each write is copied before it reaches the
// handler since the stack may reuse its buffer.
//
// The characteristic is not readable. On Linux the stack answers a read with
// the last value written, which is the last acknowledgment and not the
// connection status; the status snapshot is served over HTTP at /status.
//
// The stack reports connections itself on every platform except Linux. There
// Config.Watch supplies them from BlueZ.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/danmuck/chunkrelay/internal/retry"
	"github.com/danmuck/chunkrelay/internal/transport"
)

const (
	DefaultServiceUUID        = "12345678-1234-1234-1234-123456789abc"
	DefaultCharacteristicUUID = "abcd1234-ab12-cd34-ef56-abcdef123456"
	DefaultLocalName          = "RPI_BLE_JSON"
	DefaultAdapter            = "hci0"
)

var ErrNotStarted = errors.New("ble: peripheral not started")

// characteristicFlags are the permissions of the single characteristic.
const characteristicFlags = bluetooth.CharacteristicWritePermission |
	bluetooth.CharacteristicWriteWithoutResponsePermission |
	bluetooth.CharacteristicNotifyPermission

// ConnectionWatcher reports centrals connecting and disconnecting until ctx
// is done.
type ConnectionWatcher func(ctx context.Context, report func(peer string, connected bool)) error

type Config struct {
	LocalName          string
	Adapter            string
	ServiceUUID        string
	CharacteristicUUID string
	AdvertiseBackoff   retry.Backoff
	AdvertiseAttempts  int
	Watch              ConnectionWatcher
}

func DefaultConfig() Config {
	return Config{
		LocalName:          DefaultLocalName,
		Adapter:            DefaultAdapter,
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		AdvertiseBackoff: retry.Backoff{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
		},
		AdvertiseAttempts: 10,
	}
}

// UUIDs parses the configured service and characteristic identifiers.
func (c Config) UUIDs() (service bluetooth.UUID, char bluetooth.UUID, err error) {
	service, err = bluetooth.ParseUUID(c.ServiceUUID)
	if err != nil {
		return service, char, fmt.Errorf("ble: service uuid %q: %w", c.ServiceUUID, err)
	}
	char, err = bluetooth.ParseUUID(c.CharacteristicUUID)
	if err != nil {
		return service, char, fmt.Errorf("ble: characteristic uuid %q: %w", c.CharacteristicUUID, err)
	}
	return service, char, nil
}

type advertiser interface {
	Configure(opts bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

type notifyWriter interface {
	Write(p []byte) (int, error)
}

// Peripheral owns the adapter, the GATT service and its advertisement.
type Peripheral struct {
	cfg     Config
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	handler transport.Handler
	adv     advertiser
	char    notifyWriter
	ctx     context.Context
	peers   map[string]struct{}

	connected atomic.Bool
}

func New(cfg Config) *Peripheral {
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	if cfg.AdvertiseAttempts <= 0 {
		cfg.AdvertiseAttempts = DefaultConfig().AdvertiseAttempts
	}
	return &Peripheral{cfg: cfg, adapter: bluetooth.DefaultAdapter, peers: make(map[string]struct{})}
}

// Start registers the service, begins advertising and blocks until ctx is
// done.
func (p *Peripheral) Start(ctx context.Context, handler transport.Handler) error {
	serviceUUID, charUUID, err := p.cfg.UUIDs()
	if err != nil {
		return err
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var char bluetooth.Characteristic
	p.mu.Lock()
	p.handler = handler
	p.ctx = ctx
	p.mu.Unlock()

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.handleConnect(device.Address.String(), connected)
	})
	err = p.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &char,
				UUID:   charUUID,
				Flags:  characteristicFlags,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					p.handleWrite(value)
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	p.mu.Lock()
	p.char = &char
	p.adv = p.adapter.DefaultAdvertisement()
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchErr := p.watchConnections(ctx)

	if err := p.advertise(ctx, serviceUUID); err != nil {
		return err
	}
	log.Info().Str("name", p.cfg.LocalName).Str("service", p.cfg.ServiceUUID).
		Str("characteristic", p.cfg.CharacteristicUUID).Msg("ble.Peripheral.Start advertising")

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case werr := <-watchErr:
		err = fmt.Errorf("ble: connection watch: %w", werr)
	}
	p.mu.Lock()
	adv := p.adv
	p.mu.Unlock()
	if serr := adv.Stop(); serr != nil {
		log.Warn().Err(serr).Msg("ble.Peripheral.Start stop advertising")
	}
	return err
}

// watchConnections runs the configured watcher. The returned channel yields
// its error only if it stops before ctx is done.
func (p *Peripheral) watchConnections(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	if p.cfg.Watch == nil {
		return errCh
	}
	go func() {
		err := p.cfg.Watch(ctx, p.handleConnect)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("watcher stopped")
		}
		errCh <- err
	}()
	return errCh
}

// Notify sets the characteristic value and notifies subscribers.
func (p *Peripheral) Notify(payload []byte) error {
	p.mu.Lock()
	char := p.char
	p.mu.Unlock()
	if char == nil {
		return ErrNotStarted
	}
	if _, err := char.Write(payload); err != nil {
		return fmt.Errorf("ble: notify: %w", err)
	}
	return nil
}

func (p *Peripheral) Connected() bool {
	return p.connected.Load()
}

// handleConnect tracks centrals by address. The handler sees a connect when
// the first one arrives and a disconnect when the last one leaves; repeated
// reports for a known peer are ignored.
func (p *Peripheral) handleConnect(addr string, connected bool) {
	p.mu.Lock()
	h := p.handler
	ctx := p.ctx
	if h == nil {
		p.mu.Unlock()
		return
	}
	_, known := p.peers[addr]
	if connected {
		p.peers[addr] = struct{}{}
	} else {
		delete(p.peers, addr)
	}
	remaining := len(p.peers)
	p.mu.Unlock()

	switch {
	case connected && !known && remaining == 1:
		p.connected.Store(true)
		log.Info().Str("peer", addr).Msg("ble.Peripheral.handleConnect connected")
		h.OnConnect()
	case !connected && known && remaining == 0:
		p.connected.Store(false)
		log.Info().Str("peer", addr).Msg("ble.Peripheral.handleConnect disconnected")
		h.OnDisconnect()
		if ctx != nil && ctx.Err() == nil {
			go p.readvertise(ctx)
		}
	default:
		log.Debug().Str("peer", addr).Bool("connected", connected).Int("peers", remaining).
			Msg("ble.Peripheral.handleConnect ignored")
	}
}

func (p *Peripheral) handleWrite(value []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	h.OnWrite(buf)
}

func (p *Peripheral) readvertise(ctx context.Context) {
	serviceUUID, _, err := p.cfg.UUIDs()
	if err != nil {
		return
	}
	p.mu.Lock()
	adv := p.adv
	p.mu.Unlock()
	if adv != nil {
		// BlueZ refuses to register an advertisement that is still registered.
		_ = adv.Stop()
	}
	if err := p.advertise(ctx, serviceUUID); err != nil {
		log.Error().Err(err).Msg("ble.Peripheral.readvertise gave up")
	}
}

func (p *Peripheral) advertise(ctx context.Context, serviceUUID bluetooth.UUID) error {
	p.mu.Lock()
	adv := p.adv
	p.mu.Unlock()
	if adv == nil {
		return ErrNotStarted
	}
	opts := bluetooth.AdvertisementOptions{
		LocalName:    p.cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}
	attempt := 0
	err := p.cfg.AdvertiseBackoff.Do(ctx, p.cfg.AdvertiseAttempts, func(context.Context) error {
		attempt++
		if err := adv.Configure(opts); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("ble.Peripheral.advertise configure")
			return err
		}
		if err := adv.Start(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("ble.Peripheral.advertise start")
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ble: advertise: %w", err)
	}
	return nil
}
