// Package config describes the relayctl TOML file and renders templates of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/chunkrelay/internal/relay"
)

// File is the on-disk shape of a relayctl config. Durations are Go duration
// strings such as "500ms" or "2m".
type File struct {
	DeviceName            string   `toml:"device_name"`
	Adapter               string   `toml:"adapter"`
	ServiceUUID           string   `toml:"service_uuid"`
	CharacteristicUUID    string   `toml:"characteristic_uuid"`
	SkipPreflight         bool     `toml:"skip_preflight"`
	StatusAddr            string   `toml:"status_addr"`
	StatusToken           string   `toml:"status_token"`
	CORSOrigins           []string `toml:"cors_origins"`
	CodeSlot              string   `toml:"code_slot"`
	Sink                  string   `toml:"sink"`
	SinkRoot              string   `toml:"sink_root"`
	RedisURL              string   `toml:"redis_url"`
	RedisKeyPrefix        string   `toml:"redis_key_prefix"`
	RedisChannel          string   `toml:"redis_channel"`
	MaxTotalChunks        int      `toml:"max_total_chunks"`
	TotalChunksMismatch   string   `toml:"total_chunks_mismatch"`
	IdleTimeout           string   `toml:"idle_timeout"`
	SweepInterval         string   `toml:"sweep_interval"`
	AdvertiseRetryInitial string   `toml:"advertise_retry_initial"`
	AdvertiseRetryMax     string   `toml:"advertise_retry_max"`
}

// FromService renders cfg in file form.
func FromService(cfg relay.ServiceConfig) File {
	origins := cfg.CORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return File{
		DeviceName:            cfg.DeviceName,
		Adapter:               cfg.Adapter,
		ServiceUUID:           cfg.ServiceUUID,
		CharacteristicUUID:    cfg.CharacteristicUUID,
		SkipPreflight:         cfg.SkipPreflight,
		StatusAddr:            cfg.StatusAddr,
		StatusToken:           cfg.StatusToken,
		CORSOrigins:           origins,
		CodeSlot:              cfg.CodeSlot,
		Sink:                  string(cfg.Sink),
		SinkRoot:              cfg.SinkRoot,
		RedisURL:              cfg.RedisURL,
		RedisKeyPrefix:        cfg.RedisKeyPrefix,
		RedisChannel:          cfg.RedisChannel,
		MaxTotalChunks:        cfg.Session.MaxTotalChunks,
		TotalChunksMismatch:   string(cfg.Session.Mismatch),
		IdleTimeout:           cfg.Session.IdleTimeout.String(),
		SweepInterval:         cfg.SweepInterval.String(),
		AdvertiseRetryInitial: cfg.AdvertiseRetryInitial.String(),
		AdvertiseRetryMax:     cfg.AdvertiseRetryMax.String(),
	}
}

// Template returns the default configuration as TOML.
func Template() ([]byte, error) {
	body, err := toml.Marshal(FromService(relay.DefaultServiceConfig()))
	if err != nil {
		return nil, fmt.Errorf("config template: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("# relayctl configuration. Every key is optional.\n")
	b.Write(body)
	return b.Bytes(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, template, 0o600)
}

// Check decodes path strictly and reports unknown keys with their position.
func Check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config check failed (%s): %s", path, strings.TrimSpace(strict.String()))
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
