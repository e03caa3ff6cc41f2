package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/chunkrelay/internal/config"
	"github.com/danmuck/chunkrelay/internal/protocol/session"
	"github.com/danmuck/chunkrelay/internal/relay"
)

// loadServiceConfig overlays the keys present in path on the defaults. An
// empty path returns the defaults.
func loadServiceConfig(path string) (relay.ServiceConfig, error) {
	cfg := relay.DefaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.ServiceConfig{}, fmt.Errorf("load relayctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return relay.ServiceConfig{}, fmt.Errorf("load relayctl config: unknown key %q", undecoded[0].String())
	}

	setString := func(key string, value string, dst *string) {
		if !meta.IsDefined(key) {
			return
		}
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	setString("device_name", raw.DeviceName, &cfg.DeviceName)
	setString("adapter", raw.Adapter, &cfg.Adapter)
	setString("service_uuid", raw.ServiceUUID, &cfg.ServiceUUID)
	setString("characteristic_uuid", raw.CharacteristicUUID, &cfg.CharacteristicUUID)
	setString("status_token", raw.StatusToken, &cfg.StatusToken)
	setString("code_slot", raw.CodeSlot, &cfg.CodeSlot)
	setString("sink_root", raw.SinkRoot, &cfg.SinkRoot)
	setString("redis_url", raw.RedisURL, &cfg.RedisURL)
	setString("redis_key_prefix", raw.RedisKeyPrefix, &cfg.RedisKeyPrefix)
	setString("redis_channel", raw.RedisChannel, &cfg.RedisChannel)

	if meta.IsDefined("skip_preflight") {
		cfg.SkipPreflight = raw.SkipPreflight
	}

	// An explicitly empty status_addr disables the HTTP endpoint.
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if meta.IsDefined("sink") {
		cfg.Sink = relay.SinkKind(strings.ToLower(strings.TrimSpace(raw.Sink)))
	}

	if meta.IsDefined("max_total_chunks") {
		cfg.Session.MaxTotalChunks = raw.MaxTotalChunks
	}

	if meta.IsDefined("total_chunks_mismatch") {
		cfg.Session.Mismatch = session.MismatchPolicy(strings.ToLower(strings.TrimSpace(raw.TotalChunksMismatch)))
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &cfg.Session.IdleTimeout},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"advertise_retry_initial", raw.AdvertiseRetryInitial, &cfg.AdvertiseRetryInitial},
		{"advertise_retry_max", raw.AdvertiseRetryMax, &cfg.AdvertiseRetryMax},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return relay.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return relay.ServiceConfig{}, fmt.Errorf("load relayctl config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
