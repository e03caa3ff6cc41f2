package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/chunkrelay/internal/testutil/testlog"
)

func TestTemplateListsEveryKey(t *testing.T) {
	testlog.Start(t)
	out, err := Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	for _, key := range []string{"device_name", "sink", "max_total_chunks", "total_chunks_mismatch", "idle_timeout", "advertise_retry_max"} {
		if !strings.Contains(string(out), key+" = ") {
			t.Fatalf("template missing %s:\n%s", key, out)
		}
	}
}

func TestWriteTemplateThenCheck(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := Check(path); err != nil {
		t.Fatalf("check template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
}

func TestCheckRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte("sink = \"fs\"\nsnk_root = \"/tmp\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := Check(path)
	if err == nil || !strings.Contains(err.Error(), "snk_root") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if err := Check(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
