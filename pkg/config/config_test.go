package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected listen_addr=:8080, got %s", cfg.ListenAddr)
	}
	if cfg.ApplyTimeout != 5*time.Second {
		t.Errorf("expected apply_timeout=5s, got %s", cfg.ApplyTimeout)
	}
	if cfg.ServiceInstance == "" {
		t.Error("expected service_instance to default to the hostname")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("SPP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("SPP_APPLY_TIMEOUT", "250ms")
	t.Setenv("SPP_DEBUG", "true")
	t.Setenv("SPP_CAPTURE_RATE", "not-a-number")
	t.Setenv("SPP_MAX_DEPTH", "3")

	cfg := NewConfig()
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen_addr = %s", cfg.ListenAddr)
	}
	if cfg.ApplyTimeout != 250*time.Millisecond {
		t.Errorf("apply_timeout = %s", cfg.ApplyTimeout)
	}
	if !cfg.Debug {
		t.Error("debug not enabled")
	}
	if cfg.MaxCaptureDepth != 3 {
		t.Errorf("max_capture_depth = %d", cfg.MaxCaptureDepth)
	}
	if cfg.CaptureRate != 50 {
		t.Errorf("unparsable capture_rate should keep the default, got %d", cfg.CaptureRate)
	}
}

func TestOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("SPP_LISTEN_ADDR", "127.0.0.1:9000")

	cfg := NewConfig(WithListenAddr(":7000"), WithApplyTimeout(time.Second), WithDebug(true))
	if cfg.ListenAddr != ":7000" || cfg.ApplyTimeout != time.Second || !cfg.Debug {
		t.Errorf("options not applied: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spp.yaml")
	content := `
listen_addr: ":9090"
apply_timeout: 2s
probe_encoding: cbor
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected listen_addr=:9090, got %s", cfg.ListenAddr)
	}
	if cfg.ApplyTimeout != 2*time.Second {
		t.Errorf("expected apply_timeout=2s, got %s", cfg.ApplyTimeout)
	}
	if cfg.ProbeEncoding != "cbor" {
		t.Errorf("expected probe_encoding=cbor, got %s", cfg.ProbeEncoding)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("keys absent from the file should keep their value, got log_format=%s", cfg.LogFormat)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.ApplyTimeout = 0
	cfg.LogFormat = "xml"
	cfg.MaxCaptureDepth = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"apply_timeout", "log_format", "max_capture_depth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig(WithDebug(true))
	cfg.LogFormat = "json"

	cfg.Logger(&buf).Debug("probe connected", "probe_id", "p-1")
	if !strings.Contains(buf.String(), `"probe_id":"p-1"`) {
		t.Errorf("unexpected log output %q", buf.String())
	}
}
