package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
storage:
  backend: memory
poller:
  group_timeout: 250ms
app:
  environment: test
  identity:
    imei: "860000000000001"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("server.port = %q", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage.backend = %q", cfg.Storage.Backend)
	}
	if cfg.Poller.GroupTimeout != 250*time.Millisecond {
		t.Errorf("poller.group_timeout = %s", cfg.Poller.GroupTimeout)
	}
	if cfg.Poller.NodeTimeout != 500*time.Millisecond {
		t.Errorf("poller.node_timeout default = %s", cfg.Poller.NodeTimeout)
	}
	if cfg.App.Identity.IMEI != "860000000000001" {
		t.Errorf("identity = %+v", cfg.App.Identity)
	}
	if cfg.Serial.BufferSize != 256 {
		t.Errorf("serial.buffer_size default = %d", cfg.Serial.BufferSize)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	t.Setenv("GATEWAY_SERVER_PORT", "7070")
	t.Setenv("GATEWAY_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("server.port = %q, want env value", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad backend", body: "storage:\n  backend: redis\n"},
		{name: "bad level", body: "logging:\n  level: loud\n"},
		{name: "bad environment", body: "app:\n  environment: moon\n"},
		{name: "zero buffer", body: "serial:\n  buffer_size: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplySerialDefaults(t *testing.T) {
	cfg := &Config{Serial: SerialDefaults{
		BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none",
		BufferSize: 256, WriteTimeout: 10, ByteTimeout: 20,
	}}

	got := cfg.ApplySerialDefaults(model.SerialConfig{Index: 2, Port: "/dev/ttyS2", BaudRate: 19200, Parity: "even"})
	want := model.SerialConfig{
		Index: 2, Port: "/dev/ttyS2", BaudRate: 19200, DataBits: 8, StopBits: 1,
		Parity: "even", BufferSize: 256, WriteTimeout: 10, ByteTimeout: 20,
	}
	if got != want {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}
