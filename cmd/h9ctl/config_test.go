package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/service"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/danmuck/h9ctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "h9ctl.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config should validate: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.HeartbeatInterval)
	}
	if cfg.Device.Transport != service.TransportMIDI || cfg.Device.PortPrefix != "H9 Pedal" {
		t.Fatalf("unexpected device: %+v", cfg.Device)
	}
	if cfg.Device.Session.DeviceID != 1 || cfg.Device.Session.ExchangeTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected session: %+v", cfg.Device.Session)
	}
	if cfg.Audio.Enabled || len(cfg.Audio.Command) != 10 || cfg.Audio.Command[0] != "arecord" {
		t.Fatalf("unexpected audio: %+v", cfg.Audio)
	}
	if cfg.Audio.Monitor.Cooldown != 30*time.Second || cfg.Audio.Monitor.Backoff.MaxDelay != 8*time.Second {
		t.Fatalf("unexpected monitor: %+v", cfg.Audio.Monitor)
	}
	if cfg.TempoMode != tempo.ModeLocked || cfg.Worker.MinBPM != 20 || cfg.Worker.MaxBPM != 300 {
		t.Fatalf("unexpected tempo: mode=%s range=[%g,%g]", cfg.TempoMode, cfg.Worker.MinBPM, cfg.Worker.MaxBPM)
	}
	if !cfg.APIEnabled || cfg.API.Listen != "127.0.0.1:9090" {
		t.Fatalf("unexpected api: %+v", cfg.API)
	}
	if cfg.Redis.Enabled || cfg.Redis.Channel != "h9ctl:state" {
		t.Fatalf("unexpected redis: %+v", cfg.Redis)
	}
}

func TestLoadServiceConfigOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[device]
transport = "Serial"
serial_port = "/dev/ttyAMA0"
confirm_writes = true

[tempo]
mode = "live"

[audio]
sample_rate = 44100
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := service.DefaultConfig()
	if cfg.Device.Transport != service.TransportSerial || cfg.Device.SerialPort != "/dev/ttyAMA0" {
		t.Fatalf("unexpected device: %+v", cfg.Device)
	}
	if !cfg.Device.Session.ConfirmWrites {
		t.Fatalf("confirm_writes not applied")
	}
	if cfg.Device.Session.BulkTimeout != def.Device.Session.BulkTimeout {
		t.Fatalf("undefined key changed: %v", cfg.Device.Session.BulkTimeout)
	}
	if cfg.TempoMode != tempo.ModeLive {
		t.Fatalf("unexpected mode %s", cfg.TempoMode)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.Estimator.SampleRate != 44100 {
		t.Fatalf("sample rate not propagated: %+v", cfg.Audio)
	}
	if cfg.HeartbeatInterval != def.HeartbeatInterval {
		t.Fatalf("heartbeat should keep its default")
	}
}

func TestLoadServiceConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":  "[device]\nbulk_timeout = \"soon\"\n",
		"heartbeat": "heartbeat = \"abc\"\n",
		"device id": "[device]\ndevice_id = 200\n",
		"channel":   "[device]\nmidi_channel = 16\n",
		"mode":      "[tempo]\nmode = \"chaos\"\n",
		"range":     "[tempo]\nmin_bpm = 300\nmax_bpm = 20\n",
		"toml":      "[device\n",
	}
	for name, content := range cases {
		if _, err := loadServiceConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfigOrDefault("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Device.Transport != service.TransportMIDI {
		t.Fatalf("unexpected default transport %q", cfg.Device.Transport)
	}
}
