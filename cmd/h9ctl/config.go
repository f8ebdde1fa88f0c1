package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/h9ctl/internal/service"
	"github.com/danmuck/h9ctl/internal/tempo"
)

type fileConfig struct {
	Heartbeat string     `toml:"heartbeat"`
	Device    fileDevice `toml:"device"`
	Audio     fileAudio  `toml:"audio"`
	Tempo     fileTempo  `toml:"tempo"`
	API       fileAPI    `toml:"api"`
	Redis     fileRedis  `toml:"redis"`
}

type fileDevice struct {
	Transport       string `toml:"transport"`
	PortPrefix      string `toml:"port_prefix"`
	SerialPort      string `toml:"serial_port"`
	SerialBaud      int    `toml:"serial_baud"`
	DeviceID        int    `toml:"device_id"`
	MIDIChannel     int    `toml:"midi_channel"`
	ExchangeTimeout string `toml:"exchange_timeout"`
	BulkTimeout     string `toml:"bulk_timeout"`
	ProgramSettle   string `toml:"program_settle"`
	ConfirmWrites   bool   `toml:"confirm_writes"`
	ConnectAttempts int    `toml:"connect_attempts"`
}

type fileAudio struct {
	Enabled             bool     `toml:"enabled"`
	Command             []string `toml:"command"`
	PCMPath             string   `toml:"pcm_path"`
	SampleRate          int      `toml:"sample_rate"`
	Channels            int      `toml:"channels"`
	FrameSize           int      `toml:"frame_size"`
	IdenticalThreshold  int      `toml:"identical_threshold"`
	SilenceThreshold    int      `toml:"silence_threshold"`
	SilenceEpsilon      float64  `toml:"silence_epsilon"`
	MaxRecoveryAttempts int      `toml:"max_recovery_attempts"`
	BackoffInitial      string   `toml:"backoff_initial"`
	BackoffMax          string   `toml:"backoff_max"`
	Cooldown            string   `toml:"cooldown"`
	MinBPM              float64  `toml:"min_bpm"`
	MaxBPM              float64  `toml:"max_bpm"`
}

type fileTempo struct {
	Mode   string  `toml:"mode"`
	MinBPM float64 `toml:"min_bpm"`
	MaxBPM float64 `toml:"max_bpm"`
}

type fileAPI struct {
	Enabled     bool     `toml:"enabled"`
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type fileRedis struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// loadServiceConfig overlays the keys present in path onto service defaults.
func loadServiceConfig(path string) (service.Config, error) {
	cfg := service.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.Config{}, fmt.Errorf("load h9ctl config: %w", err)
	}
	durations := durationSetter{meta: meta}

	durations.set(&cfg.HeartbeatInterval, raw.Heartbeat, "heartbeat")

	dev := &cfg.Device
	if meta.IsDefined("device", "transport") {
		dev.Transport = strings.ToLower(strings.TrimSpace(raw.Device.Transport))
	}
	if meta.IsDefined("device", "port_prefix") {
		dev.PortPrefix = raw.Device.PortPrefix
	}
	if meta.IsDefined("device", "serial_port") {
		dev.SerialPort = strings.TrimSpace(raw.Device.SerialPort)
	}
	if meta.IsDefined("device", "serial_baud") {
		dev.SerialBaud = raw.Device.SerialBaud
	}
	if meta.IsDefined("device", "device_id") {
		if raw.Device.DeviceID < 0 || raw.Device.DeviceID > 0x7F {
			return service.Config{}, fmt.Errorf("device_id %d out of range 0..127", raw.Device.DeviceID)
		}
		dev.Session.DeviceID = byte(raw.Device.DeviceID)
	}
	if meta.IsDefined("device", "midi_channel") {
		if raw.Device.MIDIChannel < 0 || raw.Device.MIDIChannel > 15 {
			return service.Config{}, fmt.Errorf("midi_channel %d out of range 0..15", raw.Device.MIDIChannel)
		}
		dev.Session.MIDIChannel = uint8(raw.Device.MIDIChannel)
	}
	durations.set(&dev.Session.ExchangeTimeout, raw.Device.ExchangeTimeout, "device", "exchange_timeout")
	durations.set(&dev.Session.BulkTimeout, raw.Device.BulkTimeout, "device", "bulk_timeout")
	durations.set(&dev.Session.ProgramSettle, raw.Device.ProgramSettle, "device", "program_settle")
	if meta.IsDefined("device", "confirm_writes") {
		dev.Session.ConfirmWrites = raw.Device.ConfirmWrites
	}
	if meta.IsDefined("device", "connect_attempts") {
		dev.Session.ConnectAttempts = raw.Device.ConnectAttempts
	}

	au := &cfg.Audio
	if meta.IsDefined("audio", "enabled") {
		au.Enabled = raw.Audio.Enabled
	}
	if meta.IsDefined("audio", "command") {
		au.Command = normalizeArgs(raw.Audio.Command)
	}
	if meta.IsDefined("audio", "pcm_path") {
		au.PCMPath = strings.TrimSpace(raw.Audio.PCMPath)
	}
	if meta.IsDefined("audio", "sample_rate") {
		au.SampleRate = raw.Audio.SampleRate
		au.Estimator.SampleRate = raw.Audio.SampleRate
	}
	if meta.IsDefined("audio", "channels") {
		au.Channels = raw.Audio.Channels
	}
	if meta.IsDefined("audio", "frame_size") {
		au.FrameSize = raw.Audio.FrameSize
	}
	if meta.IsDefined("audio", "identical_threshold") {
		au.Monitor.IdenticalThreshold = raw.Audio.IdenticalThreshold
	}
	if meta.IsDefined("audio", "silence_threshold") {
		au.Monitor.SilenceThreshold = raw.Audio.SilenceThreshold
	}
	if meta.IsDefined("audio", "silence_epsilon") {
		au.Monitor.SilenceEpsilon = raw.Audio.SilenceEpsilon
	}
	if meta.IsDefined("audio", "max_recovery_attempts") {
		au.Monitor.MaxAttempts = raw.Audio.MaxRecoveryAttempts
	}
	durations.set(&au.Monitor.Backoff.InitialDelay, raw.Audio.BackoffInitial, "audio", "backoff_initial")
	durations.set(&au.Monitor.Backoff.MaxDelay, raw.Audio.BackoffMax, "audio", "backoff_max")
	durations.set(&au.Monitor.Cooldown, raw.Audio.Cooldown, "audio", "cooldown")
	if meta.IsDefined("audio", "min_bpm") {
		au.Estimator.MinBPM = raw.Audio.MinBPM
	}
	if meta.IsDefined("audio", "max_bpm") {
		au.Estimator.MaxBPM = raw.Audio.MaxBPM
	}

	if meta.IsDefined("tempo", "mode") {
		mode, err := tempo.ParseMode(raw.Tempo.Mode)
		if err != nil {
			return service.Config{}, err
		}
		cfg.TempoMode = mode
	}
	if meta.IsDefined("tempo", "min_bpm") {
		cfg.Worker.MinBPM = raw.Tempo.MinBPM
	}
	if meta.IsDefined("tempo", "max_bpm") {
		cfg.Worker.MaxBPM = raw.Tempo.MaxBPM
	}
	if cfg.Worker.MinBPM <= 0 || cfg.Worker.MaxBPM <= cfg.Worker.MinBPM {
		return service.Config{}, fmt.Errorf("tempo range [%g, %g] is empty", cfg.Worker.MinBPM, cfg.Worker.MaxBPM)
	}

	if meta.IsDefined("api", "enabled") {
		cfg.APIEnabled = raw.API.Enabled
	}
	if meta.IsDefined("api", "listen") {
		cfg.API.Listen = strings.TrimSpace(raw.API.Listen)
	}
	if meta.IsDefined("api", "cors_origins") {
		cfg.API.CORSOrigins = normalizeArgs(raw.API.CORSOrigins)
	}
	if meta.IsDefined("api", "token") {
		cfg.API.Token = strings.TrimSpace(raw.API.Token)
	}
	if v := os.Getenv("H9CTL_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}

	if meta.IsDefined("redis", "enabled") {
		cfg.Redis.Enabled = raw.Redis.Enabled
	}
	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "channel") {
		cfg.Redis.Channel = strings.TrimSpace(raw.Redis.Channel)
	}

	if durations.err != nil {
		return service.Config{}, durations.err
	}
	return cfg, nil
}

// durationSetter parses defined duration keys and keeps the first error.
type durationSetter struct {
	meta toml.MetaData
	err  error
}

func (d *durationSetter) set(dst *time.Duration, raw string, key ...string) {
	if d.err != nil || !d.meta.IsDefined(key...) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = v
}

func normalizeArgs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
