package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/h9ctl/internal/api"
	"github.com/danmuck/h9ctl/internal/audio"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/danmuck/h9ctl/internal/publish"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/danmuck/h9ctl/internal/transport"
	"github.com/danmuck/h9ctl/internal/worker"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("service: invalid heartbeat interval")
	ErrUnknownTransport         = errors.New("service: unknown transport")
	ErrNoAudioSource            = errors.New("service: audio enabled without a capture source")
)

const (
	TransportMIDI   = "midi"
	TransportSerial = "serial"
)

type DeviceConfig struct {
	Transport  string
	PortPrefix string
	SerialPort string
	SerialBaud int
	Session    session.Config
}

type AudioConfig struct {
	Enabled bool
	// Command is a capture argv writing raw s16le PCM to stdout; PCMPath is
	// used when Command is empty.
	Command    []string
	PCMPath    string
	SampleRate int
	Channels   int
	FrameSize  int
	Monitor    audio.Config
	Estimator  audio.EstimatorConfig
}

type RedisConfig struct {
	Enabled bool
	publish.RedisConfig
}

type Config struct {
	Device            DeviceConfig
	Audio             AudioConfig
	TempoMode         tempo.Mode
	Worker            worker.Config
	APIEnabled        bool
	API               api.Config
	Redis             RedisConfig
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	const sampleRate = 48000
	return Config{
		Device: DeviceConfig{
			Transport:  TransportMIDI,
			PortPrefix: transport.DefaultPortPrefix,
			SerialBaud: transport.MIDIBaudRate,
			Session:    session.DefaultConfig(),
		},
		Audio: AudioConfig{
			Enabled:    false,
			Command:    []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-c", "2", "-r", "48000"},
			SampleRate: sampleRate,
			Channels:   2,
			FrameSize:  1024,
			Monitor:    audio.DefaultConfig(),
			Estimator:  audio.DefaultEstimatorConfig(sampleRate),
		},
		TempoMode:         tempo.ModeLocked,
		Worker:            worker.DefaultConfig(),
		APIEnabled:        true,
		API:               api.DefaultConfig(),
		Redis:             RedisConfig{RedisConfig: publish.DefaultRedisConfig()},
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	switch strings.ToLower(c.Device.Transport) {
	case TransportMIDI, TransportSerial:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Device.Transport)
	}
	if c.Audio.Enabled && len(c.Audio.Command) == 0 && c.Audio.PCMPath == "" {
		return ErrNoAudioSource
	}
	return nil
}

// NewConnector builds the transport named by cfg.Transport.
func NewConnector(cfg DeviceConfig) (session.Connector, error) {
	switch strings.ToLower(cfg.Transport) {
	case TransportMIDI, "":
		return transport.NewMIDIConnector(cfg.PortPrefix), nil
	case TransportSerial:
		return transport.NewSerialConnector(cfg.SerialPort, cfg.SerialBaud), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}

func newFrameSource(cfg AudioConfig) (audio.FrameSource, error) {
	var open audio.Opener
	switch {
	case len(cfg.Command) > 0:
		open = audio.CommandOpener(cfg.Command[0], cfg.Command[1:]...)
	case cfg.PCMPath != "":
		open = audio.FileOpener(cfg.PCMPath)
	default:
		return nil, ErrNoAudioSource
	}
	return audio.NewPCMSource(open, cfg.Channels, cfg.FrameSize), nil
}
