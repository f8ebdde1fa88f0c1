package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines device addressing and exchange deadlines.
type Config struct {
	// DeviceID addresses outbound requests; 0 is broadcast.
	DeviceID    byte
	MIDIChannel uint8

	ExchangeTimeout time.Duration
	// BulkTimeout bounds multi-exchange flows (program change, value sweeps).
	BulkTimeout   time.Duration
	ProgramSettle time.Duration
	// ConfirmWrites waits for an OK reply after VALUE_PUT.
	ConfirmWrites bool

	ConnectAttempts int
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DeviceID:        1,
		MIDIChannel:     0,
		ExchangeTimeout: 1500 * time.Millisecond,
		BulkTimeout:     5 * time.Second,
		ProgramSettle:   300 * time.Millisecond,
		ConfirmWrites:   false,
		ConnectAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       false,
		},
	}
}

// normalize fills zero values from DefaultConfig.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.BulkTimeout <= 0 {
		c.BulkTimeout = def.BulkTimeout
	}
	if c.ProgramSettle < 0 {
		c.ProgramSettle = 0
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.MIDIChannel > 15 {
		c.MIDIChannel = 15
	}
	return c
}
