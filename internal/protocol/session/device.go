package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/rs/zerolog/log"
	"gitlab.com/gomidi/midi/v2"
)

const programCount = 128

// Session composes codec, parsers and correlator into device operations.
// Operations return parser and correlator errors unchanged.
type Session struct {
	cfg         Config
	connector   Connector
	unsolicited func(protocol.Message)

	mu   sync.Mutex
	link Link
	corr *Correlator
}

// New builds a disconnected Session. unsolicited receives messages that
// resolve no exchange; it runs on the link's receive goroutine.
func New(cfg Config, connector Connector, unsolicited func(protocol.Message)) *Session {
	return &Session{
		cfg:         cfg.normalize(),
		connector:   connector,
		unsolicited: unsolicited,
	}
}

func (s *Session) Config() Config {
	return s.cfg
}

// Connect opens a fresh link, retrying with backoff up to ConnectAttempts.
// Any previous link is closed first.
func (s *Session) Connect(ctx context.Context) error {
	_ = s.Disconnect()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		link, err := s.connector.Connect(ctx)
		if err == nil {
			corr := NewCorrelator(link, s.unsolicited)
			s.mu.Lock()
			s.link, s.corr = link, corr
			s.mu.Unlock()
			log.Info().Str("link", s.connector.Describe()).Int("attempt", attempt).Msg("session.Session.Connect connected")
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Str("link", s.connector.Describe()).Int("attempt", attempt).Msg("session.Session.Connect failed")
		if attempt == s.cfg.ConnectAttempts {
			break
		}
		if err := SleepContext(ctx, NextBackoffDelay(s.cfg.Backoff, attempt, nil)); err != nil {
			return err
		}
	}
	return fmt.Errorf("session: connect %s: %w", s.connector.Describe(), lastErr)
}

// Disconnect closes the current link, failing any outstanding exchange.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	link, corr := s.link, s.corr
	s.link, s.corr = nil, nil
	s.mu.Unlock()
	if link == nil {
		return nil
	}
	corr.Close()
	log.Info().Str("link", s.connector.Describe()).Msg("session.Session.Disconnect closed")
	return link.Close()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

func (s *Session) correlator() (*Correlator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corr == nil {
		return nil, ErrNotConnected
	}
	return s.corr, nil
}

// RequestCurrentProgram reads and parses the active program dump.
func (s *Session) RequestCurrentProgram(ctx context.Context) (preset.Snapshot, error) {
	corr, err := s.correlator()
	if err != nil {
		return preset.Snapshot{}, err
	}
	resp, err := corr.Exchange(ctx,
		protocol.Message{DeviceID: s.cfg.DeviceID, Code: protocol.CodeProgramWant},
		Expect{Code: protocol.CodeProgramDump},
		s.cfg.ExchangeTimeout,
	)
	if err != nil {
		return preset.Snapshot{}, err
	}
	return preset.Parse(resp.Payload)
}

// GetValue reads one system variable.
func (s *Session) GetValue(ctx context.Context, key protocol.SystemKey) (uint16, error) {
	corr, err := s.correlator()
	if err != nil {
		return 0, err
	}
	payload, err := protocol.ValueWantPayload(key)
	if err != nil {
		return 0, err
	}
	resp, err := corr.Exchange(ctx,
		protocol.Message{DeviceID: s.cfg.DeviceID, Code: protocol.CodeValueWant, Payload: payload},
		Expect{Code: protocol.CodeValueDump, Token: key.String(), Match: valueDumpFor(key)},
		s.cfg.ExchangeTimeout,
	)
	if err != nil {
		return 0, err
	}
	return preset.ParseValue(key, resp.Payload)
}

// GetCurrentTempo returns the device tempo in BPM.
func (s *Session) GetCurrentTempo(ctx context.Context) (float64, error) {
	v, err := s.GetValue(ctx, protocol.KeyTempo)
	if err != nil {
		return 0, err
	}
	return preset.TempoHundredthsToBPM(v), nil
}

// SetValue writes one system variable. With ConfirmWrites the device OK
// reply is awaited; otherwise the write is fire-and-forget.
func (s *Session) SetValue(ctx context.Context, key protocol.SystemKey, value uint16) error {
	corr, err := s.correlator()
	if err != nil {
		return err
	}
	payload, err := protocol.ValuePutPayload(key, value)
	if err != nil {
		return err
	}
	req := protocol.Message{DeviceID: s.cfg.DeviceID, Code: protocol.CodeValuePut, Payload: payload}
	log.Debug().Str("key", key.String()).Uint16("value", value).Msg("session.Session.SetValue write")
	if !s.cfg.ConfirmWrites {
		return corr.Send(req)
	}
	_, err = corr.Exchange(ctx, req, Expect{Code: protocol.CodeOK}, s.cfg.ExchangeTimeout)
	return err
}

// ChangeProgram steps the active program by delta, wrapping within the
// device's 128 programs, and returns the dump read back after the change.
// The whole sequence is bounded by BulkTimeout.
func (s *Session) ChangeProgram(ctx context.Context, delta int) (preset.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BulkTimeout)
	defer cancel()

	current, err := s.RequestCurrentProgram(ctx)
	if err != nil {
		return preset.Snapshot{}, err
	}
	program := NextProgram(current.PresetNumber, delta)
	if err := s.sendProgramChange(program); err != nil {
		return preset.Snapshot{}, err
	}
	log.Info().
		Int("from_preset", current.PresetNumber).
		Int("delta", delta).
		Uint8("program", program).
		Msg("session.Session.ChangeProgram sent")

	if err := SleepContext(ctx, s.cfg.ProgramSettle); err != nil {
		return preset.Snapshot{}, fmt.Errorf("%w: program settle: %w", ErrTimeout, err)
	}
	return s.RequestCurrentProgram(ctx)
}

// ReadValues reads keys in order under one BulkTimeout deadline and stops
// at the first failure.
func (s *Session) ReadValues(ctx context.Context, keys []protocol.SystemKey) (map[protocol.SystemKey]uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BulkTimeout)
	defer cancel()

	out := make(map[protocol.SystemKey]uint16, len(keys))
	start := time.Now()
	for _, key := range keys {
		v, err := s.GetValue(ctx, key)
		if err != nil {
			return out, fmt.Errorf("session: read %s: %w", key, err)
		}
		out[key] = v
	}
	log.Debug().Int("keys", len(keys)).Dur("elapsed", time.Since(start)).Msg("session.Session.ReadValues done")
	return out, nil
}

func (s *Session) sendProgramChange(program uint8) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.Send(midi.ProgramChange(s.cfg.MIDIChannel, program))
}

// NextProgram maps a 1-based preset number plus delta to the 0-based MIDI
// program, wrapping modulo 128.
func NextProgram(presetNumber, delta int) uint8 {
	p := (presetNumber - 1 + delta) % programCount
	if p < 0 {
		p += programCount
	}
	return uint8(p)
}

// valueDumpFor accepts bare value dumps and key-echo dumps for key only.
func valueDumpFor(key protocol.SystemKey) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		fields := bytes.Fields(msg.Payload)
		if len(fields) < 2 {
			return true
		}
		echo, err := protocol.ParseSystemKey(string(fields[0]))
		return err == nil && echo == key
	}
}
