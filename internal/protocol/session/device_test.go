package session_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/danmuck/h9ctl/internal/testutil/fakedevice"
	"github.com/danmuck/h9ctl/internal/testutil/testlog"
)

func newDevice() *fakedevice.Device {
	return fakedevice.New(1, preset.Snapshot{
		PresetNumber:      3,
		AlgorithmNumber:   12,
		DumpFormatVersion: 1,
		Knobs:             [protocol.KnobCount]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		TempoHundredths:   12000,
		TempoEnabled:      true,
	})
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.DeviceID = 1
	cfg.ExchangeTimeout = 200 * time.Millisecond
	cfg.BulkTimeout = time.Second
	cfg.ProgramSettle = time.Millisecond
	cfg.ConnectAttempts = 1
	return cfg
}

func connected(t *testing.T, dev *fakedevice.Device, cfg session.Config) *session.Session {
	t.Helper()
	s := session.New(cfg, dev, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestRequestCurrentProgram(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	s := connected(t, dev, testConfig())

	got, err := s.RequestCurrentProgram(context.Background())
	if err != nil {
		t.Fatalf("request program: %v", err)
	}
	if got != dev.Current() {
		t.Fatalf("snapshot mismatch got=%+v want=%+v", got, dev.Current())
	}
	if got.PresetNumber != 3 || got.TempoHundredths != 12000 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestGetCurrentTempo(t *testing.T) {
	testlog.Start(t)
	for _, echo := range []bool{false, true} {
		dev := newDevice()
		dev.SetEchoKeys(echo)
		s := connected(t, dev, testConfig())
		bpm, err := s.GetCurrentTempo(context.Background())
		if err != nil {
			t.Fatalf("echo=%v get tempo: %v", echo, err)
		}
		if bpm != 120.0 {
			t.Fatalf("echo=%v bpm=%v", echo, bpm)
		}
	}
}

func TestSetValueFireAndForgetAndConfirmed(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	s := connected(t, dev, testConfig())
	if err := s.SetValue(context.Background(), protocol.KeyTempo, 9000); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if dev.Value(protocol.KeyTempo) != 9000 {
		t.Fatalf("device tempo not updated: %d", dev.Value(protocol.KeyTempo))
	}

	cfg := testConfig()
	cfg.ConfirmWrites = true
	confirmed := connected(t, newDevice(), cfg)
	if err := confirmed.SetValue(context.Background(), protocol.KeyBypass, 1); err != nil {
		t.Fatalf("confirmed set value: %v", err)
	}

	rejecting := newDevice()
	rejecting.Reject(protocol.CodeValuePut, "read only")
	r := connected(t, rejecting, cfg)
	err := r.SetValue(context.Background(), protocol.KeyTempo, 9000)
	var rejected *session.DeviceRejectedError
	if !errors.As(err, &rejected) || string(rejected.Payload) != "read only" {
		t.Fatalf("expected device rejection, got %v", err)
	}
}

func TestChangeProgramWrapsAndRereads(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	s := connected(t, dev, testConfig())

	got, err := s.ChangeProgram(context.Background(), 1)
	if err != nil {
		t.Fatalf("change program: %v", err)
	}
	if got.PresetNumber != 4 {
		t.Fatalf("expected preset 4, got %d", got.PresetNumber)
	}
	want := []string{"PROGRAM_WANT", "PC 3", "PROGRAM_WANT"}
	if calls := dev.Calls(); !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v want=%v", calls, want)
	}

	if p := session.NextProgram(1, -1); p != 127 {
		t.Fatalf("wrap down got=%d", p)
	}
	if p := session.NextProgram(128, 1); p != 0 {
		t.Fatalf("wrap up got=%d", p)
	}
}

func TestReadValuesStopsAtFirstFailure(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	s := connected(t, dev, testConfig())

	got, err := s.ReadValues(context.Background(), []protocol.SystemKey{protocol.KeyTempo, protocol.KeyBypass, protocol.KeyTapSync})
	if err != nil {
		t.Fatalf("read values: %v", err)
	}
	if got[protocol.KeyTempo] != 12000 || got[protocol.KeyTapSync] != 1 {
		t.Fatalf("unexpected values %v", got)
	}

	missing, _ := protocol.NewSystemKey(protocol.KindWord, 0x40)
	_, err = s.ReadValues(context.Background(), []protocol.SystemKey{protocol.KeyTempo, missing, protocol.KeyBypass})
	if !errors.Is(err, session.ErrDeviceRejected) {
		t.Fatalf("expected rejection for unknown key, got %v", err)
	}
}

func TestOperationsFailWhenDisconnectedOrSilent(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	s := session.New(testConfig(), dev, nil)
	if _, err := s.RequestCurrentProgram(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	dev.FailConnect(errors.New("no such port"))
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure")
	}
	dev.FailConnect(nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	dev.SetSilent(true)
	if _, err := s.GetValue(context.Background(), protocol.KeyTempo); !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMalformedDumpPropagatesParserError(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(1, preset.Snapshot{PresetNumber: 1, Knobs: [protocol.KnobCount]int{0x7FE1}})
	s := connected(t, dev, testConfig())
	if _, err := s.RequestCurrentProgram(context.Background()); !errors.Is(err, preset.ErrMalformedPreset) {
		t.Fatalf("expected ErrMalformedPreset, got %v", err)
	}
}

func TestBulkDeadlineSurfacesAsTimeout(t *testing.T) {
	testlog.Start(t)
	dev := newDevice()
	cfg := testConfig()
	cfg.ExchangeTimeout = 500 * time.Millisecond
	cfg.BulkTimeout = 300 * time.Millisecond
	s := connected(t, dev, cfg)
	dev.SetDelay(200 * time.Millisecond)

	if _, err := s.ChangeProgram(context.Background(), 1); !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("change program: expected ErrTimeout, got %v", err)
	}
	_, err := s.ReadValues(context.Background(), []protocol.SystemKey{protocol.KeyBypass, protocol.KeyTempo})
	if !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("read values: expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("read values should keep the deadline cause, got %v", err)
	}
}
