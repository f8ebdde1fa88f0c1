package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/danmuck/h9ctl/internal/testutil/fakedevice"
	"github.com/danmuck/h9ctl/internal/testutil/testlog"
)

func samplePreset() preset.Snapshot {
	return preset.Snapshot{
		PresetNumber:      3,
		AlgorithmNumber:   12,
		DumpFormatVersion: 1,
		Knobs:             [protocol.KnobCount]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		TempoHundredths:   12000,
		TempoEnabled:      true,
	}
}

type harness struct {
	dev  *fakedevice.Device
	sess *session.Session
	rec  *tempo.Reconciler
	w    *Worker
	subs <-chan StateSnapshot
	stop func()
}

func newHarness(t *testing.T, mode tempo.Mode) *harness {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.ExchangeTimeout = 100 * time.Millisecond
	cfg.BulkTimeout = time.Second
	cfg.ProgramSettle = time.Millisecond
	cfg.ConnectAttempts = 1

	h := &harness{dev: fakedevice.New(1, samplePreset()), rec: tempo.NewReconciler(mode)}
	h.sess = session.New(cfg, h.dev, func(m protocol.Message) { h.w.ObserveUnsolicited(m) })
	h.w = New(h.sess, h.rec, DefaultConfig())
	subs, cancelSub := h.w.Subscribe(64)
	h.subs = subs

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.w.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
		cancelSub()
	}
	t.Cleanup(h.stop)

	first := h.next(t)
	if first.Connection.State != StateDisconnected {
		t.Fatalf("initial state=%s", first.Connection.State)
	}
	return h
}

func (h *harness) next(t *testing.T) StateSnapshot {
	t.Helper()
	select {
	case s, ok := <-h.subs:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("no snapshot published")
	}
	return StateSnapshot{}
}

// until reads snapshots until one reports action as its last action.
func (h *harness) until(t *testing.T, action string) StateSnapshot {
	t.Helper()
	for {
		s := h.next(t)
		if s.LastAction == action {
			return s
		}
	}
}

func (h *harness) connect(t *testing.T) StateSnapshot {
	t.Helper()
	if err := h.w.Enqueue(Connect()); err != nil {
		t.Fatalf("enqueue connect: %v", err)
	}
	connecting := h.next(t)
	if connecting.Connection.State != StateConnecting {
		t.Fatalf("expected connecting, got %s", connecting.Connection.State)
	}
	s := h.next(t)
	if s.Connection.State != StateConnected {
		t.Fatalf("expected connected, got %+v", s.Connection)
	}
	return s
}

func TestConnectPublishesPresetAndTempo(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLocked)
	s := h.connect(t)

	if s.Preset == nil || s.Preset.PresetNumber != 3 {
		t.Fatalf("unexpected preset %+v", s.Preset)
	}
	if s.DeviceTempoBPM == nil || *s.DeviceTempoBPM != 120 {
		t.Fatalf("unexpected device tempo %v", s.DeviceTempoBPM)
	}
	if s.Bypassed == nil || *s.Bypassed {
		t.Fatalf("unexpected bypass %v", s.Bypassed)
	}
	if s.TempoMode != tempo.ModeLocked {
		t.Fatalf("unexpected mode %s", s.TempoMode)
	}
}

func TestConnectFailureIsNotFatal(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLocked)
	h.dev.FailConnect(errors.New("port busy"))

	_ = h.w.Enqueue(Connect())
	h.next(t) // connecting
	failed := h.next(t)
	if failed.Connection.State != StateError || failed.Connection.Reason == "" {
		t.Fatalf("expected error status, got %+v", failed.Connection)
	}

	h.dev.FailConnect(nil)
	h.connect(t)
}

func TestFailedActionKeepsPriorPreset(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLocked)
	h.connect(t)

	h.dev.SetSilent(true)
	_ = h.w.Enqueue(NextPreset())
	_ = h.w.Enqueue(Refresh())

	failed := h.until(t, string(ActionNextPreset))
	if failed.Connection.State != StateError {
		t.Fatalf("expected error after timeout, got %+v", failed.Connection)
	}
	if failed.Preset == nil || failed.Preset.PresetNumber != 3 {
		t.Fatalf("prior preset must be retained, got %+v", failed.Preset)
	}
	// The queue keeps draining after a failure.
	if next := h.until(t, string(ActionRefresh)); next.Connection.State != StateError {
		t.Fatalf("refresh against a silent device should fail too, got %+v", next.Connection)
	}

	h.dev.SetSilent(false)
	_ = h.w.Enqueue(PrevPreset())
	s := h.until(t, string(ActionPrevPreset))
	if s.Connection.State != StateConnected || s.Preset.PresetNumber != 2 {
		t.Fatalf("recovery after failure got=%+v preset=%+v", s.Connection, s.Preset)
	}
}

func TestSetValueAndSyncLiveTempo(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLocked)
	h.connect(t)

	_ = h.w.Enqueue(SyncLiveTempoToDevice())
	if s := h.until(t, string(ActionSyncLiveTempo)); s.Connection.State != StateError {
		t.Fatalf("sync without live tempo should fail, got %+v", s.Connection)
	}

	h.rec.SetLive(97.25)
	h.next(t) // live update
	_ = h.w.Enqueue(SyncLiveTempoToDevice())
	s := h.until(t, string(ActionSyncLiveTempo))
	if got := h.dev.Value(protocol.KeyTempo); got != 9725 {
		t.Fatalf("device tempo=%d want 9725", got)
	}
	if s.TempoMode != tempo.ModeLocked {
		t.Fatalf("sync must not change mode, got %s", s.TempoMode)
	}
	if s.DeviceTempoBPM == nil || *s.DeviceTempoBPM != 97.25 {
		t.Fatalf("device tempo in snapshot %v", s.DeviceTempoBPM)
	}

	_ = h.w.Enqueue(SetValue(protocol.KeyBypass, 1))
	s = h.until(t, SetValue(protocol.KeyBypass, 1).String())
	if s.Bypassed == nil || !*s.Bypassed || h.dev.Value(protocol.KeyBypass) != 1 {
		t.Fatalf("bypass not applied")
	}
}

func TestTempoModeActions(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLive)
	h.connect(t)

	h.rec.SetLive(64)
	h.next(t)
	_ = h.w.Enqueue(DoubleTempo())
	s := h.until(t, string(ActionDoubleTempo))
	if s.LiveTempoBPM == nil || *s.LiveTempoBPM != 128 || s.DisplayTempoBPM == nil || *s.DisplayTempoBPM != 128 {
		t.Fatalf("live double got live=%v display=%v", s.LiveTempoBPM, s.DisplayTempoBPM)
	}
	if h.dev.Value(protocol.KeyTempo) != 12000 {
		t.Fatalf("live-mode double must not write the device")
	}

	_ = h.w.Enqueue(LockTempo())
	s = h.until(t, string(ActionLockTempo))
	if s.TempoMode != tempo.ModeLocked || *s.DisplayTempoBPM != 128 {
		t.Fatalf("lock got mode=%s display=%v", s.TempoMode, *s.DisplayTempoBPM)
	}

	_ = h.w.Enqueue(HalveTempo())
	s = h.until(t, string(ActionHalveTempo))
	if *s.DisplayTempoBPM != 64 || h.dev.Value(protocol.KeyTempo) != 6400 {
		t.Fatalf("locked halve got display=%v device=%d", *s.DisplayTempoBPM, h.dev.Value(protocol.KeyTempo))
	}

	_ = h.w.Enqueue(AdjustTempo(-50))
	s = h.until(t, AdjustTempo(-50).String())
	if *s.DeviceTempoBPM != 20 || h.dev.Value(protocol.KeyTempo) != 2000 {
		t.Fatalf("adjust should clamp at 20, got %v", *s.DeviceTempoBPM)
	}

	_ = h.w.Enqueue(FollowLiveTempo())
	s = h.until(t, string(ActionFollowLiveTempo))
	if s.TempoMode != tempo.ModeLive {
		t.Fatalf("follow got mode=%s", s.TempoMode)
	}
}

func TestEnqueueRejectsInvalidActions(t *testing.T) {
	testlog.Start(t)
	w := New(nil, tempo.NewReconciler(tempo.ModeLocked), DefaultConfig())
	if err := w.Enqueue(Action{Type: "explode"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if err := w.Enqueue(SetValue(protocol.KeyBypass, 2)); !errors.Is(err, protocol.ErrValueRange) {
		t.Fatalf("expected ErrValueRange, got %v", err)
	}
	if err := w.Enqueue(SetValue(0x900, 1)); !errors.Is(err, protocol.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

// recordingDevice records SetValue calls and flags overlapping calls.
type recordingDevice struct {
	mu       sync.Mutex
	values   []uint16
	active   atomic.Int32
	overlaps atomic.Int32
}

func (d *recordingDevice) Connect(context.Context) error { return nil }
func (d *recordingDevice) Disconnect() error             { return nil }
func (d *recordingDevice) RequestCurrentProgram(context.Context) (preset.Snapshot, error) {
	return preset.Seal(samplePreset()), nil
}
func (d *recordingDevice) GetValue(context.Context, protocol.SystemKey) (uint16, error) {
	return 0, nil
}
func (d *recordingDevice) ChangeProgram(context.Context, int) (preset.Snapshot, error) {
	return preset.Seal(samplePreset()), nil
}
func (d *recordingDevice) ReadValues(context.Context, []protocol.SystemKey) (map[protocol.SystemKey]uint16, error) {
	return nil, nil
}

func (d *recordingDevice) SetValue(_ context.Context, _ protocol.SystemKey, v uint16) error {
	if d.active.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	time.Sleep(50 * time.Microsecond)
	d.mu.Lock()
	d.values = append(d.values, v)
	d.mu.Unlock()
	d.active.Add(-1)
	return nil
}

func TestActionsExecuteFIFOWithoutOverlap(t *testing.T) {
	testlog.Start(t)
	dev := &recordingDevice{}
	w := New(dev, tempo.NewReconciler(tempo.ModeLocked), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	const producers, perProducer = 4, 50
	knobs := make([]protocol.SystemKey, producers)
	for i := range knobs {
		knobs[i], _ = protocol.KnobKey(i + 1)
	}
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				// Producer id in the upper bits, sequence in the low six.
				if err := w.Enqueue(SetValue(knobs[p], uint16(p<<6|i))); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		dev.mu.Lock()
		n := len(dev.values)
		dev.mu.Unlock()
		if n == producers*perProducer {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("executed %d of %d actions", n, producers*perProducer)
		}
		time.Sleep(time.Millisecond)
	}

	if dev.overlaps.Load() != 0 {
		t.Fatalf("device calls overlapped %d times", dev.overlaps.Load())
	}
	lastSeq := map[int]int{}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, v := range dev.values {
		p, seq := int(v>>6), int(v&0x3F)
		if prev, ok := lastSeq[p]; ok && seq != prev+1 {
			t.Fatalf("producer %d out of order: %d after %d", p, seq, prev)
		}
		if _, ok := lastSeq[p]; !ok && seq != 0 {
			t.Fatalf("producer %d started at %d", p, seq)
		}
		lastSeq[p] = seq
	}
}

func TestPresetChangeBurstSchedulesRefresh(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, tempo.ModeLocked)
	h.connect(t)

	// Footswitch chatter alone never triggers.
	for i := 0; i < 3; i++ {
		_ = h.dev.Emit(protocol.Message{DeviceID: 1, Code: CodeEvent, Payload: []byte{0x07, 0x00, 0x5C, byte(i)}})
	}
	h.dev.SetValue(protocol.KeyTempo, 9000)
	_ = h.dev.Emit(protocol.Message{DeviceID: 1, Code: CodeEvent, Payload: []byte{0x01, 0x02, 0x03}})
	_ = h.dev.Emit(protocol.Message{DeviceID: 1, Code: CodeEvent, Payload: []byte{0x04, 0x05, 0x06}})

	s := h.until(t, string(ActionRefresh))
	if s.DeviceTempoBPM == nil || *s.DeviceTempoBPM != 90 {
		t.Fatalf("refresh should pick up new tempo, got %v", s.DeviceTempoBPM)
	}
}

func TestChangeDetectorWindow(t *testing.T) {
	testlog.Start(t)
	d := newChangeDetector(DefaultDetectorConfig())
	t0 := time.Unix(1700000000, 0)
	ev := func(b ...byte) protocol.Message { return protocol.Message{Code: CodeEvent, Payload: b} }

	if d.observe(ev(1, 2, 3), t0) {
		t.Fatalf("single shape must not trigger")
	}
	if d.observe(ev(4, 5, 6), t0.Add(200*time.Millisecond)) {
		t.Fatalf("shapes outside the window must not trigger")
	}
	if !d.observe(ev(7, 8, 9), t0.Add(300*time.Millisecond)) {
		t.Fatalf("two shapes within the window should trigger")
	}
	if d.observe(protocol.Message{Code: protocol.CodeOK, Payload: []byte{1, 2, 3}}, t0) {
		t.Fatalf("non-event codes are ignored")
	}
}

func TestBroadcasterDropsOldestForSlowSubscriber(t *testing.T) {
	testlog.Start(t)
	b := newBroadcaster(StateSnapshot{Seq: 0})
	ch, cancel := b.subscribe(2)
	defer cancel()
	for i := 1; i <= 5; i++ {
		b.publish(StateSnapshot{Seq: uint64(i)})
	}
	var got []uint64
	for len(ch) > 0 {
		got = append(got, (<-ch).Seq)
	}
	if fmt.Sprint(got) != "[4 5]" {
		t.Fatalf("slow subscriber should keep the newest snapshots, got %v", got)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	testlog.Start(t)
	p := preset.Seal(samplePreset())
	bpm := 120.0
	s := StateSnapshot{Preset: &p, DeviceTempoBPM: &bpm}
	c := s.Clone()
	c.Preset.PresetNumber = 99
	*c.DeviceTempoBPM = 1
	if s.Preset.PresetNumber != 3 || *s.DeviceTempoBPM != 120 {
		t.Fatalf("clone shares memory with the original")
	}
}
