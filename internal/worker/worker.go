package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/observability"
	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped     = errors.New("worker: stopped")
	ErrNoLiveTempo = errors.New("worker: no live tempo available")
	ErrNoTempo     = errors.New("worker: no tempo known")
)

// Device is the session surface the worker drives. *session.Session
// implements it.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	RequestCurrentProgram(ctx context.Context) (preset.Snapshot, error)
	GetValue(ctx context.Context, key protocol.SystemKey) (uint16, error)
	SetValue(ctx context.Context, key protocol.SystemKey, value uint16) error
	ChangeProgram(ctx context.Context, delta int) (preset.Snapshot, error)
	ReadValues(ctx context.Context, keys []protocol.SystemKey) (map[protocol.SystemKey]uint16, error)
}

type Config struct {
	// MinBPM and MaxBPM bound device tempo reads and writes; reads outside
	// the range are ignored and the last good value kept.
	MinBPM float64
	MaxBPM float64
	// RefreshKeys are read after every program dump during Refresh.
	RefreshKeys []protocol.SystemKey
	Detector    DetectorConfig
}

func DefaultConfig() Config {
	return Config{
		MinBPM:      tempo.DefaultMinBPM,
		MaxBPM:      tempo.DefaultMaxBPM,
		RefreshKeys: []protocol.SystemKey{protocol.KeyTempo, protocol.KeyBypass},
		Detector:    DefaultDetectorConfig(),
	}
}

// Worker is the single owner of the device session.
type Worker struct {
	dev   Device
	rec   *tempo.Reconciler
	cfg   Config
	queue *actionQueue
	bc    *broadcaster

	detMu            sync.Mutex
	detector         *changeDetector
	refreshTimer     *time.Timer
	lastEventRefresh time.Time
	connected        bool

	// Owned by the Run goroutine.
	state StateSnapshot
}

func New(dev Device, rec *tempo.Reconciler, cfg Config) *Worker {
	if cfg.MinBPM <= 0 || cfg.MaxBPM <= cfg.MinBPM {
		cfg.MinBPM, cfg.MaxBPM = tempo.DefaultMinBPM, tempo.DefaultMaxBPM
	}
	if cfg.Detector.Distinct <= 0 {
		cfg.Detector = DefaultDetectorConfig()
	}
	initial := StateSnapshot{
		At:         time.Now(),
		Connection: ConnectionStatus{State: StateDisconnected},
		TempoMode:  rec.Mode(),
	}
	return &Worker{
		dev:      dev,
		rec:      rec,
		cfg:      cfg,
		queue:    newActionQueue(),
		bc:       newBroadcaster(initial),
		detector: newChangeDetector(cfg.Detector),
		state:    initial,
	}
}

// Enqueue appends a to the FIFO queue without blocking.
func (w *Worker) Enqueue(a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !w.queue.push(a) {
		return ErrStopped
	}
	return nil
}

// Subscribe returns a channel that receives the current snapshot and then
// every published one. Slow subscribers lose their oldest snapshots.
func (w *Worker) Subscribe(buffer int) (<-chan StateSnapshot, func()) {
	return w.bc.subscribe(buffer)
}

// Snapshot returns the most recently published state.
func (w *Worker) Snapshot() StateSnapshot {
	return w.bc.latest()
}

func (w *Worker) Pending() int {
	return w.queue.len()
}

// ObserveUnsolicited feeds messages no exchange claimed. A preset-change
// burst schedules one debounced, rate-limited Refresh.
func (w *Worker) ObserveUnsolicited(msg protocol.Message) {
	now := time.Now()
	w.detMu.Lock()
	defer w.detMu.Unlock()
	if !w.connected || !w.detector.observe(msg, now) {
		return
	}
	if now.Sub(w.lastEventRefresh) < w.cfg.Detector.Cooldown {
		return
	}
	if w.refreshTimer != nil {
		w.refreshTimer.Stop()
	}
	w.refreshTimer = time.AfterFunc(w.cfg.Detector.Debounce, func() {
		w.detMu.Lock()
		w.lastEventRefresh = time.Now()
		w.detMu.Unlock()
		log.Info().Msg("worker.Worker.ObserveUnsolicited preset change detected")
		_ = w.Enqueue(Refresh())
	})
}

// Run drains the queue one action at a time until ctx ends, then closes
// the session and all subscriptions.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Msg("worker.Worker.Run started")
	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.queue.ready:
			for ctx.Err() == nil {
				a, ok := w.queue.pop()
				if !ok {
					break
				}
				w.execute(ctx, a)
			}
		case <-w.rec.Updates():
			w.publish("")
		}
	}
}

func (w *Worker) shutdown() {
	w.queue.close()
	w.detMu.Lock()
	if w.refreshTimer != nil {
		w.refreshTimer.Stop()
	}
	w.connected = false
	w.detMu.Unlock()
	if err := w.dev.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("worker.Worker.Run disconnect failed")
	}
	w.bc.closeAll()
	log.Info().Msg("worker.Worker.Run stopped")
}

func (w *Worker) execute(ctx context.Context, a Action) {
	start := time.Now()
	err := w.apply(ctx, a)
	observability.RecordAction(string(a.Type), err == nil, time.Since(start))
	if err != nil {
		log.Warn().Err(err).Str("action", a.String()).Msg("worker.Worker.execute failed")
		w.state.Connection = ConnectionStatus{State: StateError, Reason: fmt.Sprintf("%s: %v", a.Type, err)}
	} else {
		log.Debug().Str("action", a.String()).Dur("elapsed", time.Since(start)).Msg("worker.Worker.execute done")
	}
	w.publish(a.String())
}

func (w *Worker) apply(ctx context.Context, a Action) error {
	switch a.Type {
	case ActionConnect:
		return w.connect(ctx)
	case ActionDisconnect:
		w.setConnected(false)
		err := w.dev.Disconnect()
		w.state.Connection = ConnectionStatus{State: StateDisconnected}
		return err
	case ActionRefresh:
		return w.refresh(ctx)
	case ActionNextPreset:
		return w.changeProgram(ctx, 1)
	case ActionPrevPreset:
		return w.changeProgram(ctx, -1)
	case ActionSetValue:
		return w.setValue(ctx, a.Key, a.Value)
	case ActionSyncLiveTempo:
		live, ok := w.rec.Live()
		if !ok {
			return ErrNoLiveTempo
		}
		return w.writeTempo(ctx, live)
	case ActionLockTempo:
		w.rec.Lock()
		return nil
	case ActionFollowLiveTempo:
		w.rec.Follow()
		return nil
	case ActionDoubleTempo:
		return w.scaleTempo(ctx, 2, tempo.Double)
	case ActionHalveTempo:
		return w.scaleTempo(ctx, 0.5, tempo.Halve)
	case ActionAdjustTempo:
		return w.adjustTempo(ctx, a.Delta)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	w.state.Connection = ConnectionStatus{State: StateConnecting}
	w.publish(string(ActionConnect))
	if err := w.dev.Connect(ctx); err != nil {
		w.setConnected(false)
		return err
	}
	w.setConnected(true)
	w.state.Connection = ConnectionStatus{State: StateConnected}
	return w.refresh(ctx)
}

func (w *Worker) setConnected(v bool) {
	w.detMu.Lock()
	defer w.detMu.Unlock()
	w.connected = v
}

// refresh commits the program dump and refresh keys together or not at all.
func (w *Worker) refresh(ctx context.Context) error {
	p, err := w.dev.RequestCurrentProgram(ctx)
	if err != nil {
		return err
	}
	values, err := w.dev.ReadValues(ctx, w.cfg.RefreshKeys)
	if err != nil {
		return err
	}
	w.commitPreset(p)
	if v, ok := values[protocol.KeyTempo]; ok {
		w.observeDeviceTempo(preset.TempoHundredthsToBPM(v))
	}
	if v, ok := values[protocol.KeyBypass]; ok {
		b := v == 1
		w.state.Bypassed = &b
	}
	w.state.Connection = ConnectionStatus{State: StateConnected}
	return nil
}

func (w *Worker) changeProgram(ctx context.Context, delta int) error {
	p, err := w.dev.ChangeProgram(ctx, delta)
	if err != nil {
		return err
	}
	w.commitPreset(p)
	w.state.Connection = ConnectionStatus{State: StateConnected}
	return nil
}

func (w *Worker) commitPreset(p preset.Snapshot) {
	w.state.Preset = &p
	if p.TempoEnabled {
		w.observeDeviceTempo(p.TempoBPM())
	}
}

func (w *Worker) setValue(ctx context.Context, key protocol.SystemKey, value uint16) error {
	if err := w.dev.SetValue(ctx, key, value); err != nil {
		return err
	}
	switch key {
	case protocol.KeyTempo:
		w.observeDeviceTempo(preset.TempoHundredthsToBPM(value))
	case protocol.KeyBypass:
		b := value == 1
		w.state.Bypassed = &b
	}
	w.state.Connection = ConnectionStatus{State: StateConnected}
	return nil
}

// writeTempo sends bpm (clamped) to the device tempo key.
func (w *Worker) writeTempo(ctx context.Context, bpm float64) error {
	bpm = tempo.Clamp(bpm, w.cfg.MinBPM, w.cfg.MaxBPM)
	return w.setValue(ctx, protocol.KeyTempo, uint16(math.Round(bpm*100)))
}

func (w *Worker) scaleTempo(ctx context.Context, factor float64, fn func(float64) float64) error {
	reading := w.rec.Read()
	if reading.Mode == tempo.ModeLive {
		w.rec.ScaleOctave(factor)
		return nil
	}
	if !reading.HasDisp {
		return ErrNoTempo
	}
	next := tempo.Clamp(fn(reading.Display), w.cfg.MinBPM, w.cfg.MaxBPM)
	if err := w.writeTempo(ctx, next); err != nil {
		return err
	}
	w.rec.SetLocked(next)
	return nil
}

// adjustTempo nudges the device tempo by delta BPM and reads it back.
func (w *Worker) adjustTempo(ctx context.Context, delta float64) error {
	reading := w.rec.Read()
	base := reading.Device
	if !reading.HasDev {
		v, err := w.dev.GetValue(ctx, protocol.KeyTempo)
		if err != nil {
			return err
		}
		base = preset.TempoHundredthsToBPM(v)
	}
	next := tempo.Clamp(base+delta, w.cfg.MinBPM, w.cfg.MaxBPM)
	if err := w.writeTempo(ctx, next); err != nil {
		return err
	}
	v, err := w.dev.GetValue(ctx, protocol.KeyTempo)
	if err != nil {
		return err
	}
	bpm := preset.TempoHundredthsToBPM(v)
	w.observeDeviceTempo(bpm)
	w.rec.SetLocked(bpm)
	return nil
}

func (w *Worker) observeDeviceTempo(bpm float64) {
	if bpm < w.cfg.MinBPM || bpm > w.cfg.MaxBPM {
		log.Warn().Float64("bpm", bpm).Msg("worker.Worker device tempo out of range, keeping last")
		return
	}
	w.rec.SetDevice(bpm)
}

func (w *Worker) publish(action string) {
	reading := w.rec.Read()
	s := w.state
	s.Seq++
	s.At = time.Now()
	s.TempoMode = reading.Mode
	s.LastAction = action
	s.DeviceTempoBPM, s.LiveTempoBPM, s.DisplayTempoBPM = nil, nil, nil
	if reading.HasDev {
		s.DeviceTempoBPM = &reading.Device
	}
	if reading.HasLive {
		s.LiveTempoBPM = &reading.Live
	}
	if reading.HasDisp {
		s.DisplayTempoBPM = &reading.Display
	}
	w.state = s
	w.bc.publish(s.Clone())
}
