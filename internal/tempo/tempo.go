// Package tempo reconciles the device tempo with the live-detected tempo.
//
// The live slot has one writer (the audio monitor) and any number of
// readers; everything else is driven by the state worker.
package tempo

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/danmuck/h9ctl/internal/observability"
)

type Mode string

const (
	ModeLocked Mode = "locked"
	ModeLive   Mode = "live"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLocked, "":
		return ModeLocked, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", fmt.Errorf("tempo: unknown mode %q", raw)
	}
}

const (
	DefaultMinBPM = 20.0
	DefaultMaxBPM = 300.0

	minOctave = 0.125
	maxOctave = 8
)

// Double returns bpm*2 rounded to the nearest integer BPM.
func Double(bpm float64) float64 {
	return math.Round(bpm * 2)
}

// Halve returns bpm/2 rounded to the nearest integer BPM.
func Halve(bpm float64) float64 {
	return math.Round(bpm / 2)
}

// Clamp bounds bpm to [lo, hi].
func Clamp(bpm, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, bpm))
}

// Reading is a consistent view of the reconciler.
type Reading struct {
	Mode    Mode
	Device  float64
	HasDev  bool
	Live    float64
	HasLive bool
	Display float64
	HasDisp bool
	Octave  float64
}

type Reconciler struct {
	mu sync.RWMutex

	mode      Mode
	locked    float64
	hasLocked bool
	device    float64
	hasDevice bool
	live      float64
	hasLive   bool
	octave    float64

	updates chan struct{}
}

func NewReconciler(mode Mode) *Reconciler {
	if mode != ModeLive {
		mode = ModeLocked
	}
	return &Reconciler{
		mode:    mode,
		octave:  1,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals (coalesced) after every live-tempo change.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// SetLive records a raw estimate, applying the octave correction.
func (r *Reconciler) SetLive(raw float64) {
	if raw <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return
	}
	r.mu.Lock()
	r.live = raw * r.octave
	r.hasLive = true
	live := r.live
	r.mu.Unlock()

	observability.SetTempo("live", live)
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// ClearLive drops the live value, e.g. after the audio stream failed.
func (r *Reconciler) ClearLive() {
	r.mu.Lock()
	r.hasLive = false
	r.live = 0
	r.mu.Unlock()
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// SetDevice records the tempo last read from or written to the device.
func (r *Reconciler) SetDevice(bpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = bpm
	r.hasDevice = true
	observability.SetTempo("device", bpm)
}

// Lock freezes the displayed tempo at its current value.
func (r *Reconciler) Lock() Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	disp, ok := r.displayLocked()
	r.mode = ModeLocked
	r.locked, r.hasLocked = disp, ok
	return r.readingLocked()
}

// Follow switches to Live mode; the locked value is discarded.
func (r *Reconciler) Follow() Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = ModeLive
	r.hasLocked = false
	return r.readingLocked()
}

// SetLocked replaces the frozen value (Locked mode only).
func (r *Reconciler) SetLocked(bpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModeLocked {
		r.locked, r.hasLocked = bpm, true
	}
}

// ScaleOctave multiplies the live correction factor by f and rescales the
// current live value. Used by double/halve in Live mode.
func (r *Reconciler) ScaleOctave(f float64) Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.octave * f
	if next < minOctave || next > maxOctave {
		return r.readingLocked()
	}
	r.octave = next
	if r.hasLive {
		r.live = math.Round(r.live * f)
	}
	return r.readingLocked()
}

func (r *Reconciler) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Live returns the latest corrected live tempo.
func (r *Reconciler) Live() (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live, r.hasLive
}

func (r *Reconciler) Read() Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readingLocked()
}

func (r *Reconciler) displayLocked() (float64, bool) {
	switch r.mode {
	case ModeLive:
		if r.hasLive {
			return r.live, true
		}
	default:
		if r.hasLocked {
			return r.locked, true
		}
	}
	return r.device, r.hasDevice
}

func (r *Reconciler) readingLocked() Reading {
	disp, ok := r.displayLocked()
	return Reading{
		Mode:    r.mode,
		Device:  r.device,
		HasDev:  r.hasDevice,
		Live:    r.live,
		HasLive: r.hasLive,
		Display: disp,
		HasDisp: ok,
		Octave:  r.octave,
	}
}
