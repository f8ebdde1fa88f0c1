package audio

import (
	"math"
	"sort"
)

type EstimatorConfig struct {
	SampleRate int
	MinBPM     float64
	MaxBPM     float64
	// Alpha weights the newest estimate in exponential smoothing.
	Alpha float64
	// ClusterTolerance is the fraction of the median IBI an interval may
	// deviate and still count toward the average.
	ClusterTolerance float64
	SilenceRMS       float64
	// Sensitivity multiplies the running mean energy to form the onset threshold.
	Sensitivity float64
	History     int
}

func DefaultEstimatorConfig(sampleRate int) EstimatorConfig {
	return EstimatorConfig{
		SampleRate:       sampleRate,
		MinBPM:           80,
		MaxBPM:           180,
		Alpha:            0.6,
		ClusterTolerance: 0.05,
		SilenceRMS:       0.001,
		Sensitivity:      1.5,
		History:          16,
	}
}

const (
	energyDecay = 0.9
	minOnsets   = 4
)

// OnsetEstimator detects energy onsets and averages the dominant cluster of
// inter-beat intervals. It holds the last estimate through silence.
type OnsetEstimator struct {
	cfg EstimatorConfig

	clock      int64
	avgEnergy  float64
	prevEnergy float64
	onsets     []int64
	bpm        float64
	has        bool
}

func NewOnsetEstimator(cfg EstimatorConfig) *OnsetEstimator {
	def := DefaultEstimatorConfig(cfg.SampleRate)
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.MinBPM <= 0 || cfg.MaxBPM <= cfg.MinBPM {
		cfg.MinBPM, cfg.MaxBPM = def.MinBPM, def.MaxBPM
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.ClusterTolerance <= 0 {
		cfg.ClusterTolerance = def.ClusterTolerance
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = def.SilenceRMS
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.History < minOnsets {
		cfg.History = def.History
	}
	return &OnsetEstimator{cfg: cfg}
}

func (e *OnsetEstimator) Reset() {
	*e = OnsetEstimator{cfg: e.cfg}
}

func (e *OnsetEstimator) Process(f Frame) (float64, bool) {
	mono := mixDown(f)
	if len(mono) == 0 {
		return e.bpm, e.has
	}
	start := e.clock
	e.clock += int64(len(mono))

	var energy float64
	for _, s := range mono {
		energy += float64(s) * float64(s)
	}
	energy /= float64(len(mono))
	if math.Sqrt(energy) < e.cfg.SilenceRMS {
		e.prevEnergy = energy
		return e.bpm, e.has
	}

	threshold := e.avgEnergy * e.cfg.Sensitivity
	rising := energy > e.prevEnergy
	e.avgEnergy = energyDecay*e.avgEnergy + (1-energyDecay)*energy
	e.prevEnergy = energy
	if !rising || energy <= threshold {
		return e.bpm, e.has
	}

	refractory := int64(float64(e.cfg.SampleRate) * 60 / (2 * e.cfg.MaxBPM))
	if n := len(e.onsets); n > 0 && start-e.onsets[n-1] < refractory {
		return e.bpm, e.has
	}
	e.onsets = append(e.onsets, start)
	if len(e.onsets) > e.cfg.History {
		e.onsets = e.onsets[len(e.onsets)-e.cfg.History:]
	}
	if len(e.onsets) < minOnsets {
		return e.bpm, e.has
	}

	candidate, ok := e.clusterBPM()
	if !ok {
		return e.bpm, e.has
	}
	if e.has {
		e.bpm = e.cfg.Alpha*candidate + (1-e.cfg.Alpha)*e.bpm
	} else {
		e.bpm, e.has = candidate, true
	}
	return e.bpm, true
}

// clusterBPM folds each interval into the BPM range, then averages the
// intervals within ClusterTolerance of the median.
func (e *OnsetEstimator) clusterBPM() (float64, bool) {
	ibis := make([]float64, 0, len(e.onsets)-1)
	for i := 1; i < len(e.onsets); i++ {
		sec := float64(e.onsets[i]-e.onsets[i-1]) / float64(e.cfg.SampleRate)
		if sec <= 0 {
			continue
		}
		ibis = append(ibis, 60/e.foldBPM(60/sec))
	}
	if len(ibis) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), ibis...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	var sum float64
	var n int
	for _, v := range ibis {
		if math.Abs(v-median) <= median*e.cfg.ClusterTolerance {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return e.foldBPM(60 / (sum / float64(n))), true
}

// foldBPM moves bpm by octaves toward [MinBPM, MaxBPM]. Narrow ranges may
// leave it outside after the octave limit.
func (e *OnsetEstimator) foldBPM(bpm float64) float64 {
	const maxOctaves = 8
	for i := 0; i < maxOctaves && bpm < e.cfg.MinBPM; i++ {
		bpm *= 2
	}
	for i := 0; i < maxOctaves && bpm > e.cfg.MaxBPM; i++ {
		bpm /= 2
	}
	return bpm
}

func mixDown(f Frame) []float32 {
	ch := f.Channels
	if ch <= 1 {
		return f.Samples
	}
	out := make([]float32, len(f.Samples)/ch)
	for i := range out {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += f.Samples[i*ch+c]
		}
		out[i] = sum / float32(ch)
	}
	return out
}
