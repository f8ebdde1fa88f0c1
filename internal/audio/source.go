package audio

import (
	"context"
	"errors"
	"math"
)

var (
	ErrStreamDegraded = errors.New("audio: stream degraded")
	ErrStreamFailed   = errors.New("audio: stream failed")
	// ErrStreamActive rejects a manual restart while the monitor still runs.
	ErrStreamActive = errors.New("audio: stream has not failed")
)

// Frame is one pulled buffer of interleaved float samples.
type Frame struct {
	Samples  []float32
	Channels int
	// Overrun is set when the capture layer lost input before this frame.
	Overrun bool
}

// FrameSource is the raw capture primitive. Next returns io.EOF when the
// stream has ended.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Reopen(ctx context.Context) error
	Close() error
}

// identical reports bit-for-bit equality of two frames.
func identical(a, b []float32) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			return false
		}
	}
	return true
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
