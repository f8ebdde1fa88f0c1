package frame

import (
	"errors"
	"io"
)

const (
	SysExStart byte = 0xF0
	SysExEnd   byte = 0xF7

	// realtimeFirst is the first single-byte realtime status (clock, start, ...);
	// realtime bytes may interleave with SysEx data and are skipped.
	realtimeFirst byte = 0xF8
)

var (
	ErrFrameTooLarge = errors.New("frame: sysex frame exceeds limit")
	ErrInterrupted   = errors.New("frame: sysex interrupted by status byte")
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 64 * 1024,
	}
}

// ReadFrame returns the next complete F0..F7 frame from a raw MIDI byte
// stream. Bytes outside a frame (channel messages, running status) and
// realtime bytes inside one are discarded. A frame cut short by another
// status byte is dropped with ErrInterrupted; the interrupting F0, if any,
// starts the next frame on the following call.
func ReadFrame(r io.ByteScanner, limits Limits) ([]byte, error) {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == SysExStart {
			break
		}
	}

	buf := []byte{SysExStart}
	oversize := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch {
		case b >= realtimeFirst:
			continue
		case b == SysExEnd:
			if oversize {
				return nil, ErrFrameTooLarge
			}
			return append(buf, b), nil
		case b&0x80 != 0:
			if b == SysExStart {
				_ = r.UnreadByte()
			}
			return nil, ErrInterrupted
		}
		if oversize {
			continue
		}
		if len(buf)+1 >= limits.MaxFrameBytes {
			oversize = true
			buf = nil
			continue
		}
		buf = append(buf, b)
	}
}

// WriteFrame writes one complete frame after checking its markers and size.
func WriteFrame(w io.Writer, f []byte, limits Limits) error {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	if len(f) > limits.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	if len(f) < 2 || f[0] != SysExStart || f[len(f)-1] != SysExEnd {
		return ErrInterrupted
	}
	_, err := w.Write(f)
	return err
}
