package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrameSkipsNoiseAndRealtime(t *testing.T) {
	stream := []byte{
		0x90, 0x40, 0x7F, // note on before the frame
		0xF0, 0x1C, 0xF8, 0x70, 0x01, 0xFE, 0x4E, 0xF7, // clock + active sensing interleaved
		0xC0, 0x05,
		0xF0, 0x1C, 0x70, 0x01, 0x00, 0xF7,
	}
	r := bufio.NewReader(bytes.NewReader(stream))

	first, err := ReadFrame(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if !bytes.Equal(first, []byte{0xF0, 0x1C, 0x70, 0x01, 0x4E, 0xF7}) {
		t.Fatalf("unexpected first frame: % X", first)
	}
	second, err := ReadFrame(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !bytes.Equal(second, []byte{0xF0, 0x1C, 0x70, 0x01, 0x00, 0xF7}) {
		t.Fatalf("unexpected second frame: % X", second)
	}
	if _, err := ReadFrame(r, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameInterruptedResyncsOnNextStart(t *testing.T) {
	stream := []byte{0xF0, 0x1C, 0x70, 0xF0, 0x1C, 0x70, 0x02, 0x00, 0xF7}
	r := bufio.NewReader(bytes.NewReader(stream))

	if _, err := ReadFrame(r, DefaultLimits()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	f, err := ReadFrame(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read after resync: %v", err)
	}
	if !bytes.Equal(f, []byte{0xF0, 0x1C, 0x70, 0x02, 0x00, 0xF7}) {
		t.Fatalf("unexpected frame: % X", f)
	}
}

func TestReadFrameTooLargeIsDroppedWhole(t *testing.T) {
	big := append([]byte{0xF0}, bytes.Repeat([]byte{0x01}, 32)...)
	big = append(big, 0xF7)
	stream := append(big, 0xF0, 0x01, 0xF7)
	r := bufio.NewReader(bytes.NewReader(stream))
	limits := Limits{MaxFrameBytes: 16}

	if _, err := ReadFrame(r, limits); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	f, err := ReadFrame(r, limits)
	if err != nil {
		t.Fatalf("read small frame: %v", err)
	}
	if !bytes.Equal(f, []byte{0xF0, 0x01, 0xF7}) {
		t.Fatalf("unexpected frame: % X", f)
	}
}

func TestReadFrameTruncatedStream(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xF0, 0x1C, 0x70}))
	if _, err := ReadFrame(r, DefaultLimits()); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriteFrameValidates(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{0xF0, 0x01, 0xF7}, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, []byte{0x01, 0xF7}, DefaultLimits()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if err := WriteFrame(&buf, make([]byte, 20), Limits{MaxFrameBytes: 8}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
