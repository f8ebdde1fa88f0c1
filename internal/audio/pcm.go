package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
)

// Opener starts a raw capture stream.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// CommandOpener runs a capture command (e.g. arecord -t raw) and reads its
// stdout. Closing the stream kills the process.
func CommandOpener(name string, args ...string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		cmd := exec.Command(name, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		return &commandStream{cmd: cmd, ReadCloser: stdout}, nil
	}
}

// FileOpener reads raw PCM from a file or FIFO.
func FileOpener(path string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

type commandStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *commandStream) Close() error {
	_ = c.cmd.Process.Kill()
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}

// PCMSource decodes interleaved signed 16-bit little-endian PCM into frames
// of FrameSize samples per channel.
type PCMSource struct {
	open      Opener
	channels  int
	frameSize int

	mu  sync.Mutex
	rc  io.ReadCloser
	buf []byte
}

func NewPCMSource(open Opener, channels, frameSize int) *PCMSource {
	if channels <= 0 {
		channels = 1
	}
	if frameSize <= 0 {
		frameSize = 1024
	}
	return &PCMSource{
		open:      open,
		channels:  channels,
		frameSize: frameSize,
		buf:       make([]byte, channels*frameSize*2),
	}
}

// Next blocks for one full frame. A closed or ended stream yields io.EOF.
func (s *PCMSource) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()
	if rc == nil {
		if err := s.Reopen(ctx); err != nil {
			return Frame{}, err
		}
		s.mu.Lock()
		rc = s.rc
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if _, err := io.ReadFull(rc, s.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	samples := make([]float32, len(s.buf)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(s.buf[i*2:]))
		samples[i] = float32(v) / math.MaxInt16
	}
	return Frame{Samples: samples, Channels: s.channels}, nil
}

func (s *PCMSource) Reopen(ctx context.Context) error {
	_ = s.Close()
	rc, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rc = rc
	s.mu.Unlock()
	return nil
}

func (s *PCMSource) Close() error {
	s.mu.Lock()
	rc := s.rc
	s.rc = nil
	s.mu.Unlock()
	if rc == nil {
		return nil
	}
	return rc.Close()
}
