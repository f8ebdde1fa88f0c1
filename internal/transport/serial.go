package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/h9ctl/internal/protocol/frame"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// MIDIBaudRate is the DIN MIDI line rate.
const MIDIBaudRate = 31250

// SerialConnector opens a raw MIDI UART (DIN adapter or GPIO serial).
type SerialConnector struct {
	Port   string
	Baud   int
	Limits frame.Limits
}

func NewSerialConnector(port string, baud int) *SerialConnector {
	if baud <= 0 {
		baud = MIDIBaudRate
	}
	return &SerialConnector{Port: port, Baud: baud, Limits: frame.DefaultLimits()}
}

func (c *SerialConnector) Describe() string {
	return fmt.Sprintf("serial:%s@%d", c.Port, c.Baud)
}

// ListSerialPorts returns the serial device names known to the OS.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

func (c *SerialConnector) Connect(ctx context.Context) (session.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Port == "" {
		return nil, fmt.Errorf("%w: no serial port configured", ErrPortNotFound)
	}
	p, err := serial.Open(c.Port, &serial.Mode{BaudRate: c.Baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %q: %w", c.Port, err)
	}
	log.Info().Str("port", c.Port).Int("baud", c.Baud).Msg("transport.SerialConnector.Connect opened")
	return newStreamLink(p, c.Port, c.Limits), nil
}

// streamLink frames a raw MIDI byte stream into SysEx messages.
type streamLink struct {
	rw     io.ReadWriteCloser
	name   string
	limits frame.Limits

	writeMu sync.Mutex

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
	done    chan struct{}
}

func newStreamLink(rw io.ReadWriteCloser, name string, limits frame.Limits) *streamLink {
	l := &streamLink{
		rw:     rw,
		name:   name,
		limits: limits,
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *streamLink) Send(msg []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if len(msg) > 0 && msg[0] == frame.SysExStart {
		return frame.WriteFrame(l.rw, msg, l.limits)
	}
	_, err := l.rw.Write(msg)
	return err
}

func (l *streamLink) OnMessage(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

func (l *streamLink) readLoop() {
	defer close(l.done)
	r := bufio.NewReader(l.rw)
	for {
		f, err := frame.ReadFrame(r, l.limits)
		switch {
		case err == nil:
		case errors.Is(err, frame.ErrInterrupted), errors.Is(err, frame.ErrFrameTooLarge):
			log.Warn().Err(err).Str("port", l.name).Msg("transport.streamLink.readLoop frame dropped")
			continue
		default:
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Str("port", l.name).Msg("transport.streamLink.readLoop stopped")
			}
			return
		}

		l.mu.Lock()
		fn := l.handler
		l.mu.Unlock()
		if fn != nil {
			fn(f)
		}
	}
}

func (l *streamLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.handler = nil
	l.mu.Unlock()
	err := l.rw.Close()
	<-l.done
	log.Info().Str("port", l.name).Msg("transport.streamLink.Close closed")
	return err
}
