package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// MIDIConnector opens the device's USB MIDI in/out port pair through rtmidi.
type MIDIConnector struct {
	PortPrefix string
}

func NewMIDIConnector(prefix string) *MIDIConnector {
	if prefix == "" {
		prefix = DefaultPortPrefix
	}
	return &MIDIConnector{PortPrefix: prefix}
}

func (c *MIDIConnector) Describe() string {
	return "midi:" + c.PortPrefix
}

// PortList is a snapshot of the names rtmidi reports.
type PortList struct {
	Inputs  []string
	Outputs []string
}

// ListPorts enumerates MIDI ports without opening any.
func ListPorts() (PortList, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return PortList{}, fmt.Errorf("rtmididrv: %w", err)
	}
	defer drv.Close()

	var out PortList
	ins, err := drv.Ins()
	if err != nil {
		return PortList{}, fmt.Errorf("list inputs: %w", err)
	}
	for _, in := range ins {
		out.Inputs = append(out.Inputs, in.String())
	}
	outs, err := drv.Outs()
	if err != nil {
		return PortList{}, fmt.Errorf("list outputs: %w", err)
	}
	for _, o := range outs {
		out.Outputs = append(out.Outputs, o.String())
	}
	return out, nil
}

func (c *MIDIConnector) Connect(ctx context.Context) (session.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	link, err := c.open(drv)
	if err != nil {
		drv.Close()
		return nil, err
	}
	return link, nil
}

func (c *MIDIConnector) open(drv *rtmididrv.Driver) (*midiLink, error) {
	outs, err := drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	outNames := make([]string, 0, len(outs))
	for _, o := range outs {
		outNames = append(outNames, o.String())
	}
	outName, ok := PickPort(outNames, c.PortPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: output %q in %v", ErrPortNotFound, c.PortPrefix, outNames)
	}
	var out drivers.Out
	for _, o := range outs {
		if o.String() == outName {
			out = o
			break
		}
	}
	if err := out.Open(); err != nil {
		return nil, fmt.Errorf("open output %q: %w", outName, err)
	}

	link := &midiLink{drv: drv, out: out, name: outName}

	ins, err := drv.Ins()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	inNames := make([]string, 0, len(ins))
	for _, in := range ins {
		inNames = append(inNames, in.String())
	}
	inName, ok := PickPort(inNames, c.PortPrefix)
	if !ok {
		// Output-only links still accept writes; every exchange times out.
		log.Warn().Str("prefix", c.PortPrefix).Strs("inputs", inNames).Msg("transport.MIDIConnector.Connect no input port")
		return link, nil
	}
	for _, in := range ins {
		if in.String() == inName {
			link.in = in
			break
		}
	}
	if err := link.in.Open(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("open input %q: %w", inName, err)
	}
	stop, err := midi.ListenTo(link.in, link.receive, midi.UseSysEx(), midi.HandleError(func(listenErr error) {
		log.Warn().Err(listenErr).Str("port", inName).Msg("transport.midiLink listener error")
	}))
	if err != nil {
		_ = link.in.Close()
		_ = out.Close()
		return nil, fmt.Errorf("listen %q: %w", inName, err)
	}
	link.stop = stop

	log.Info().Str("output", outName).Str("input", inName).Msg("transport.MIDIConnector.Connect opened")
	return link, nil
}

type midiLink struct {
	drv  *rtmididrv.Driver
	out  drivers.Out
	in   drivers.In
	name string
	stop func()

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

func (l *midiLink) Send(msg []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	return l.out.Send(msg)
}

func (l *midiLink) OnMessage(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

func (l *midiLink) receive(msg midi.Message, _ int32) {
	var data []byte
	if !msg.GetSysEx(&data) {
		return
	}
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, 0xF0)
	frame = append(frame, data...)
	frame = append(frame, 0xF7)

	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (l *midiLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.handler = nil
	l.mu.Unlock()

	if l.stop != nil {
		l.stop()
	}
	if l.in != nil {
		_ = l.in.Close()
	}
	err := l.out.Close()
	l.drv.Close()
	log.Info().Str("output", l.name).Msg("transport.midiLink.Close closed")
	return err
}
