// Package fakedevice is an in-memory device that answers the request codes
// the session issues. It implements session.Link and session.Connector.
package fakedevice

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/danmuck/h9ctl/internal/protocol/session"
)

type Device struct {
	mu sync.Mutex

	id      byte
	current preset.Snapshot
	values  map[protocol.SystemKey]uint16
	handler func([]byte)

	delay      time.Duration
	silent     bool
	echoKeys   bool
	rejects    map[protocol.Code][]byte
	connectErr error

	calls    []string
	inFlight int
	overlaps int
	connects int
	closed   bool
}

// New returns a device answering as id with the given active program.
func New(id byte, current preset.Snapshot) *Device {
	current = preset.Seal(current)
	return &Device{
		id:      id,
		current: current,
		values: map[protocol.SystemKey]uint16{
			protocol.KeyTempo:   uint16(current.TempoHundredths),
			protocol.KeyBypass:  0,
			protocol.KeyTapSync: 1,
		},
		rejects: make(map[protocol.Code][]byte),
	}
}

// SetDelay defers every reply by d.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// SetSilent stops all replies.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// SetEchoKeys makes VALUE_DUMP replies carry the key ("302 2EE0").
func (d *Device) SetEchoKeys(echo bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.echoKeys = echo
}

// Reject answers requests with code using an ERROR reply carrying payload.
func (d *Device) Reject(code protocol.Code, payload string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects[code] = []byte(payload)
}

func (d *Device) ClearRejects() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects = make(map[protocol.Code][]byte)
}

// FailConnect makes Connect return err until cleared with nil.
func (d *Device) FailConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

func (d *Device) SetValue(key protocol.SystemKey, v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = v
	if key == protocol.KeyTempo {
		d.current.TempoHundredths = int(v)
		d.current = preset.Seal(d.current)
	}
}

func (d *Device) Value(key protocol.SystemKey) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[key]
}

func (d *Device) Current() preset.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Calls lists received requests in arrival order, e.g. "PROGRAM_WANT",
// "VALUE_WANT 302", "VALUE_PUT 302 2EE0", "PC 3".
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Overlaps counts read requests that arrived while another was unanswered.
func (d *Device) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Emit delivers an unsolicited message to the link handler.
func (d *Device) Emit(msg protocol.Message) error {
	wire, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler(wire)
	}
	return nil
}

// EmitRaw delivers raw bytes to the link handler.
func (d *Device) EmitRaw(frame []byte) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (d *Device) Connect(context.Context) (session.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	d.closed = false
	return d, nil
}

func (d *Device) Describe() string {
	return fmt.Sprintf("fake:%d", d.id)
}

func (d *Device) OnMessage(fn func(frame []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.handler = nil
	return nil
}

func (d *Device) Send(msg []byte) error {
	if len(msg) == 2 && msg[0]&0xF0 == 0xC0 {
		d.mu.Lock()
		d.calls = append(d.calls, fmt.Sprintf("PC %d", msg[1]))
		d.current.PresetNumber = int(msg[1]) + 1
		d.current = preset.Seal(d.current)
		d.mu.Unlock()
		return nil
	}

	req, err := protocol.Decode(msg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("fakedevice: link closed")
	}
	d.calls = append(d.calls, strings.TrimSpace(req.Code.String()+" "+string(req.Payload)))
	isRead := req.Code == protocol.CodeProgramWant || req.Code == protocol.CodeValueWant
	if isRead {
		if d.inFlight > 0 {
			d.overlaps++
		}
		d.inFlight++
	}
	reply, ok := d.replyLocked(req)
	silent, delay := d.silent, d.delay
	d.mu.Unlock()

	deliver := func() {
		d.mu.Lock()
		if isRead {
			d.inFlight--
		}
		handler := d.handler
		d.mu.Unlock()
		if !ok || silent || handler == nil {
			return
		}
		wire, err := protocol.Encode(reply)
		if err != nil {
			return
		}
		handler(wire)
	}
	if delay > 0 {
		time.AfterFunc(delay, deliver)
	} else {
		deliver()
	}
	return nil
}

func (d *Device) replyLocked(req protocol.Message) (protocol.Message, bool) {
	if payload, ok := d.rejects[req.Code]; ok {
		return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: payload}, true
	}
	switch req.Code {
	case protocol.CodeProgramWant:
		return protocol.Message{DeviceID: d.id, Code: protocol.CodeProgramDump, Payload: preset.Format(d.current)}, true
	case protocol.CodeValueWant:
		key, err := protocol.ParseSystemKey(string(req.Payload))
		if err != nil {
			return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: []byte("bad key")}, true
		}
		v, ok := d.values[key]
		if !ok {
			return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: []byte("unknown key")}, true
		}
		digits := fmt.Sprintf("%0*X", key.Width()*2, v)
		if d.echoKeys {
			digits = key.String() + " " + digits
		}
		return protocol.Message{DeviceID: d.id, Code: protocol.CodeValueDump, Payload: []byte(digits)}, true
	case protocol.CodeValuePut:
		fields := bytes.Fields(req.Payload)
		if len(fields) != 2 {
			return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: []byte("bad put")}, true
		}
		key, err := protocol.ParseSystemKey(string(fields[0]))
		if err != nil {
			return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: []byte("bad key")}, true
		}
		v, err := preset.ParseValue(key, fields[1])
		if err != nil {
			return protocol.Message{DeviceID: d.id, Code: protocol.CodeError, Payload: []byte("bad value")}, true
		}
		d.values[key] = v
		if key == protocol.KeyTempo {
			d.current.TempoHundredths = int(v)
			d.current = preset.Seal(d.current)
		}
		return protocol.Message{DeviceID: d.id, Code: protocol.CodeOK}, true
	default:
		return protocol.Message{}, false
	}
}
