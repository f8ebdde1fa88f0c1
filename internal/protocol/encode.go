package protocol

import "fmt"

// Message is one device message: addressing, code and the logical payload
// (after nibble unpacking for nibblized codes).
type Message struct {
	DeviceID byte
	Code     Code
	Payload  []byte
}

func (m Message) String() string {
	return fmt.Sprintf("device=%d code=%s payload_len=%d", m.DeviceID, m.Code, len(m.Payload))
}

// Encode builds the on-wire representation:
//
//	F0 1C 70 <device id> <code> <payload...> F7
//
// Nibblized codes carry two wire bytes per payload byte.
func Encode(msg Message) ([]byte, error) {
	if msg.DeviceID > 0x7F {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDeviceID, msg.DeviceID)
	}
	if byte(msg.Code) > 0x7F {
		return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidCode, byte(msg.Code))
	}

	var body []byte
	switch msg.Code.PayloadFormat() {
	case PayloadNibble:
		body = PackNibbles(msg.Payload)
	default:
		for i, b := range msg.Payload {
			if b > 0x7F {
				return nil, fmt.Errorf("%w: byte 0x%02X at offset %d is not 7-bit", ErrEncoding, b, i)
			}
		}
		body = msg.Payload
	}

	out := make([]byte, 0, headerLen+len(body)+1)
	out = append(out, SysExStart, ManufacturerID, ModelID, msg.DeviceID, byte(msg.Code))
	out = append(out, body...)
	out = append(out, SysExEnd)
	return out, nil
}
