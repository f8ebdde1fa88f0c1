package protocol

import "fmt"

// Decode parses one complete frame (including F0/F7). Any marker, id or
// nibble violation fails with ErrFraming.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLen+1 {
		return Message{}, fmt.Errorf("%w: short frame (%d bytes)", ErrFraming, len(frame))
	}
	if frame[0] != SysExStart {
		return Message{}, fmt.Errorf("%w: bad start marker 0x%02X", ErrFraming, frame[0])
	}
	if last := frame[len(frame)-1]; last != SysExEnd {
		return Message{}, fmt.Errorf("%w: bad end marker 0x%02X", ErrFraming, last)
	}
	if frame[1] != ManufacturerID {
		return Message{}, fmt.Errorf("%w: manufacturer id 0x%02X", ErrFraming, frame[1])
	}
	if frame[2] != ModelID {
		return Message{}, fmt.Errorf("%w: model id 0x%02X", ErrFraming, frame[2])
	}

	body := frame[headerLen : len(frame)-1]
	for i, b := range frame[3 : len(frame)-1] {
		if b > 0x7F {
			return Message{}, fmt.Errorf("%w: status byte 0x%02X inside frame at offset %d", ErrFraming, b, i+3)
		}
	}

	msg := Message{DeviceID: frame[3], Code: Code(frame[4])}
	switch msg.Code.PayloadFormat() {
	case PayloadNibble:
		payload, err := UnpackNibbles(body)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = payload
	default:
		msg.Payload = append([]byte(nil), body...)
	}
	return msg, nil
}

// FormatBytes renders bytes as spaced hex for logs, truncated to maxLen bytes.
func FormatBytes(data []byte, maxLen int) string {
	if maxLen <= 0 || maxLen > len(data) {
		maxLen = len(data)
	}
	out := make([]byte, 0, maxLen*3+16)
	for i, b := range data[:maxLen] {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, EncodeASCIIHex([]byte{b})...)
	}
	if len(data) > maxLen {
		out = append(out, fmt.Sprintf(" ...(+%d bytes)", len(data)-maxLen)...)
	}
	return string(out)
}
