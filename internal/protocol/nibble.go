package protocol

import "fmt"

// PackNibbles splits every byte into two 4-bit units, most significant first.
func PackNibbles(payload []byte) []byte {
	out := make([]byte, 0, len(payload)*2)
	for _, b := range payload {
		out = append(out, b>>4, b&0x0F)
	}
	return out
}

// UnpackNibbles joins nibble pairs back into bytes. An odd count is a
// truncated capture and fails with ErrFraming.
func UnpackNibbles(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd nibble count %d", ErrFraming, len(data))
	}
	out := make([]byte, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		hi, lo := data[i], data[i+1]
		if hi > 0x0F || lo > 0x0F {
			return nil, fmt.Errorf("%w: nibble out of range at offset %d", ErrFraming, i)
		}
		out = append(out, hi<<4|lo)
	}
	return out, nil
}

// DecodeASCIIHex interprets each byte pair as two hex digits, no sign or prefix.
func DecodeASCIIHex(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd hex digit count %d", ErrEncoding, len(data))
	}
	out := make([]byte, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		hi, ok := hexDigit(data[i])
		if !ok {
			return nil, fmt.Errorf("%w: non-hex character %q at offset %d", ErrEncoding, data[i], i)
		}
		lo, ok := hexDigit(data[i+1])
		if !ok {
			return nil, fmt.Errorf("%w: non-hex character %q at offset %d", ErrEncoding, data[i+1], i+1)
		}
		out = append(out, hi<<4|lo)
	}
	return out, nil
}

// EncodeASCIIHex renders bytes as upper-case hex digit pairs.
func EncodeASCIIHex(data []byte) []byte {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, digits[b>>4], digits[b&0x0F])
	}
	return out
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
