package preset

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/h9ctl/internal/protocol"
)

var ErrMalformedValue = errors.New("preset: malformed value dump")

// ParseValue decodes a VALUE_DUMP payload for key. The payload is either the
// bare ASCII-hex value ("2EE0") or the key echo followed by the value
// ("302 2EE0"); an echoed key must match. Width and range follow the key kind.
func ParseValue(key protocol.SystemKey, payload []byte) (uint16, error) {
	if !key.Valid() {
		return 0, fmt.Errorf("%w: 0x%X", protocol.ErrInvalidKey, uint16(key))
	}
	fields := bytes.Fields(bytes.TrimRight(payload, "\x00"))
	var raw []byte
	switch len(fields) {
	case 1:
		raw = fields[0]
	case 2:
		echo, err := protocol.ParseSystemKey(string(fields[0]))
		if err != nil || echo != key {
			return 0, fmt.Errorf("%w: key echo %q does not match %s", ErrMalformedValue, fields[0], key)
		}
		raw = fields[1]
	default:
		return 0, fmt.Errorf("%w: %d fields for key %s", ErrMalformedValue, len(fields), key)
	}

	if len(raw)%2 != 0 {
		raw = append([]byte{'0'}, raw...)
	}
	decoded, err := protocol.DecodeASCIIHex(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedValue, err)
	}
	if len(decoded) > key.Width() {
		return 0, fmt.Errorf("%w: %q wider than %d byte(s) for key %s", ErrMalformedValue, raw, key.Width(), key)
	}
	var v uint32
	for _, b := range decoded {
		v = v<<8 | uint32(b)
		if v > uint32(key.Max()) {
			return 0, fmt.Errorf("%w: %q exceeds %s range for key %s", ErrMalformedValue, raw, key.Kind(), key)
		}
	}
	return uint16(v), nil
}

// TempoHundredthsToBPM converts the raw tempo key value.
func TempoHundredthsToBPM(v uint16) float64 {
	return float64(v) / 100
}
