package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyKind is the storage class of a system variable, encoded in the key base.
type KeyKind int

const (
	KindBoolean KeyKind = iota + 1
	KindByte
	KindWord
)

func (k KeyKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindWord:
		return "word"
	default:
		return "unknown"
	}
}

// SystemKey is a 16-bit variable address: base (0x100/0x200/0x300) + offset.
type SystemKey uint16

const (
	BaseBoolean SystemKey = 0x100
	BaseByte    SystemKey = 0x200
	BaseWord    SystemKey = 0x300
)

const (
	KeyBypass  SystemKey = BaseBoolean + 0x02
	KeyTapSync SystemKey = BaseBoolean + 0x07
	// KeyTempo holds BPM in hundredths.
	KeyTempo SystemKey = BaseWord + 0x02

	knobKeyOffset = 0x11
	KnobCount     = 10
)

// NewSystemKey composes a key from its kind and offset.
func NewSystemKey(kind KeyKind, offset uint8) (SystemKey, error) {
	switch kind {
	case KindBoolean:
		return BaseBoolean + SystemKey(offset), nil
	case KindByte:
		return BaseByte + SystemKey(offset), nil
	case KindWord:
		return BaseWord + SystemKey(offset), nil
	default:
		return 0, fmt.Errorf("%w: kind %d", ErrInvalidKey, kind)
	}
}

// KnobKey returns the byte-parameter key for knob 1..10 (0x212..0x21B).
func KnobKey(index int) (SystemKey, error) {
	if index < 1 || index > KnobCount {
		return 0, fmt.Errorf("%w: knob index %d", ErrInvalidKey, index)
	}
	return BaseByte + SystemKey(knobKeyOffset+index), nil
}

// Kind derives the storage class from the key base.
func (k SystemKey) Kind() KeyKind {
	switch k &^ 0xFF {
	case BaseBoolean:
		return KindBoolean
	case BaseByte:
		return KindByte
	case BaseWord:
		return KindWord
	default:
		return 0
	}
}

func (k SystemKey) Valid() bool {
	return k.Kind() != 0
}

func (k SystemKey) Offset() uint8 {
	return uint8(k & 0xFF)
}

// Width is the payload width in bytes implied by the key kind.
func (k SystemKey) Width() int {
	switch k.Kind() {
	case KindBoolean, KindByte:
		return 1
	case KindWord:
		return 2
	default:
		return 0
	}
}

// Max is the largest value the key can carry.
func (k SystemKey) Max() uint16 {
	switch k.Kind() {
	case KindBoolean:
		return 1
	case KindByte:
		return 0xFF
	default:
		return 0xFFFF
	}
}

// String renders the key the way the device echoes it: bare upper-case hex.
func (k SystemKey) String() string {
	return strings.ToUpper(strconv.FormatUint(uint64(k), 16))
}

// ParseSystemKey accepts "302", "0x302" or a decimal form prefixed with "#".
func ParseSystemKey(raw string) (SystemKey, error) {
	raw = strings.TrimSpace(raw)
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(raw, "#"):
		v, err = strconv.ParseUint(raw[1:], 10, 16)
	default:
		v, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(raw), "0x"), 16, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	k := SystemKey(v)
	if !k.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return k, nil
}

// ValueWantPayload is the VALUE_WANT request body: the key in ASCII hex.
func ValueWantPayload(key SystemKey) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: 0x%X", ErrInvalidKey, uint16(key))
	}
	return []byte(key.String()), nil
}

// ValuePutPayload is the VALUE_PUT body "<key-hex> <value-hex>", e.g. "302 2EE0".
func ValuePutPayload(key SystemKey, value uint16) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: 0x%X", ErrInvalidKey, uint16(key))
	}
	if value > key.Max() {
		return nil, fmt.Errorf("%w: key=%s value=%d max=%d", ErrValueRange, key, value, key.Max())
	}
	return []byte(key.String() + " " + strings.ToUpper(strconv.FormatUint(uint64(value), 16))), nil
}
