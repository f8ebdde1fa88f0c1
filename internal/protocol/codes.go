package protocol

import "fmt"

const (
	SysExStart     byte = 0xF0
	SysExEnd       byte = 0xF7
	ManufacturerID byte = 0x1C
	ModelID        byte = 0x70

	// BroadcastID addresses every device on the bus.
	BroadcastID byte = 0x00

	// headerLen covers F0, manufacturer, model, device id and code.
	headerLen = 5
)

// Code is a device message code. Codes outside the known set are kept as-is
// and report Known() == false.
type Code byte

const (
	CodeOK             Code = 0x00
	CodeError          Code = 0x0D
	CodeProgramDump    Code = 0x15
	CodeValuePut       Code = 0x2D
	CodeValueDump      Code = 0x2E
	CodeObjectInfoWant Code = 0x31
	CodeValueWant      Code = 0x3B
	CodePresetsWant    Code = 0x48
	CodePresetsDump    Code = 0x49
	CodeSysvarsWant    Code = 0x4C
	CodeSysvarsDump    Code = 0x4D
	CodeProgramWant    Code = 0x4E
	CodeTJProgramDump  Code = 0x4F
	CodeAllWant        Code = 0x50
	CodeAllDump        Code = 0x51
)

var codeNames = map[Code]string{
	CodeOK:             "OK",
	CodeError:          "ERROR",
	CodeProgramDump:    "PROGRAM_DUMP",
	CodeValuePut:       "VALUE_PUT",
	CodeValueDump:      "VALUE_DUMP",
	CodeObjectInfoWant: "OBJECTINFO_WANT",
	CodeValueWant:      "VALUE_WANT",
	CodePresetsWant:    "PRESETS_WANT",
	CodePresetsDump:    "PRESETS_DUMP",
	CodeSysvarsWant:    "SYSVARS_WANT",
	CodeSysvarsDump:    "SYSVARS_DUMP",
	CodeProgramWant:    "PROGRAM_WANT",
	CodeTJProgramDump:  "TJ_PROGRAM_DUMP",
	CodeAllWant:        "ALL_WANT",
	CodeAllDump:        "ALL_DUMP",
}

// Known reports whether c belongs to the documented code set.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(c))
}

// PayloadFormat selects the payload transform applied on the wire.
type PayloadFormat int

const (
	// PayloadText carries 7-bit bytes unchanged (ASCII and unknown codes).
	PayloadText PayloadFormat = iota
	// PayloadNibble splits each byte into high then low nibble.
	PayloadNibble
)

func (f PayloadFormat) String() string {
	switch f {
	case PayloadNibble:
		return "nibble"
	default:
		return "text"
	}
}

// PayloadFormat returns the wire format for c. Dump codes are nibblized;
// value exchanges, requests, status replies and unknown codes are text.
func (c Code) PayloadFormat() PayloadFormat {
	switch c {
	case CodeProgramDump, CodePresetsDump, CodeSysvarsDump, CodeTJProgramDump, CodeAllDump:
		return PayloadNibble
	default:
		return PayloadText
	}
}
