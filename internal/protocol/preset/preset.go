package preset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/h9ctl/internal/protocol"
)

var ErrMalformedPreset = errors.New("preset: malformed preset dump")

const (
	// MaxKnobValue is the top of the device knob scale.
	MaxKnobValue = 0x7FE0

	checksumPrefix = "C_"
	headerFields   = 3
	knobLineFields = 1 + protocol.KnobCount + 1
	tempoFields    = 2
)

// Snapshot is one parsed program dump. Values are immutable by convention:
// a new dump produces a new Snapshot.
type Snapshot struct {
	PresetNumber      int                     `json:"preset_number"`
	AlgorithmNumber   int                     `json:"algorithm_number"`
	DumpFormatVersion int                     `json:"dump_format_version"`
	EffectSlot        int                     `json:"effect_slot"`
	Knobs             [protocol.KnobCount]int `json:"knobs"`
	Pedal             int                     `json:"pedal"`
	TempoHundredths   int                     `json:"tempo_hundredths"`
	TempoEnabled      bool                    `json:"tempo_enabled"`
	Checksum          int                     `json:"checksum"`
	AlgorithmName     string                  `json:"algorithm_name,omitempty"`
	PresetName        string                  `json:"preset_name,omitempty"`
}

// TempoBPM converts the stored hundredths to beats per minute.
func (s Snapshot) TempoBPM() float64 {
	return float64(s.TempoHundredths) / 100
}

// FieldSum is the integer sum of every transmitted numeric field that
// precedes the checksum token, in transmission order.
func FieldSum(s Snapshot) int {
	sum := s.PresetNumber + s.AlgorithmNumber + s.DumpFormatVersion + s.EffectSlot
	for _, k := range s.Knobs {
		sum += k
	}
	sum += s.Pedal + s.TempoHundredths
	if s.TempoEnabled {
		sum++
	}
	return sum
}

// Seal returns s with Checksum set to FieldSum(s).
func Seal(s Snapshot) Snapshot {
	s.Checksum = FieldSum(s)
	return s
}

// Parse decodes an unpacked PROGRAM_DUMP payload:
//
//	[<preset>] <algorithm> <format>
//	<effect-slot> <knob1> .. <knob10> <pedal>      (hex)
//	<tempo-hundredths> <tempo-enabled>
//	C_<checksum hex>
//	<algorithm name>                               (optional)
//	<preset name>                                  (optional)
//
// Any count, range or checksum violation fails the whole dump.
func Parse(payload []byte) (Snapshot, error) {
	lines := splitLines(payload)
	if len(lines) < 4 {
		return Snapshot{}, fmt.Errorf("%w: %d lines, want at least 4", ErrMalformedPreset, len(lines))
	}

	var s Snapshot
	if err := parseHeader(lines[0], &s); err != nil {
		return Snapshot{}, err
	}
	if err := parseKnobLine(lines[1], &s); err != nil {
		return Snapshot{}, err
	}
	if err := parseTempoLine(lines[2], &s); err != nil {
		return Snapshot{}, err
	}

	checksum, err := parseChecksum(lines[3])
	if err != nil {
		return Snapshot{}, err
	}
	if want := FieldSum(s); checksum != want {
		return Snapshot{}, fmt.Errorf("%w: checksum 0x%X does not match field sum 0x%X", ErrMalformedPreset, checksum, want)
	}
	s.Checksum = checksum

	if len(lines) > 4 {
		s.AlgorithmName = lines[4]
	}
	if len(lines) > 5 {
		s.PresetName = lines[5]
	}
	return s, nil
}

// Format renders s in the dump layout accepted by Parse. The checksum is
// written as stored; use Seal first for a consistent dump.
func Format(s Snapshot) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%d] %d %d\n", s.PresetNumber, s.AlgorithmNumber, s.DumpFormatVersion)
	fmt.Fprintf(&b, "%X", s.EffectSlot)
	for _, k := range s.Knobs {
		fmt.Fprintf(&b, " %X", k)
	}
	fmt.Fprintf(&b, " %X\n", s.Pedal)
	enabled := 0
	if s.TempoEnabled {
		enabled = 1
	}
	fmt.Fprintf(&b, "%d %d\n", s.TempoHundredths, enabled)
	fmt.Fprintf(&b, "%s%X\n", checksumPrefix, s.Checksum)
	if s.AlgorithmName != "" || s.PresetName != "" {
		fmt.Fprintf(&b, "%s\n%s\n", s.AlgorithmName, s.PresetName)
	}
	return b.Bytes()
}

func splitLines(payload []byte) []string {
	payload = bytes.TrimRight(payload, "\x00")
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" && len(lines) < 4 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func parseHeader(line string, s *Snapshot) error {
	fields := strings.Fields(line)
	if len(fields) != headerFields {
		return fmt.Errorf("%w: header has %d fields, want %d", ErrMalformedPreset, len(fields), headerFields)
	}
	var err error
	if s.PresetNumber, err = parseDecimal(strings.Trim(fields[0], "[]"), "preset"); err != nil {
		return err
	}
	if s.AlgorithmNumber, err = parseDecimal(fields[1], "algorithm"); err != nil {
		return err
	}
	if s.DumpFormatVersion, err = parseDecimal(fields[2], "format"); err != nil {
		return err
	}
	return nil
}

func parseKnobLine(line string, s *Snapshot) error {
	fields := strings.Fields(line)
	if len(fields) != knobLineFields {
		return fmt.Errorf("%w: knob line has %d fields, want %d", ErrMalformedPreset, len(fields), knobLineFields)
	}
	var err error
	if s.EffectSlot, err = parseHex(fields[0], "effect slot"); err != nil {
		return err
	}
	for i := 0; i < protocol.KnobCount; i++ {
		v, err := parseHex(fields[1+i], "knob")
		if err != nil {
			return err
		}
		if v > MaxKnobValue {
			return fmt.Errorf("%w: knob %d value 0x%X exceeds 0x%X", ErrMalformedPreset, i+1, v, MaxKnobValue)
		}
		s.Knobs[i] = v
	}
	if s.Pedal, err = parseHex(fields[len(fields)-1], "pedal"); err != nil {
		return err
	}
	if s.Pedal > MaxKnobValue {
		return fmt.Errorf("%w: pedal value 0x%X exceeds 0x%X", ErrMalformedPreset, s.Pedal, MaxKnobValue)
	}
	return nil
}

func parseTempoLine(line string, s *Snapshot) error {
	fields := strings.Fields(line)
	if len(fields) != tempoFields {
		return fmt.Errorf("%w: tempo line has %d fields, want %d", ErrMalformedPreset, len(fields), tempoFields)
	}
	var err error
	if s.TempoHundredths, err = parseDecimal(fields[0], "tempo"); err != nil {
		return err
	}
	switch fields[1] {
	case "0":
		s.TempoEnabled = false
	case "1":
		s.TempoEnabled = true
	default:
		return fmt.Errorf("%w: tempo enabled flag %q", ErrMalformedPreset, fields[1])
	}
	return nil
}

func parseChecksum(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) != 1 || !strings.HasPrefix(fields[0], checksumPrefix) {
		return 0, fmt.Errorf("%w: missing checksum token in %q", ErrMalformedPreset, line)
	}
	return parseHex(strings.TrimPrefix(fields[0], checksumPrefix), "checksum")
}

func parseDecimal(raw, field string) (int, error) {
	v, err := strconv.ParseUint(raw, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedPreset, field, raw)
	}
	return int(v), nil
}

func parseHex(raw, field string) (int, error) {
	v, err := strconv.ParseUint(raw, 16, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedPreset, field, raw)
	}
	return int(v), nil
}
