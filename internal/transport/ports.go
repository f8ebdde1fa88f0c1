package transport

import "strings"

// DefaultPortPrefix matches the device's USB MIDI port names.
const DefaultPortPrefix = "H9 Pedal"

// excludedPatterns are virtual/system ports never chosen automatically.
var excludedPatterns = []string{"Midi Through", "Through Port", "Dummy"}

// PickPort returns the first name starting with prefix, skipping virtual
// ports. An empty prefix picks the only candidate when exactly one exists.
func PickPort(names []string, prefix string) (string, bool) {
	var candidates []string
	for _, name := range names {
		if excluded(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	if prefix == "" {
		if len(candidates) == 1 {
			return candidates[0], true
		}
		return "", false
	}
	for _, name := range candidates {
		if strings.HasPrefix(name, prefix) {
			return name, true
		}
	}
	lower := strings.ToLower(prefix)
	for _, name := range candidates {
		if strings.Contains(strings.ToLower(name), lower) {
			return name, true
		}
	}
	return "", false
}

func excluded(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range excludedPatterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}
