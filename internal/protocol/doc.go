// Package protocol owns the device wire contract and codec primitives.
//
// Ownership boundary:
// - SysEx framing (start/end markers, manufacturer and model ids)
// - message code enumeration with an unknown-code fallback
// - nibble pack/unpack and ASCII-hex transforms
// - system key layout (base + offset addressing)
//
// Payload format is selected by message code, never sniffed from the bytes.
package protocol
