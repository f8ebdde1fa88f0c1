// Package transport implements session.Connector over real device buses.
//
// Ownership boundary:
// - MIDI port discovery and SysEx send/receive through rtmidi
// - raw MIDI UART links framed with protocol/frame
//
// Nothing here understands message codes; frames are passed through whole.
package transport
