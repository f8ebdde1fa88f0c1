// Package session owns request/response traffic with the device.
//
// Ownership boundary:
// - link/connector contracts consumed from the transport layer
// - exchange correlation (pending table, timeouts, device rejections)
// - high-level device operations (program dump, values, program change)
// - retry/backoff primitives shared with the audio recovery loop
//
// A Session is not safe for concurrent operation calls; the state worker is
// its only caller and serializes every exchange.
package session
