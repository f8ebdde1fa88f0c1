// Package service owns the controller process lifecycle.
//
// Boundary:
// - builds the transport connector, device session, worker and audio monitor from Config
// - runs every long-lived owner under one cancellation and logs a heartbeat
// - audio failure is reported but never stops device control
package service
