package session

import "context"

// Link is an open duplex connection to the device bus.
type Link interface {
	// Send writes one complete MIDI message (SysEx frame or channel message).
	Send(msg []byte) error
	// OnMessage installs the inbound SysEx frame handler. Frames are
	// delivered in arrival order on a single goroutine.
	OnMessage(fn func(frame []byte))
	Close() error
}

// Connector opens Links. Implementations live in internal/transport.
type Connector interface {
	Connect(ctx context.Context) (Link, error)
	Describe() string
}
