package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/h9ctl/internal/protocol"
)

var (
	ErrTimeout          = errors.New("session: exchange timeout")
	ErrExchangeInFlight = errors.New("session: exchange already in flight")
	ErrDeviceRejected   = errors.New("session: device rejected request")
	ErrNotConnected     = errors.New("session: not connected")
	ErrClosed           = errors.New("session: correlator closed")
)

// DeviceRejectedError carries the payload of an ERROR reply verbatim.
type DeviceRejectedError struct {
	DeviceID    byte
	RequestCode protocol.Code
	Payload     []byte
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("%s: device=%d request=%s payload=%q", ErrDeviceRejected, e.DeviceID, e.RequestCode, e.Payload)
}

func (e *DeviceRejectedError) Is(target error) bool {
	return target == ErrDeviceRejected
}
