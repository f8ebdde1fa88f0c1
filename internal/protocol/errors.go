package protocol

import "errors"

var (
	ErrFraming         = errors.New("protocol: framing error")
	ErrEncoding        = errors.New("protocol: encoding error")
	ErrInvalidDeviceID = errors.New("protocol: invalid device id")
	ErrInvalidCode     = errors.New("protocol: invalid message code")
	ErrInvalidKey      = errors.New("protocol: invalid system key")
	ErrValueRange      = errors.New("protocol: value out of range for key")
)
