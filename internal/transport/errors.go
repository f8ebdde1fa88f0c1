package transport

import "errors"

var (
	ErrPortNotFound = errors.New("transport: port not found")
	ErrLinkClosed   = errors.New("transport: link closed")
)
