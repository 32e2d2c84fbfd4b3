package types

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrOutOfRange     = errors.New("out of range")
	ErrTooLarge       = errors.New("too large")
	ErrNotReady       = errors.New("not ready")
	ErrAccessDenied   = errors.New("access denied")
	ErrDeviceError    = errors.New("device error")
)
