package timelock

import "errors"

var (
	ErrInvalidConfiguration = errors.New("timelock: invalid configuration")
	ErrUnauthorized         = errors.New("timelock: unauthorized")
	ErrInvalidAmount        = errors.New("timelock: amount must be positive")
	ErrInvalidDuration      = errors.New("timelock: duration outside configured bounds")
)
