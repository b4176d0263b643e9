package reputation

import "errors"

var (
	ErrUnauthorized         = errors.New("reputation: unauthorized")
	ErrInvalidParticipant   = errors.New("reputation: participant required")
	ErrInvalidVolume        = errors.New("reputation: volume must be non-negative")
	ErrInvalidPenalty       = errors.New("reputation: penalty points out of range")
	ErrSelfDispute          = errors.New("reputation: disputant and defendant must differ")
	ErrInvalidConfiguration = errors.New("reputation: invalid configuration")
)
