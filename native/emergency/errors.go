package emergency

import "errors"

var (
	ErrAlreadyActive         = errors.New("emergency: activation already active")
	ErrNotActive             = errors.New("emergency: no active record")
	ErrCooldownActive        = errors.New("emergency: activator cooldown active")
	ErrMaxActivationsReached = errors.New("emergency: daily activation cap reached")
	ErrUnknownEscrow         = errors.New("emergency: unknown escrow")
	ErrUnauthorized          = errors.New("emergency: unauthorized")
	ErrInvalidActivator      = errors.New("emergency: activator required")
	ErrInvalidContact        = errors.New("emergency: invalid contact")
	ErrContactExists         = errors.New("emergency: contact already registered")
	ErrContactNotFound       = errors.New("emergency: contact not found")
	ErrInvalidConfiguration  = errors.New("emergency: invalid configuration")
	ErrNilState              = errors.New("emergency: state not configured")
)
