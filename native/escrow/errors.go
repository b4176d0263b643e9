package escrow

import "errors"

var (
	ErrInvalidParty         = errors.New("escrow: invalid party")
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrInvalidDescription   = errors.New("escrow: description required")
	ErrInvalidTradeID       = errors.New("escrow: trade id required")
	ErrInvalidDuration      = errors.New("escrow: lock override outside bounds")
	ErrInsufficientAmount   = errors.New("escrow: funded value must equal the trade amount")
	ErrInvalidEmergencyHash = errors.New("escrow: panic code hash required")
	ErrInvalidPanicCode     = errors.New("escrow: panic code mismatch")
	ErrInvalidState         = errors.New("escrow: operation not allowed in current state")
	ErrUnauthorized         = errors.New("escrow: unauthorized")
	ErrEmergencyActive      = errors.New("escrow: emergency active")
	ErrDisputeAlreadyActive = errors.New("escrow: dispute already active")
	ErrTimeLockActive       = errors.New("escrow: time lock active")
	ErrTransferFailed       = errors.New("escrow: transfer failed")
	ErrNotFound             = errors.New("escrow: not found")
	ErrNilState             = errors.New("escrow: state not configured")
)
