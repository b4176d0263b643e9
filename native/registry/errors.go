package registry

import "errors"

var (
	ErrInsufficientFee  = errors.New("registry: creation fee not covered")
	ErrDuplicateTradeID = errors.New("registry: trade id already registered")
	ErrUnknownTrade     = errors.New("registry: trade id not registered")
	ErrUnknownEscrow    = errors.New("registry: escrow not found")
	ErrUnauthorized     = errors.New("registry: unauthorized")
	ErrInvalidModule    = errors.New("registry: module name required")
	ErrInvalidFee       = errors.New("registry: invalid fee")
	ErrWithdrawExceeds  = errors.New("registry: withdrawal exceeds accumulated fees")
	ErrFeeTransfer      = errors.New("registry: fee transfer failed")
	ErrNilState         = errors.New("registry: state not configured")
)
