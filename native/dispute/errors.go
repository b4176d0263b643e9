package dispute

import "errors"

var (
	ErrInsufficientStake    = errors.New("dispute: stake below minimum")
	ErrReasonRequired       = errors.New("dispute: reason required")
	ErrCaseNotFound         = errors.New("dispute: case not found")
	ErrCaseNotReviewable    = errors.New("dispute: case not under review")
	ErrAlreadyDisputed      = errors.New("dispute: escrow already has an active case")
	ErrUnauthorized         = errors.New("dispute: unauthorized")
	ErrInvalidOutcome       = errors.New("dispute: invalid outcome")
	ErrInvalidFiler         = errors.New("dispute: filer required")
	ErrArbitratorExists     = errors.New("dispute: arbitrator already registered")
	ErrArbitratorNotFound   = errors.New("dispute: arbitrator not found")
	ErrInvalidConfiguration = errors.New("dispute: invalid configuration")
	ErrStakeTransferFailed  = errors.New("dispute: stake transfer failed")
	ErrNilState             = errors.New("dispute: state not configured")
)
