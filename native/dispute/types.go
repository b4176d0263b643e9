package dispute

import (
	"fmt"
	"math/big"
)

// Status tracks the lifecycle of a dispute case. Cases move to UnderReview as
// soon as they are filed; real arbitrator load-balancing is intentionally not
// modelled here.
type Status uint8

const (
	StatusUnderReview Status = iota + 1
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusUnderReview, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusUnderReview:
		return "under_review"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Outcome records how a resolved case was decided.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeBuyerFavored
	OutcomeSellerFavored
	OutcomePartial
	OutcomeCancelled
)

// Valid reports whether the outcome value is within the supported range.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeBuyerFavored, OutcomeSellerFavored, OutcomePartial, OutcomeCancelled:
		return true
	default:
		return false
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeBuyerFavored:
		return "buyer_favored"
	case OutcomeSellerFavored:
		return "seller_favored"
	case OutcomePartial:
		return "partial"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Case is one dispute filing against an escrow.
type Case struct {
	ID         [32]byte `json:"id"`
	Escrow     [32]byte `json:"escrow"`
	Filer      [20]byte `json:"filer"`
	Reason     string   `json:"reason"`
	Stake      *big.Int `json:"stake"`
	FiledAt    int64    `json:"filedAt"`
	Status     Status   `json:"status"`
	Arbitrator [20]byte `json:"arbitrator"`
	Outcome    Outcome  `json:"outcome"`
	Resolution string   `json:"resolution"`
	ResolvedAt int64    `json:"resolvedAt"`
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Stake != nil {
		clone.Stake = new(big.Int).Set(c.Stake)
	} else {
		clone.Stake = big.NewInt(0)
	}
	return &clone
}

// Config carries the administrator-mutable dispute parameters.
type Config struct {
	AutoResolveTimeout int64
	ArbitratorTimeout  int64
	MinStake           *big.Int
	ArbitratorFee      *big.Int
}

// DefaultConfig returns the parameters shipped with the node.
func DefaultConfig() Config {
	return Config{
		AutoResolveTimeout: 14 * 86_400,
		ArbitratorTimeout:  7 * 86_400,
		MinStake:           big.NewInt(100),
		ArbitratorFee:      big.NewInt(25),
	}
}

// Validate rejects zero timeouts and negative economic parameters.
func (c Config) Validate() error {
	if c.AutoResolveTimeout <= 0 || c.ArbitratorTimeout <= 0 {
		return ErrInvalidConfiguration
	}
	if c.MinStake == nil || c.MinStake.Sign() < 0 {
		return ErrInvalidConfiguration
	}
	if c.ArbitratorFee == nil || c.ArbitratorFee.Sign() < 0 {
		return ErrInvalidConfiguration
	}
	return nil
}

func cloneConfig(c Config) Config {
	clone := c
	if c.MinStake != nil {
		clone.MinStake = new(big.Int).Set(c.MinStake)
	}
	if c.ArbitratorFee != nil {
		clone.ArbitratorFee = new(big.Int).Set(c.ArbitratorFee)
	}
	return clone
}
