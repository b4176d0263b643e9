package escrow

import (
	"fmt"
	"math/big"
)

// Status tracks the escrow lifecycle. Released and Cancelled are terminal;
// Disputed and Emergency block every state-changing operation and hand control
// to the external resolution path.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusFunded
	StatusLocked
	StatusReleased
	StatusDisputed
	StatusEmergency
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s >= StatusCreated && s <= StatusCancelled
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	case StatusEmergency:
		return "emergency"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// EmergencyRecord captures a panic activation against the escrow. FiledAt
// semantics mirror the dispute record: ActivatedAt is zero until an emergency
// has fired.
type EmergencyRecord struct {
	Activator   [20]byte `json:"activator"`
	ActivatedAt int64    `json:"activatedAt"`
	Extension   int64    `json:"extension"`
	CodeHash    [32]byte `json:"codeHash"`
}

// DisputeRecord captures a dispute raised against the escrow. FiledAt is zero
// until a dispute exists; at most one unresolved dispute exists at a time.
type DisputeRecord struct {
	Disputant  [20]byte `json:"disputant"`
	Reason     string   `json:"reason"`
	FiledAt    int64    `json:"filedAt"`
	Resolved   bool     `json:"resolved"`
	Resolver   [20]byte `json:"resolver"`
	ResolvedAt int64    `json:"resolvedAt"`
}

// Escrow is one per-trade custodial record. Trade terms (parties, amount,
// description, trade id, lock override) are immutable after creation; the
// remainder is mutated only through the engine's guarded transitions.
type Escrow struct {
	ID           [32]byte         `json:"id"`
	Seller       [20]byte         `json:"seller"`
	Buyer        [20]byte         `json:"buyer"`
	Amount       *big.Int         `json:"amount"`
	Description  string           `json:"description"`
	TradeID      [32]byte         `json:"tradeId"`
	LockOverride int64            `json:"lockOverride"`
	Template     uint64           `json:"template"`
	Status       Status           `json:"status"`
	HeldBalance  *big.Int         `json:"heldBalance"`
	TimeLockEnd  int64            `json:"timeLockEnd"`
	PanicHash    [32]byte         `json:"panicHash"`
	CreatedAt    int64            `json:"createdAt"`
	UpdatedAt    int64            `json:"updatedAt"`
	Emergency    *EmergencyRecord `json:"emergency,omitempty"`
	Dispute      *DisputeRecord   `json:"dispute,omitempty"`
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if e.HeldBalance != nil {
		clone.HeldBalance = new(big.Int).Set(e.HeldBalance)
	} else {
		clone.HeldBalance = big.NewInt(0)
	}
	if e.Emergency != nil {
		em := *e.Emergency
		clone.Emergency = &em
	}
	if e.Dispute != nil {
		d := *e.Dispute
		clone.Dispute = &d
	}
	return &clone
}

// Sanitize strips the panic-code commitment from a snapshot so read surfaces
// never leak the hash a mismatch would be checked against.
func (e *Escrow) Sanitize() *Escrow {
	clone := e.Clone()
	if clone == nil {
		return nil
	}
	clone.PanicHash = [32]byte{}
	if clone.Emergency != nil {
		clone.Emergency.CodeHash = [32]byte{}
	}
	return clone
}
