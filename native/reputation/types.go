package reputation

import "math/big"

// Score bounds. The floor is deliberately above zero so no participant ever
// becomes permanently unscorable.
const (
	ScoreFloor   uint32 = 10
	ScoreCeiling uint32 = 100
	ScoreNeutral uint32 = 50
)

// Profile accumulates the trade and dispute history for one participant.
type Profile struct {
	TradeCount    uint64   `json:"tradeCount"`
	SuccessCount  uint64   `json:"successCount"`
	Volume        *big.Int `json:"volume"`
	PenaltyPoints uint32   `json:"penaltyPoints"`
	LastPenaltyAt int64    `json:"lastPenaltyAt"`
	DisputesWon   uint64   `json:"disputesWon"`
	DisputesLost  uint64   `json:"disputesLost"`
	FirstTradeAt  int64    `json:"firstTradeAt"`
}

// Clone returns a deep copy so callers can mutate the result safely.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Volume != nil {
		clone.Volume = new(big.Int).Set(p.Volume)
	} else {
		clone.Volume = big.NewInt(0)
	}
	return &clone
}

func ensureProfile(p *Profile) *Profile {
	if p == nil {
		return &Profile{Volume: big.NewInt(0)}
	}
	if p.Volume == nil {
		p.Volume = big.NewInt(0)
	}
	return p
}

// Config carries the administrator-mutable scoring parameters.
type Config struct {
	// MinTradeCount is the history depth required before a participant is
	// scored from their record rather than the neutral default.
	MinTradeCount uint64
	// TrustThreshold is the score a participant must exceed to be considered
	// trustworthy.
	TrustThreshold uint32
	// MaxPenaltyPerCall caps the points a single ApplyPenalty call may add.
	MaxPenaltyPerCall uint32
	// MaxPenaltyPoints caps the accumulated penalty deduction.
	MaxPenaltyPoints uint32
	// PenaltyCooldown is how long a fresh penalty disqualifies a participant
	// from IsTrustworthy, in seconds.
	PenaltyCooldown int64
}

// DefaultConfig returns the scoring parameters shipped with the node.
func DefaultConfig() Config {
	return Config{
		MinTradeCount:     3,
		TrustThreshold:    60,
		MaxPenaltyPerCall: 20,
		MaxPenaltyPoints:  40,
		PenaltyCooldown:   30 * 86_400,
	}
}

// Validate rejects configurations that would make scoring degenerate.
func (c Config) Validate() error {
	if c.TrustThreshold < ScoreFloor || c.TrustThreshold > ScoreCeiling {
		return ErrInvalidConfiguration
	}
	if c.MaxPenaltyPerCall == 0 || c.MaxPenaltyPoints == 0 {
		return ErrInvalidConfiguration
	}
	if c.PenaltyCooldown < 0 {
		return ErrInvalidConfiguration
	}
	return nil
}
