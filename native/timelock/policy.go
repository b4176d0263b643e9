package timelock

import (
	"fmt"
	"math/big"
	"sync"
)

// Duration constants in seconds. The defaults mirror the fallback values the
// escrow engine uses when no policy module is wired at all, so a freshly
// constructed policy behaves identically to the absent-module path.
const (
	DefaultMinDuration        int64 = 3_600          // 1 hour
	DefaultMaxDuration        int64 = 30 * 86_400    // 30 days
	DefaultLockDuration       int64 = 86_400         // 24 hours
	DefaultEmergencyExtension int64 = 2 * 86_400     // 48 hours
	DefaultDisputeExtension   int64 = 3 * 86_400     // 72 hours
)

// Tier maps an inclusive amount ceiling onto a lock duration. A nil Threshold
// marks the catch-all tier for any larger amount.
type Tier struct {
	Threshold *big.Int
	Duration  int64
}

// Config carries the administrator-mutable policy parameters.
type Config struct {
	MinDuration        int64
	MaxDuration        int64
	DefaultDuration    int64
	EmergencyExtension int64
	DisputeExtension   int64
	Tiers              []Tier
}

// DefaultConfig returns the tier table shipped with the node: higher value
// trades sit behind longer mandatory locks.
func DefaultConfig() Config {
	return Config{
		MinDuration:        DefaultMinDuration,
		MaxDuration:        DefaultMaxDuration,
		DefaultDuration:    DefaultLockDuration,
		EmergencyExtension: DefaultEmergencyExtension,
		DisputeExtension:   DefaultDisputeExtension,
		Tiers: []Tier{
			{Threshold: big.NewInt(1_000), Duration: DefaultLockDuration},
			{Threshold: big.NewInt(1_000_000), Duration: 2 * 86_400},
			{Threshold: big.NewInt(1_000_000_000), Duration: 3 * 86_400},
			{Threshold: nil, Duration: 7 * 86_400},
		},
	}
}

// Validate rejects inconsistent configurations: out-of-order bounds, a default
// outside the bounds, zero extensions, or a non-monotone tier table.
func (c Config) Validate() error {
	if c.MinDuration <= 0 || c.MaxDuration <= 0 {
		return fmt.Errorf("%w: bounds must be positive", ErrInvalidConfiguration)
	}
	if c.MinDuration > c.MaxDuration {
		return fmt.Errorf("%w: min exceeds max", ErrInvalidConfiguration)
	}
	if c.DefaultDuration < c.MinDuration || c.DefaultDuration > c.MaxDuration {
		return fmt.Errorf("%w: default outside bounds", ErrInvalidConfiguration)
	}
	if c.EmergencyExtension <= 0 || c.DisputeExtension <= 0 {
		return fmt.Errorf("%w: extensions must be positive", ErrInvalidConfiguration)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: tier table empty", ErrInvalidConfiguration)
	}
	var prevThreshold *big.Int
	var prevDuration int64
	for i, tier := range c.Tiers {
		if tier.Duration <= 0 {
			return fmt.Errorf("%w: tier %d duration must be positive", ErrInvalidConfiguration, i)
		}
		if tier.Threshold == nil {
			if i != len(c.Tiers)-1 {
				return fmt.Errorf("%w: catch-all tier must be last", ErrInvalidConfiguration)
			}
		} else {
			if tier.Threshold.Sign() <= 0 {
				return fmt.Errorf("%w: tier %d threshold must be positive", ErrInvalidConfiguration, i)
			}
			if prevThreshold != nil && tier.Threshold.Cmp(prevThreshold) <= 0 {
				return fmt.Errorf("%w: tier thresholds must ascend", ErrInvalidConfiguration)
			}
			prevThreshold = tier.Threshold
		}
		if tier.Duration < prevDuration {
			return fmt.Errorf("%w: tier durations must not decrease", ErrInvalidConfiguration)
		}
		prevDuration = tier.Duration
	}
	return nil
}

func cloneConfig(c Config) Config {
	clone := c
	clone.Tiers = make([]Tier, len(c.Tiers))
	for i, tier := range c.Tiers {
		clone.Tiers[i] = Tier{Duration: tier.Duration}
		if tier.Threshold != nil {
			clone.Tiers[i].Threshold = new(big.Int).Set(tier.Threshold)
		}
	}
	return clone
}

// Factors bundles the risk inputs consumed by Duration. Reputation scores are
// on the ledger's [10,100] scale; zero means "unknown" and is treated as the
// neutral 50.
type Factors struct {
	Amount           *big.Int
	SellerReputation uint32
	BuyerReputation  uint32
	TradeCount       uint64
	HighRisk         bool
	KYCVerified      bool
}

// Policy computes mandatory lock durations from trade value and optional risk
// factors, and owns the emergency/dispute extension constants.
type Policy struct {
	mu    sync.RWMutex
	admin [20]byte
	cfg   Config
}

// New constructs a policy owned by admin. An all-zero config selects the
// defaults.
func New(admin [20]byte, cfg Config) (*Policy, error) {
	if len(cfg.Tiers) == 0 && cfg.MinDuration == 0 && cfg.MaxDuration == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{admin: admin, cfg: cloneConfig(cfg)}, nil
}

// UpdateConfig replaces the policy parameters after validation. Only the
// administrator may call it.
func (p *Policy) UpdateConfig(caller [20]byte, cfg Config) error {
	if p == nil {
		return ErrInvalidConfiguration
	}
	if caller != p.admin {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cloneConfig(cfg)
	p.mu.Unlock()
	return nil
}

// Config returns a copy of the current configuration.
func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneConfig(p.cfg)
}

func (p *Policy) clamp(d int64) int64 {
	if d < p.cfg.MinDuration {
		return p.cfg.MinDuration
	}
	if d > p.cfg.MaxDuration {
		return p.cfg.MaxDuration
	}
	return d
}

// DurationForAmount resolves the lock duration for a trade of the given value
// from the tier table. The result is always within [min, max].
func (p *Policy) DurationForAmount(amount *big.Int) (int64, error) {
	if p == nil {
		return 0, ErrInvalidConfiguration
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clamp(p.tierDuration(amount)), nil
}

func (p *Policy) tierDuration(amount *big.Int) int64 {
	for _, tier := range p.cfg.Tiers {
		if tier.Threshold == nil || amount.Cmp(tier.Threshold) <= 0 {
			return tier.Duration
		}
	}
	return p.cfg.DefaultDuration
}

// Basis-point multipliers applied for the reputation and trade-history
// adjustments. Lower trust or thinner history stretches the lock.
const (
	bpsDenominator       int64 = 10_000
	repBandVeryLow             = 15_000 // avg < 30
	repBandLow                 = 12_500 // avg < 50
	repBandNeutral             = 10_000 // avg < 70
	repBandGood                = 9_000  // avg < 85
	repBandExcellent           = 8_000  // avg >= 85
	historyThinBps             = 12_500 // fewer than 5 prior trades
	historyDeepBps             = 8_500  // 50 or more prior trades
	highRiskIncrease     int64 = 12 * 3_600
	kycVerifiedDecrease  int64 = 6 * 3_600
)

func reputationBps(avg uint32) int64 {
	switch {
	case avg < 30:
		return repBandVeryLow
	case avg < 50:
		return repBandLow
	case avg < 70:
		return repBandNeutral
	case avg < 85:
		return repBandGood
	default:
		return repBandExcellent
	}
}

// Duration computes the risk-adjusted lock duration. Adjustments apply in a
// fixed order -- reputation band, trade history, high-risk increase, KYC
// decrease -- and the result is clamped to [min, max] last, so no single
// adjustment can escape the configured bounds.
func (p *Policy) Duration(f Factors) (int64, error) {
	if p == nil {
		return 0, ErrInvalidConfiguration
	}
	if f.Amount == nil || f.Amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	duration := p.tierDuration(f.Amount)

	sellerRep := f.SellerReputation
	if sellerRep == 0 {
		sellerRep = 50
	}
	buyerRep := f.BuyerReputation
	if buyerRep == 0 {
		buyerRep = 50
	}
	avg := (sellerRep + buyerRep) / 2
	duration = duration * reputationBps(avg) / bpsDenominator

	switch {
	case f.TradeCount < 5:
		duration = duration * historyThinBps / bpsDenominator
	case f.TradeCount >= 50:
		duration = duration * historyDeepBps / bpsDenominator
	}

	if f.HighRisk {
		duration += highRiskIncrease
	}
	if f.KYCVerified {
		duration -= kycVerifiedDecrease
	}

	return p.clamp(duration), nil
}

// EmergencyExtension returns the configured emergency lock extension.
func (p *Policy) EmergencyExtension() (int64, error) {
	if p == nil {
		return 0, ErrInvalidConfiguration
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.EmergencyExtension, nil
}

// DisputeExtension returns the configured dispute lock extension.
func (p *Policy) DisputeExtension() (int64, error) {
	if p == nil {
		return 0, ErrInvalidConfiguration
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.DisputeExtension, nil
}

// ValidateOverride checks a caller-supplied custom lock duration against the
// configured bounds. Zero is always accepted and means "use the policy".
func (p *Policy) ValidateOverride(duration int64) error {
	if p == nil {
		return ErrInvalidConfiguration
	}
	if duration == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if duration < p.cfg.MinDuration || duration > p.cfg.MaxDuration {
		return ErrInvalidDuration
	}
	return nil
}
