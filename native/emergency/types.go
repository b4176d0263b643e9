package emergency

// Extension and bookkeeping constants in seconds.
const (
	DefaultResponseTime  int64 = 3_600      // contacts are expected within 1 hour
	DefaultCooldown      int64 = 3_600      // per-activator, across all escrows
	DefaultBaseExtension int64 = 2 * 86_400 // 48 hours
	DefaultMaxExtension  int64 = 7 * 86_400 // absolute escalation ceiling
	activationWindow     int64 = 86_400     // rolling window for the daily cap
	escalationStep       int64 = 86_400     // one extra day per prior activation
)

// Config carries the administrator-mutable emergency parameters.
type Config struct {
	ResponseTime         int64
	Cooldown             int64
	MaxActivationsPerDay uint32
	AutoLock             bool
	BaseExtension        int64
	MaxExtension         int64
}

// DefaultConfig returns the parameters shipped with the node.
func DefaultConfig() Config {
	return Config{
		ResponseTime:         DefaultResponseTime,
		Cooldown:             DefaultCooldown,
		MaxActivationsPerDay: 3,
		AutoLock:             true,
		BaseExtension:        DefaultBaseExtension,
		MaxExtension:         DefaultMaxExtension,
	}
}

// Validate rejects configurations with non-positive durations or a zero cap.
func (c Config) Validate() error {
	if c.ResponseTime <= 0 || c.Cooldown <= 0 {
		return ErrInvalidConfiguration
	}
	if c.MaxActivationsPerDay == 0 {
		return ErrInvalidConfiguration
	}
	if c.BaseExtension <= 0 || c.MaxExtension < c.BaseExtension {
		return ErrInvalidConfiguration
	}
	return nil
}

// Activation records one panic activation against an escrow.
type Activation struct {
	Escrow      [32]byte `json:"escrow"`
	Activator   [20]byte `json:"activator"`
	CodeHash    [32]byte `json:"codeHash"`
	Reason      string   `json:"reason"`
	ActivatedAt int64    `json:"activatedAt"`
	Active      bool     `json:"active"`
	Resolver    [20]byte `json:"resolver"`
	ResolvedAt  int64    `json:"resolvedAt"`
	Resolution  string   `json:"resolution"`
}

// Clone returns a copy of the activation record.
func (a *Activation) Clone() *Activation {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// activatorHistory tracks per-activator bookkeeping: total activations for the
// escalation schedule, the recent timestamps backing the rolling daily cap,
// and the last activation for cooldown enforcement.
type activatorHistory struct {
	Total          uint64  `json:"total"`
	Recent         []int64 `json:"recent"`
	LastActivation int64   `json:"lastActivation"`
}

func (h *activatorHistory) prune(now int64) {
	kept := h.Recent[:0]
	for _, ts := range h.Recent {
		if now-ts < activationWindow {
			kept = append(kept, ts)
		}
	}
	h.Recent = kept
}

// Contact is a registered security responder alerted on every activation.
type Contact struct {
	ID        string   `json:"id"`
	Addr      [20]byte `json:"addr"`
	Name      string   `json:"name"`
	AddedAt   int64    `json:"addedAt"`
	Active    bool     `json:"active"`
	Responses uint64   `json:"responses"`
}

// Clone returns a copy of the contact record.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
