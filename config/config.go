package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Config is the daemon configuration. Amounts are decimal strings in the
// smallest currency unit; durations are seconds; addresses are 0x-prefixed
// hex.
type Config struct {
	RPCAddress   string `toml:"RPCAddress"`
	DataDir      string `toml:"DataDir"`
	Service      string `toml:"Service"`
	Env          string `toml:"Env"`
	AdminAddress string `toml:"AdminAddress"`
	AdminToken   string `toml:"AdminToken"`

	Registry   RegistryConfig   `toml:"registry"`
	TimeLock   TimeLockConfig   `toml:"timelock"`
	Emergency  EmergencyConfig  `toml:"emergency"`
	Dispute    DisputeConfig    `toml:"dispute"`
	Reputation ReputationConfig `toml:"reputation"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
}

// RegistryConfig parameterises the escrow factory.
type RegistryConfig struct {
	CreationFee  string `toml:"CreationFee"`
	Template     uint64 `toml:"Template"`
	EscrowVault  string `toml:"EscrowVault"`
	FeeVault     string `toml:"FeeVault"`
	DisputeVault string `toml:"DisputeVault"`
}

// TimeLockConfig parameterises the time-lock policy module.
type TimeLockConfig struct {
	MinDuration        int64 `toml:"MinDuration"`
	MaxDuration        int64 `toml:"MaxDuration"`
	DefaultDuration    int64 `toml:"DefaultDuration"`
	EmergencyExtension int64 `toml:"EmergencyExtension"`
	DisputeExtension   int64 `toml:"DisputeExtension"`
}

// EmergencyConfig parameterises the emergency policy module.
type EmergencyConfig struct {
	ResponseTime         int64  `toml:"ResponseTime"`
	Cooldown             int64  `toml:"Cooldown"`
	MaxActivationsPerDay uint32 `toml:"MaxActivationsPerDay"`
	AutoLock             bool   `toml:"AutoLock"`
	BaseExtension        int64  `toml:"BaseExtension"`
	MaxExtension         int64  `toml:"MaxExtension"`
}

// DisputeConfig parameterises the dispute registry.
type DisputeConfig struct {
	AutoResolveTimeout int64  `toml:"AutoResolveTimeout"`
	ArbitratorTimeout  int64  `toml:"ArbitratorTimeout"`
	MinStake           string `toml:"MinStake"`
	ArbitratorFee      string `toml:"ArbitratorFee"`
}

// ReputationConfig parameterises the reputation ledger.
type ReputationConfig struct {
	MinTradeCount   uint64 `toml:"MinTradeCount"`
	TrustThreshold  uint32 `toml:"TrustThreshold"`
	MaxPenaltyCall  uint32 `toml:"MaxPenaltyPerCall"`
	MaxPenaltyTotal uint32 `toml:"MaxPenaltyPoints"`
	PenaltyCooldown int64  `toml:"PenaltyCooldown"`
}

// RateLimitConfig bounds write requests per caller on the RPC surface.
type RateLimitConfig struct {
	MaxPerEpoch  uint32 `toml:"MaxPerEpoch"`
	EpochSeconds uint32 `toml:"EpochSeconds"`
}

// Load reads the configuration from path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written to freshly-initialised nodes.
func Default() *Config {
	return &Config{
		RPCAddress:   ":8545",
		DataDir:      "./safehold-data",
		Service:      "safeholdd",
		Env:          "local",
		AdminAddress: "0x00000000000000000000000000000000000000ad",
		Registry: RegistryConfig{
			CreationFee:  "10",
			Template:     1,
			EscrowVault:  "0x00000000000000000000000000000000000000ec",
			FeeVault:     "0x00000000000000000000000000000000000000fe",
			DisputeVault: "0x00000000000000000000000000000000000000dc",
		},
		TimeLock: TimeLockConfig{
			MinDuration:        3_600,
			MaxDuration:        30 * 86_400,
			DefaultDuration:    86_400,
			EmergencyExtension: 2 * 86_400,
			DisputeExtension:   3 * 86_400,
		},
		Emergency: EmergencyConfig{
			ResponseTime:         3_600,
			Cooldown:             3_600,
			MaxActivationsPerDay: 3,
			AutoLock:             true,
			BaseExtension:        2 * 86_400,
			MaxExtension:         7 * 86_400,
		},
		Dispute: DisputeConfig{
			AutoResolveTimeout: 14 * 86_400,
			ArbitratorTimeout:  7 * 86_400,
			MinStake:           "100",
			ArbitratorFee:      "25",
		},
		Reputation: ReputationConfig{
			MinTradeCount:   3,
			TrustThreshold:  60,
			MaxPenaltyCall:  20,
			MaxPenaltyTotal: 40,
			PenaltyCooldown: 30 * 86_400,
		},
		RateLimit: RateLimitConfig{
			MaxPerEpoch:  120,
			EpochSeconds: 60,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = def.RPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.Service) == "" {
		c.Service = def.Service
	}
	if strings.TrimSpace(c.Registry.CreationFee) == "" {
		c.Registry.CreationFee = "0"
	}
	if strings.TrimSpace(c.Registry.EscrowVault) == "" {
		c.Registry.EscrowVault = def.Registry.EscrowVault
	}
	if strings.TrimSpace(c.Registry.FeeVault) == "" {
		c.Registry.FeeVault = def.Registry.FeeVault
	}
	if strings.TrimSpace(c.Registry.DisputeVault) == "" {
		c.Registry.DisputeVault = def.Registry.DisputeVault
	}
}

// Validate rejects inconsistent configuration before any module is built.
// Deep per-module validation is repeated by the modules themselves.
func (c *Config) Validate() error {
	if _, err := ParseAddress(c.AdminAddress); err != nil {
		return fmt.Errorf("config: AdminAddress: %w", err)
	}
	for name, addr := range map[string]string{
		"EscrowVault":  c.Registry.EscrowVault,
		"FeeVault":     c.Registry.FeeVault,
		"DisputeVault": c.Registry.DisputeVault,
	} {
		if _, err := ParseAddress(addr); err != nil {
			return fmt.Errorf("config: registry.%s: %w", name, err)
		}
	}
	if _, err := ParseAmount(c.Registry.CreationFee); err != nil {
		return fmt.Errorf("config: registry.CreationFee: %w", err)
	}
	if _, err := ParseAmount(c.Dispute.MinStake); err != nil {
		return fmt.Errorf("config: dispute.MinStake: %w", err)
	}
	if _, err := ParseAmount(c.Dispute.ArbitratorFee); err != nil {
		return fmt.Errorf("config: dispute.ArbitratorFee: %w", err)
	}
	if c.TimeLock.MinDuration > c.TimeLock.MaxDuration {
		return fmt.Errorf("config: timelock bounds out of order")
	}
	if c.RateLimit.MaxPerEpoch > 0 && c.RateLimit.EpochSeconds == 0 {
		return fmt.Errorf("config: ratelimit epoch must be positive when a cap is set")
	}
	return nil
}

// ParseAddress decodes a 0x-prefixed hex address into its byte form.
func ParseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", value)
	}
	return ethcommon.HexToAddress(trimmed), nil
}

// ParseAmount decodes a non-negative decimal amount string.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}
