package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, ":8545", cfg.RPCAddress)
	require.Equal(t, "10", cfg.Registry.CreationFee)
	require.NoError(t, cfg.Validate())

	// A second load reads the persisted file back.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Registry, again.Registry)
	require.Equal(t, cfg.TimeLock, again.TimeLock)
}

func TestLoadExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
RPCAddress = ":9000"
AdminAddress = "0x00000000000000000000000000000000000000ad"

[registry]
CreationFee = "250"
Template = 3

[timelock]
MinDuration = 600
MaxDuration = 7200

[dispute]
MinStake = "500"
ArbitratorFee = "50"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.RPCAddress)
	require.Equal(t, "250", cfg.Registry.CreationFee)
	require.Equal(t, uint64(3), cfg.Registry.Template)
	require.Equal(t, int64(600), cfg.TimeLock.MinDuration)
	// Missing vaults fall back to defaults.
	require.Equal(t, Default().Registry.FeeVault, cfg.Registry.FeeVault)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.AdminAddress = "not-an-address"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Registry.CreationFee = "-5"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.TimeLock.MinDuration = 10
	cfg.TimeLock.MaxDuration = 5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RateLimit.MaxPerEpoch = 10
	cfg.RateLimit.EpochSeconds = 0
	require.Error(t, cfg.Validate())
}

func TestParseHelpers(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000ec")
	require.NoError(t, err)
	require.Equal(t, byte(0xec), addr[19])

	_, err = ParseAddress("0x123")
	require.Error(t, err)

	amount, err := ParseAmount("1000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", amount.String())

	_, err = ParseAmount("12x")
	require.Error(t, err)
}
