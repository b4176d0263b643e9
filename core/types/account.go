package types

import "math/big"

// Account holds the spendable balance tracked for a participant address. The
// escrow vault and the registry fee vault are ordinary accounts so every fund
// movement stays inside this ledger.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureAccount normalises a possibly-nil account into a usable value.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
