package types

import "math/big"

// Account holds the spendable balance for a single identity. Balances are
// integers in the smallest currency unit.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}
