package types

// TokenBalance is one token account balance of a transaction, before or after
// execution.
type TokenBalance struct {
	AccountIndex uint16
	Mint         string
	Owner        string

	// UIAmountString is the decimals-scaled amount the RPC node renders.
	UIAmountString string
	UIAmount       *float64

	// Amount is the raw integer amount in minor units of the mint.
	Amount   string
	Decimals uint8
}

// TransactionRecord is a fetched ledger transaction reduced to what balance
// verification needs. Balances are aligned with AccountKeys.
type TransactionRecord struct {
	Signature    string
	Slot         uint64
	ErrorPresent bool
	Err          any

	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64

	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// AccountIndex returns the first position of address in AccountKeys, or -1.
func (t *TransactionRecord) AccountIndex(address string) int {
	for i, key := range t.AccountKeys {
		if key == address {
			return i
		}
	}
	return -1
}
