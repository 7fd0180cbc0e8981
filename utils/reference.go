package utils

import (
	"crypto/rand"

	"github.com/gagliardetto/solana-go"
)

// GenerateReference returns a fresh base58 correlation key for a payment
// request. It is random key material with no private key behind it, so it can
// be embedded in a transaction as a read-only account but never sign or hold
// funds.
func GenerateReference() string {
	var b [solana.PublicKeyLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return solana.PublicKeyFromBytes(b[:]).String()
}
