package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")

// ValidateAmount checks if an amount string is a positive decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if !dec.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be greater than zero")
	}

	return dec, nil
}

// ValidateSolanaAddress checks that address is a base58 encoded 32 byte key
func ValidateSolanaAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	// Solana address validation - base58, typically 32-44 characters
	if len(address) < 32 || len(address) > 44 {
		return fmt.Errorf("Solana address has invalid length")
	}
	if !isBase58String(address) {
		return fmt.Errorf("Solana address must be valid base58")
	}

	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("invalid Solana address: %w", err)
	}

	return nil
}

// ValidateSignature checks a base58 transaction signature and decodes it
func ValidateSignature(signature string) (solana.Signature, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return solana.Signature{}, fmt.Errorf("transaction signature cannot be empty")
	}

	// Solana transaction signature - base58 encoded, typically 87-88 characters
	if len(signature) < 80 || len(signature) > 90 {
		return solana.Signature{}, fmt.Errorf("Solana transaction signature has invalid length")
	}
	if !isBase58String(signature) {
		return solana.Signature{}, fmt.Errorf("Solana transaction signature must be valid base58")
	}

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid transaction signature: %w", err)
	}

	return sig, nil
}

// Helper function to check if a string is valid base58
func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}
